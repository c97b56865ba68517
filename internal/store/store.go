package store

import (
	"context"
	"time"

	"holotask/internal/domain"
)

// Store persists task definitions and their run history.
//
// Every write is atomic for a single task id. Get returns domain.ErrNotFound
// for unknown ids. Returned tasks are copies owned by the caller.
type Store interface {
	Put(ctx context.Context, t *domain.ScheduledTask) error
	Get(ctx context.Context, id string) (*domain.ScheduledTask, error)
	List(ctx context.Context, f Filter) ([]*domain.ScheduledTask, error)
	Delete(ctx context.Context, id string) (bool, error)

	// Claim moves a task from scheduled to running and stamps StartedAt.
	// It reports false if the task is no longer scheduled.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	// RecordResult appends r to the task history and updates the task's
	// LastRunAt/LastResult/LastError in the same write.
	RecordResult(ctx context.Context, taskID string, r domain.TaskResult) error
	// Resolve writes t and appends r to its history in one atomic write.
	// Either both land or neither does.
	Resolve(ctx context.Context, t *domain.ScheduledTask, r domain.TaskResult) error
	// AppendResults adds results recorded elsewhere to the history of
	// taskID without touching the task. Ids already present are skipped.
	// It returns how many were added.
	AppendResults(ctx context.Context, taskID string, rs []domain.TaskResult) (int, error)
	// Results returns up to limit results for a task, most recent first.
	Results(ctx context.Context, taskID string, limit int) ([]domain.TaskResult, error)

	Close() error
}

// Filter narrows List. Zero value matches every task.
type Filter struct {
	Statuses []domain.Status
	// DueBefore selects scheduled tasks whose NextRunAt <= DueBefore.
	DueBefore *time.Time
	// StartedBefore selects running tasks whose StartedAt < StartedBefore.
	StartedBefore *time.Time
}

func (f Filter) Match(t *domain.ScheduledTask) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DueBefore != nil {
		if t.Status != domain.StatusScheduled || t.NextRunAt == nil || t.NextRunAt.After(*f.DueBefore) {
			return false
		}
	}
	if f.StartedBefore != nil {
		if t.Status != domain.StatusRunning || t.StartedAt == nil || !t.StartedAt.Before(*f.StartedBefore) {
			return false
		}
	}
	return true
}

// applyResult mirrors a result onto the task's last-run fields.
func applyResult(t *domain.ScheduledTask, r domain.TaskResult) {
	ended := r.OccurrenceEndedAt
	t.LastRunAt = &ended
	if r.Outcome == domain.OutcomeSuccess {
		t.LastResult = r.PayloadResult
		t.LastError = ""
	} else {
		t.LastError = r.ErrorDetail
	}
}
