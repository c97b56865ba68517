package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"holotask/internal/domain"
	"holotask/internal/scheduler"
	"holotask/internal/store"
)

// Executor performs the work behind a task and returns its result.
type Executor interface {
	Execute(ctx context.Context, task *domain.ScheduledTask) (json.RawMessage, error)
}

// Notifier is told about attempt outcomes the task asked to be notified of.
type Notifier interface {
	Notify(ctx context.Context, ev domain.TaskEvent)
}

const (
	DefaultConcurrency = 4
	DefaultStaleAfter  = 10 * time.Minute
	DefaultTimeOfDay   = "09:00"
)

type Options struct {
	// Name identifies the engine in logs and status ("foreground", "background").
	Name string
	// Location is the zone daily schedules are evaluated in. Default UTC.
	Location *time.Location
	// Concurrency caps how many executor calls the engine has in flight,
	// across every Tick, Dispatch and RunNow.
	Concurrency int
	// StaleAfter is the running window after which an unlocked running task
	// is treated as timed out.
	StaleAfter time.Duration
	// ExecTimeout bounds a single executor call. Default StaleAfter.
	ExecTimeout time.Duration
	// Locks is shared by every engine in the process. Default: private set.
	Locks *LockSet
	// Listener receives every attempt outcome, regardless of the task's
	// notification settings.
	Listener func(domain.TaskEvent)
	Clock    func() time.Time
	Logger   *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "engine"
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = o.StaleAfter
	}
	if o.Locks == nil {
		o.Locks = NewLockSet()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Engine owns the lifecycle of scheduled tasks stored in one Store.
type Engine struct {
	store    store.Store
	exec     Executor
	notifier Notifier
	opt      Options
	locks    *LockSet
	state    *keyedMutex
	slots    *semaphore.Weighted
	inflight sync.WaitGroup
	log      zerolog.Logger

	mu       sync.Mutex
	lastTick *time.Time
}

// New builds an engine. notifier may be nil.
func New(st store.Store, exec Executor, notifier Notifier, opt Options) *Engine {
	opt = opt.withDefaults()
	base := log.Logger
	if opt.Logger != nil {
		base = *opt.Logger
	}
	return &Engine{
		store:    st,
		exec:     exec,
		notifier: notifier,
		opt:      opt,
		locks:    opt.Locks,
		state:    newKeyedMutex(),
		slots:    semaphore.NewWeighted(int64(opt.Concurrency)),
		log:      base.With().Str("engine", opt.Name).Logger(),
	}
}

func (e *Engine) Name() string             { return e.opt.Name }
func (e *Engine) Location() *time.Location { return e.opt.Location }
func (e *Engine) Store() store.Store       { return e.store }
func (e *Engine) now() time.Time           { return e.opt.Clock() }

// TaskSpec is the input of CreateScheduledTask. Nil pointers take defaults.
type TaskSpec struct {
	Name              string
	Description       string
	Type              string
	Payload           json.RawMessage
	Schedule          *domain.Schedule
	Priority          string
	MaxRetries        *int
	RetryDelaySeconds *int
	Notifications     *domain.Notifications
}

// CreateScheduledTask validates spec, computes the first run and persists
// the task as scheduled.
func (e *Engine) CreateScheduledTask(ctx context.Context, spec TaskSpec) (string, error) {
	t, err := e.build(spec)
	if err != nil {
		return "", err
	}
	now := e.now()
	if err := e.plan(t, now); err != nil {
		return "", err
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := e.store.Put(ctx, t); err != nil {
		return "", &domain.PersistenceError{Op: "create", Err: err}
	}
	e.log.Info().
		Str("task_id", t.ID).
		Str("name", t.Name).
		Str("type", t.Type).
		Str("schedule", string(t.Schedule.Kind)).
		Time("next_run", *t.NextRunAt).
		Msg("task scheduled")
	return t.ID, nil
}

type DailyOptions struct {
	Priority          string
	MaxRetries        *int
	RetryDelaySeconds *int
	Notifications     *domain.Notifications
}

// CreateDailyTask schedules a task at timeOfDay on each of the next
// durationDays calendar days, today included.
func (e *Engine) CreateDailyTask(ctx context.Context, name, description, taskType string, payload json.RawMessage, durationDays int, timeOfDay string, opts DailyOptions) (string, error) {
	if durationDays < 1 {
		return "", domain.NewValidationError("duration must be at least 1 day")
	}
	if strings.TrimSpace(timeOfDay) == "" {
		timeOfDay = DefaultTimeOfDay
	}
	now := e.now()
	end := scheduler.DayStart(now, e.opt.Location).AddDate(0, 0, durationDays-1)
	sched := domain.Daily(timeOfDay, now, &end)
	return e.CreateScheduledTask(ctx, TaskSpec{
		Name:              name,
		Description:       description,
		Type:              taskType,
		Payload:           payload,
		Schedule:          &sched,
		Priority:          opts.Priority,
		MaxRetries:        opts.MaxRetries,
		RetryDelaySeconds: opts.RetryDelaySeconds,
		Notifications:     opts.Notifications,
	})
}

// CreateFinanceSummaryTask schedules the daily finance summary extraction.
func (e *Engine) CreateFinanceSummaryTask(ctx context.Context, durationDays int, timeOfDay string) (string, error) {
	payload := json.RawMessage(`{"report":"finance_summary","sections":["balances","transactions","budgets"]}`)
	return e.CreateDailyTask(ctx, "Daily Finance Summary", "Collects balances, transactions and budgets into a daily summary",
		domain.TypeDataExtraction, payload, durationDays, timeOfDay, DailyOptions{
			Priority:      string(domain.PriorityHigh),
			Notifications: &domain.Notifications{OnSuccess: true, OnFailure: true, OnRetryExhausted: true},
		})
}

// Import upserts a task produced elsewhere, e.g. by a foreground context
// handing its state to the background runner. An existing copy with a newer
// UpdatedAt, or one that is currently running, wins.
func (e *Engine) Import(ctx context.Context, in *domain.ScheduledTask) (string, error) {
	if in == nil {
		return "", domain.NewValidationError(domain.MissingFieldsMessage)
	}
	t := in.Clone()
	if t.ID == "" {
		t.ID = domain.NewTaskID()
	}
	if err := validateRequired(t.Name, t.Description, t.Type, t.Payload, &t.Schedule); err != nil {
		return "", err
	}
	if err := scheduler.Validate(t.Schedule); err != nil {
		return "", domain.NewValidationError("invalid schedule: %v", err)
	}

	e.state.lock(t.ID)
	defer e.state.unlock(t.ID)

	existing, err := e.store.Get(ctx, t.ID)
	switch {
	case err == nil:
		if existing.Status == domain.StatusRunning || existing.UpdatedAt.After(t.UpdatedAt) {
			return t.ID, nil
		}
	case !errors.Is(err, domain.ErrNotFound):
		return "", &domain.PersistenceError{Op: "import", Err: err}
	}

	now := e.now()
	if p, ok := domain.ParsePriority(string(t.Priority)); ok {
		t.Priority = p
	} else {
		t.Priority = domain.PriorityMedium
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if t.RetryDelaySeconds < 0 {
		t.RetryDelaySeconds = 0
	}
	if !t.Status.Valid() || t.Status == domain.StatusRunning {
		t.Status = domain.StatusScheduled
	}
	t.StartedAt = nil
	if t.AttemptCount > t.MaxRetries+1 {
		t.AttemptCount = 0
	}
	if t.Status == domain.StatusScheduled && t.NextRunAt == nil {
		if err := e.plan(t, now); err != nil {
			return "", err
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if err := e.store.Put(ctx, t); err != nil {
		return "", &domain.PersistenceError{Op: "import", Err: err}
	}
	return t.ID, nil
}

// ImportResults adds results recorded by another engine to the history of
// id. Results whose id is already present are skipped.
func (e *Engine) ImportResults(ctx context.Context, id string, rs []domain.TaskResult) (int, error) {
	if len(rs) == 0 {
		return 0, nil
	}
	n, err := e.store.AppendResults(ctx, id, rs)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, &domain.PersistenceError{Op: "import results", Err: err}
	}
	return n, err
}

// PauseTask moves a scheduled task to paused, keeping NextRunAt as a
// checkpoint. It reports false for unknown or non-scheduled tasks.
func (e *Engine) PauseTask(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, "pause", func(t *domain.ScheduledTask, _ time.Time) bool {
		if t.Status != domain.StatusScheduled {
			return false
		}
		t.Status = domain.StatusPaused
		return true
	})
}

// ResumeTask moves a paused task back to scheduled. A checkpoint that
// elapsed during the pause becomes due immediately.
func (e *Engine) ResumeTask(ctx context.Context, id string) (bool, error) {
	return e.transition(ctx, id, "resume", func(t *domain.ScheduledTask, now time.Time) bool {
		if t.Status != domain.StatusPaused {
			return false
		}
		t.Status = domain.StatusScheduled
		if t.NextRunAt == nil || t.NextRunAt.Before(now) {
			t.NextRunAt = &now
		}
		if t.OccurrenceAt == nil {
			occ := *t.NextRunAt
			t.OccurrenceAt = &occ
		}
		return true
	})
}

// Reschedule moves the next run of a scheduled or paused task to at. The
// schedule itself is untouched; it takes over again after that run.
func (e *Engine) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	return e.transition(ctx, id, "reschedule", func(t *domain.ScheduledTask, _ time.Time) bool {
		if t.Status != domain.StatusScheduled && t.Status != domain.StatusPaused {
			return false
		}
		next, occ := at, at
		t.NextRunAt = &next
		t.OccurrenceAt = &occ
		return true
	})
}

// CancelTask makes a task terminal. It is idempotent and reports false only
// for unknown ids. A running task is flagged and becomes cancelled once the
// in-flight attempt is recorded. Completed and failed tasks keep their state.
func (e *Engine) CancelTask(ctx context.Context, id string) (bool, error) {
	var found bool
	_, err := e.transition(ctx, id, "cancel", func(t *domain.ScheduledTask, _ time.Time) bool {
		found = true
		switch {
		case t.Status.Terminal():
			return false
		case t.Status == domain.StatusRunning:
			if t.CancelRequested {
				return false
			}
			t.CancelRequested = true
		default:
			t.Status = domain.StatusCancelled
			t.NextRunAt = nil
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// DeleteTask removes a task and its history.
func (e *Engine) DeleteTask(ctx context.Context, id string) (bool, error) {
	e.state.lock(id)
	defer e.state.unlock(id)
	ok, err := e.store.Delete(ctx, id)
	if err != nil {
		return false, &domain.PersistenceError{Op: "delete", Err: err}
	}
	if ok {
		e.log.Info().Str("task_id", id).Msg("task deleted")
	}
	return ok, nil
}

func (e *Engine) GetScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	tasks, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list", Err: err}
	}
	return tasks, nil
}

// GetScheduledTask returns domain.ErrNotFound for unknown ids.
func (e *Engine) GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.PersistenceError{Op: "get", Err: err}
	}
	return t, err
}

func (e *Engine) TaskResults(ctx context.Context, id string, limit int) ([]domain.TaskResult, error) {
	if _, err := e.GetScheduledTask(ctx, id); err != nil {
		return nil, err
	}
	res, err := e.store.Results(ctx, id, limit)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "results", Err: err}
	}
	return res, nil
}

// Status summarises an engine and its store.
type Status struct {
	Engine       string     `json:"engine"`
	TotalTasks   int        `json:"totalTasks"`
	Scheduled    int        `json:"scheduled"`
	Paused       int        `json:"paused"`
	Running      int        `json:"running"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	Cancelled    int        `json:"cancelled"`
	DueNow       int        `json:"dueNow"`
	RunningCount int        `json:"runningCount"`
	Concurrency  int        `json:"concurrency"`
	Timezone     string     `json:"timezone"`
	LastTickAt   *time.Time `json:"lastTickAt"`
}

func (e *Engine) GetStatus(ctx context.Context) (Status, error) {
	tasks, err := e.store.List(ctx, store.Filter{})
	if err != nil {
		return Status{}, &domain.PersistenceError{Op: "status", Err: err}
	}
	now := e.now()
	st := Status{
		Engine:       e.opt.Name,
		TotalTasks:   len(tasks),
		RunningCount: e.locks.Len(),
		Concurrency:  e.opt.Concurrency,
		Timezone:     e.opt.Location.String(),
	}
	due := store.Filter{DueBefore: &now}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusScheduled:
			st.Scheduled++
		case domain.StatusPaused:
			st.Paused++
		case domain.StatusRunning:
			st.Running++
		case domain.StatusCompleted:
			st.Completed++
		case domain.StatusFailed:
			st.Failed++
		case domain.StatusCancelled:
			st.Cancelled++
		}
		if due.Match(t) {
			st.DueNow++
		}
	}
	e.mu.Lock()
	if e.lastTick != nil {
		lt := *e.lastTick
		st.LastTickAt = &lt
	}
	e.mu.Unlock()
	return st, nil
}

// transition applies fn to the stored task under its state lock and writes
// it back when fn reports a change. Unknown ids report false.
func (e *Engine) transition(ctx context.Context, id, op string, fn func(t *domain.ScheduledTask, now time.Time) bool) (bool, error) {
	e.state.lock(id)
	defer e.state.unlock(id)

	t, err := e.store.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &domain.PersistenceError{Op: op, Err: err}
	}
	now := e.now()
	if !fn(t, now) {
		return false, nil
	}
	t.UpdatedAt = now
	if err := e.store.Put(ctx, t); err != nil {
		return false, &domain.PersistenceError{Op: op, Err: err}
	}
	e.log.Info().Str("task_id", id).Str("op", op).Str("status", string(t.Status)).Msg("task updated")
	return true, nil
}

func (e *Engine) build(spec TaskSpec) (*domain.ScheduledTask, error) {
	if err := validateRequired(spec.Name, spec.Description, spec.Type, spec.Payload, spec.Schedule); err != nil {
		return nil, err
	}
	if err := scheduler.Validate(*spec.Schedule); err != nil {
		return nil, domain.NewValidationError("invalid schedule: %v", err)
	}
	prio, ok := domain.ParsePriority(spec.Priority)
	if !ok {
		return nil, domain.NewValidationError("invalid priority %q", spec.Priority)
	}
	t := &domain.ScheduledTask{
		ID:                domain.NewTaskID(),
		Name:              strings.TrimSpace(spec.Name),
		Description:       strings.TrimSpace(spec.Description),
		Type:              strings.TrimSpace(spec.Type),
		Payload:           spec.Payload,
		Schedule:          spec.Schedule.Clone(),
		Priority:          prio,
		MaxRetries:        domain.DefaultMaxRetries,
		RetryDelaySeconds: domain.DefaultRetryDelaySeconds,
		Notifications:     domain.DefaultNotifications(),
		Status:            domain.StatusScheduled,
	}
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return nil, domain.NewValidationError("maxRetries must be >= 0")
		}
		t.MaxRetries = *spec.MaxRetries
	}
	if spec.RetryDelaySeconds != nil {
		if *spec.RetryDelaySeconds < 0 {
			return nil, domain.NewValidationError("retryDelay must be >= 0")
		}
		t.RetryDelaySeconds = *spec.RetryDelaySeconds
	}
	if spec.Notifications != nil {
		t.Notifications = *spec.Notifications
	}
	return t, nil
}

// plan sets the first NextRunAt of a new task. An elapsed once schedule is
// due immediately; a recurring schedule with nothing left is rejected.
func (e *Engine) plan(t *domain.ScheduledTask, now time.Time) error {
	next, ok := scheduler.NextOccurrence(t.Schedule, now, e.opt.Location)
	occ := next
	if !ok {
		if t.Schedule.Recurring() {
			return domain.NewValidationError("schedule has no future occurrence")
		}
		next, occ = now, t.Schedule.At
	}
	t.Status = domain.StatusScheduled
	t.NextRunAt = &next
	t.OccurrenceAt = &occ
	t.AttemptCount = 0
	return nil
}

func validateRequired(name, description, taskType string, payload json.RawMessage, sched *domain.Schedule) error {
	p := strings.TrimSpace(string(payload))
	if strings.TrimSpace(name) == "" || strings.TrimSpace(description) == "" || strings.TrimSpace(taskType) == "" ||
		p == "" || p == "null" || sched == nil || sched.Kind == "" {
		return domain.NewValidationError(domain.MissingFieldsMessage)
	}
	return nil
}
