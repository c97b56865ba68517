package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"holotask/internal/domain"
	"holotask/internal/scheduler"
	"holotask/internal/store"
)

// TickReport summarises one dispatch cycle. Executed, Succeeded and Failed
// are only filled in by Tick, which waits for its attempts.
type TickReport struct {
	At         time.Time
	Due        int
	Dispatched int
	Executed   int
	Succeeded  int
	Failed     int
	Skipped    int
	// Deferred counts due tasks left for a later cycle because every
	// execution slot was busy.
	Deferred  int
	Recovered int
}

type attemptResult int

const (
	attemptSkipped attemptResult = iota
	attemptSucceeded
	attemptFailed
)

// Tick runs one dispatch cycle: recover stale running tasks, then execute
// every due task (highest priority, then earliest due first) with at most
// Concurrency attempts in flight across the engine. It waits for a free
// slot when all are busy and returns once the attempts it started resolved.
//
// Every driver may call Tick; it is safe to call concurrently.
func (e *Engine) Tick(ctx context.Context) TickReport {
	return e.cycle(ctx, true)
}

// Dispatch is the non-blocking form of Tick used by the polling loops. It
// hands due tasks to free execution slots and returns right away. Tasks
// that find no free slot stay due for the next cycle.
func (e *Engine) Dispatch(ctx context.Context) TickReport {
	return e.cycle(ctx, false)
}

func (e *Engine) cycle(ctx context.Context, wait bool) TickReport {
	now := e.now()
	rep := TickReport{At: now}
	e.mu.Lock()
	e.lastTick = &now
	e.mu.Unlock()

	rep.Recovered = e.recoverStale(ctx, now)

	due, err := e.store.List(ctx, store.Filter{DueBefore: &now})
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list due tasks")
		return rep
	}
	sortDue(due)
	rep.Due = len(due)

	var (
		g     errgroup.Group
		mu    sync.Mutex
		tally TickReport
	)
	for i, t := range due {
		if ctx.Err() != nil {
			break
		}
		id := t.ID
		if !e.locks.TryAcquire(id) {
			e.log.Debug().Str("task_id", id).Msg("task already running, skipping")
			rep.Skipped++
			continue
		}
		if !e.takeSlot(ctx, wait) {
			e.locks.Release(id)
			rep.Deferred = len(due) - i
			break
		}
		rep.Dispatched++
		e.inflight.Add(1)
		g.Go(func() error {
			defer e.inflight.Done()
			res := e.attempt(ctx, id, e.releaser(id))
			if !wait {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case attemptSucceeded:
				tally.Executed++
				tally.Succeeded++
			case attemptFailed:
				tally.Executed++
				tally.Failed++
			default:
				tally.Skipped++
			}
			return nil
		})
	}
	if wait {
		_ = g.Wait()
		rep.Executed = tally.Executed
		rep.Succeeded = tally.Succeeded
		rep.Failed = tally.Failed
		rep.Skipped += tally.Skipped
	}

	if rep.Due > 0 || rep.Recovered > 0 {
		e.log.Debug().
			Int("due", rep.Due).
			Int("dispatched", rep.Dispatched).
			Int("executed", rep.Executed).
			Int("failed", rep.Failed).
			Int("skipped", rep.Skipped).
			Int("deferred", rep.Deferred).
			Int("recovered", rep.Recovered).
			Msg("tick")
	}
	return rep
}

func (e *Engine) takeSlot(ctx context.Context, wait bool) bool {
	if !wait {
		return e.slots.TryAcquire(1)
	}
	return e.slots.Acquire(ctx, 1) == nil
}

// releaser frees the execution slot and the lock of id exactly once.
func (e *Engine) releaser(id string) func() {
	return sync.OnceFunc(func() {
		e.slots.Release(1)
		e.locks.Release(id)
	})
}

// RunNow makes a scheduled task due immediately and executes it in the
// caller's goroutine. It reports false when the task is unknown, not
// scheduled, or already running.
func (e *Engine) RunNow(ctx context.Context, id string) (bool, error) {
	ok, err := e.transition(ctx, id, "run_now", func(t *domain.ScheduledTask, now time.Time) bool {
		if t.Status != domain.StatusScheduled {
			return false
		}
		t.NextRunAt = &now
		return true
	})
	if err != nil || !ok {
		return false, err
	}
	if !e.locks.TryAcquire(id) {
		return false, nil
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		e.locks.Release(id)
		return false, err
	}
	e.inflight.Add(1)
	defer e.inflight.Done()
	return e.attempt(ctx, id, e.releaser(id)) != attemptSkipped, nil
}

// Run dispatches every interval until ctx is done, then waits for the
// attempts in flight to be recorded.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", interval).Msg("dispatch loop started")
	e.Dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			e.Wait()
			e.log.Info().Msg("dispatch loop stopped")
			return
		case <-ticker.C:
			e.Dispatch(ctx)
		}
	}
}

// Wait blocks until every attempt started so far has been recorded.
// Executors abandoned at their deadline are not waited for.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func sortDue(tasks []*domain.ScheduledTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		return a.NextRunAt.Before(*b.NextRunAt)
	})
}

// attempt claims, executes and resolves one task. The caller holds the
// execution lock and a slot for id; release frees both once the executor
// call has ended.
func (e *Engine) attempt(ctx context.Context, id string, release func()) attemptResult {
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	e.state.lock(id)
	claimed, err := e.store.Claim(ctx, id, e.now())
	e.state.unlock(id)
	if err != nil {
		e.log.Error().Err(&domain.PersistenceError{Op: "claim", Err: err}).Str("task_id", id).Msg("failed to claim task")
		return attemptSkipped
	}
	if !claimed {
		return attemptSkipped
	}
	t, err := e.store.Get(ctx, id)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Msg("failed to load claimed task")
		return attemptSkipped
	}

	started := e.now()
	e.log.Info().Str("task_id", id).Str("type", t.Type).Int("attempt", t.AttemptCount+1).Msg("executing task")
	handedOff = true
	out, execErr := e.execute(ctx, t, release)
	ended := e.now()

	// The outcome is recorded even when ctx was cancelled mid-attempt.
	if !e.resolve(context.WithoutCancel(ctx), id, started, ended, out, execErr) {
		return attemptSkipped
	}
	if execErr != nil {
		return attemptFailed
	}
	return attemptSucceeded
}

type execOutcome struct {
	out json.RawMessage
	err error
}

// execute calls the executor under ExecTimeout. Panics and errors come back
// as ExecutorError, an overrun deadline as TimeoutError. An executor that
// ignores its context is abandoned at the deadline; release runs only when
// the call finally returns, so the task stays locked until then.
func (e *Engine) execute(ctx context.Context, t *domain.ScheduledTask, release func()) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.opt.ExecTimeout)
	done := make(chan execOutcome, 1)
	go func() {
		defer release()
		defer cancel()
		var o execOutcome
		defer func() {
			if r := recover(); r != nil {
				o = execOutcome{err: &domain.ExecutorError{TaskType: t.Type, Err: fmt.Errorf("panic: %v", r)}}
			}
			done <- o
		}()
		o.out, o.err = e.exec.Execute(execCtx, t)
	}()

	var o execOutcome
	select {
	case o = <-done:
	case <-execCtx.Done():
		select {
		case o = <-done:
		default:
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				e.log.Warn().Str("task_id", t.ID).Dur("timeout", e.opt.ExecTimeout).Msg("executor overran its deadline, attempt abandoned")
				return nil, &domain.TimeoutError{After: e.opt.ExecTimeout}
			}
			return nil, &domain.ExecutorError{TaskType: t.Type, Err: execCtx.Err()}
		}
	}

	if o.err == nil {
		return o.out, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, &domain.TimeoutError{After: e.opt.ExecTimeout}
	}
	var (
		te *domain.TimeoutError
		ee *domain.ExecutorError
	)
	if errors.As(o.err, &te) || errors.As(o.err, &ee) {
		return nil, o.err
	}
	return nil, &domain.ExecutorError{TaskType: t.Type, Err: o.err}
}

// resolve records the attempt, applies the retry policy and then notifies.
// It reports false when the cycle had to be abandoned; the task then keeps
// its last durable state and stale recovery picks it up.
func (e *Engine) resolve(ctx context.Context, id string, started, ended time.Time, out json.RawMessage, execErr error) bool {
	ev, ok := e.settle(ctx, id, started, ended, out, execErr)
	if ok {
		e.emit(ctx, ev)
	}
	return ok
}

// settle applies the outcome under the task's state lock and persists the
// task together with its result.
func (e *Engine) settle(ctx context.Context, id string, started, ended time.Time, out json.RawMessage, execErr error) (domain.TaskEvent, bool) {
	e.state.lock(id)
	defer e.state.unlock(id)

	t, err := e.store.Get(ctx, id)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Msg("failed to reload task after execution")
		return domain.TaskEvent{}, false
	}
	if t.Status != domain.StatusRunning {
		e.log.Warn().Str("task_id", id).Str("status", string(t.Status)).Msg("task left running state during execution")
		return domain.TaskEvent{}, false
	}

	res := domain.TaskResult{
		ID:                  domain.NewResultID(),
		TaskID:              id,
		Attempt:             t.AttemptCount + 1,
		OccurrenceStartedAt: started,
		OccurrenceEndedAt:   ended,
	}
	var kind domain.EventKind
	if execErr == nil {
		res.Outcome = domain.OutcomeSuccess
		res.PayloadResult = out
		kind = domain.EventSucceeded

		t.AttemptCount = 0
		t.LastResult = out
		t.LastError = ""
		e.advance(t, ended)
	} else {
		res.Outcome = domain.OutcomeFailure
		res.ErrorDetail = execErr.Error()
		res.ErrorKind = domain.ErrorKind(execErr)
		t.LastError = res.ErrorDetail

		t.AttemptCount++
		if t.AttemptCount <= t.MaxRetries {
			kind = domain.EventFailed
			retryAt := ended.Add(time.Duration(t.RetryDelaySeconds) * time.Second)
			t.Status = domain.StatusScheduled
			t.NextRunAt = &retryAt
		} else {
			kind = domain.EventRetryExhausted
			if t.Schedule.Recurring() {
				t.AttemptCount = 0
				e.advance(t, ended)
			} else {
				t.Status = domain.StatusFailed
				t.NextRunAt = nil
			}
		}
	}
	t.LastRunAt = &ended
	t.StartedAt = nil
	if t.CancelRequested {
		t.CancelRequested = false
		t.Status = domain.StatusCancelled
		t.NextRunAt = nil
	}
	t.UpdatedAt = ended

	if err := e.store.Resolve(ctx, t, res); err != nil {
		e.log.Error().Err(&domain.PersistenceError{Op: "resolve", Err: err}).Str("task_id", id).Msg("failed to record attempt")
		return domain.TaskEvent{}, false
	}

	ev := e.log.Info()
	if execErr != nil {
		ev = e.log.Warn().Err(execErr)
	}
	ev = ev.Str("task_id", id).Int("attempt", res.Attempt).Str("status", string(t.Status))
	if t.NextRunAt != nil {
		ev = ev.Time("next_run", *t.NextRunAt)
	}
	ev.Msg("task attempt resolved")

	return domain.TaskEvent{Kind: kind, Task: *t, Result: res}, true
}

// advance moves t to the next natural occurrence strictly after both the
// current occurrence and ref, or completes it when there is none. Missed
// occurrences in between are skipped.
func (e *Engine) advance(t *domain.ScheduledTask, ref time.Time) {
	after := ref
	if t.OccurrenceAt != nil && t.OccurrenceAt.After(after) {
		after = *t.OccurrenceAt
	}
	next, ok := scheduler.NextAfter(t.Schedule, after, e.opt.Location)
	if !ok {
		t.Status = domain.StatusCompleted
		t.NextRunAt = nil
		t.OccurrenceAt = nil
		return
	}
	t.Status = domain.StatusScheduled
	t.NextRunAt = &next
	occ := next
	t.OccurrenceAt = &occ
}

// recoverStale fails running tasks whose attempt outlived StaleAfter and
// whose execution lock nobody in this process holds, e.g. after a crash.
func (e *Engine) recoverStale(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-e.opt.StaleAfter)
	stale, err := e.store.List(ctx, store.Filter{StartedBefore: &cutoff})
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list stale tasks")
		return 0
	}
	n := 0
	for _, t := range stale {
		if !e.locks.TryAcquire(t.ID) {
			continue
		}
		started := now
		if t.StartedAt != nil {
			started = *t.StartedAt
		}
		e.log.Warn().Str("task_id", t.ID).Time("started_at", started).Msg("recovering stale running task")
		if e.resolve(ctx, t.ID, started, now, nil, &domain.TimeoutError{After: e.opt.StaleAfter}) {
			n++
		}
		e.locks.Release(t.ID)
	}
	return n
}

func (e *Engine) emit(ctx context.Context, ev domain.TaskEvent) {
	if e.opt.Listener != nil {
		e.opt.Listener(ev)
	}
	if e.notifier != nil && ev.Task.Notifications.Wanted(ev.Kind) {
		e.notifier.Notify(ctx, ev)
	}
}
