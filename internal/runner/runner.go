package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"holotask/internal/domain"
	"holotask/internal/engine"
	"holotask/internal/store"
)

const (
	DefaultWakeInterval   = time.Minute
	DefaultResultsInState = 20
)

type Options struct {
	// WakeInterval is how often the runner wakes on its own.
	WakeInterval time.Duration
	// ResultsInState caps the results per task returned by LoadState.
	ResultsInState int
	Logger         *zerolog.Logger
}

// Runner is the background execution context. It owns its own store and
// engine, wakes periodically, and talks to foreground contexts only through
// messages.
type Runner struct {
	engine *engine.Engine
	opt    Options
	log    zerolog.Logger

	inbox chan request
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	stopped bool

	subMu   sync.RWMutex
	clients map[uint64]*Client
	seq     atomic.Uint64
}

type request struct {
	msg   Message
	reply chan Message
}

// New builds a runner over st. eopt.Locks should be the lock set shared
// with every other engine in the process.
func New(st store.Store, exec engine.Executor, notifier engine.Notifier, eopt engine.Options, opt Options) *Runner {
	if opt.WakeInterval <= 0 {
		opt.WakeInterval = DefaultWakeInterval
	}
	if opt.ResultsInState <= 0 {
		opt.ResultsInState = DefaultResultsInState
	}
	base := log.Logger
	if opt.Logger != nil {
		base = *opt.Logger
	}
	r := &Runner{
		opt:     opt,
		log:     base.With().Str("component", "runner").Logger(),
		inbox:   make(chan request),
		done:    make(chan struct{}),
		clients: make(map[uint64]*Client),
	}
	if eopt.Name == "" {
		eopt.Name = "background"
	}
	if eopt.Logger == nil {
		eopt.Logger = opt.Logger
	}
	prev := eopt.Listener
	eopt.Listener = func(ev domain.TaskEvent) {
		if prev != nil {
			prev(ev)
		}
		r.broadcast(ev)
	}
	r.engine = engine.New(st, exec, notifier, eopt)
	return r
}

func (r *Runner) Engine() *engine.Engine { return r.engine }

// Start launches the message loop, catches up once and then hands over to
// the wake schedule. The catch-up recovers tasks left running by a previous
// process and runs whatever came due while none was running; it completes
// before Start returns.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return errors.New("runner already started")
	}

	c := cron.New(
		cron.WithLocation(r.engine.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	spec := fmt.Sprintf("@every %s", r.opt.WakeInterval)
	if _, err := c.AddFunc(spec, func() { r.engine.Dispatch(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}

	r.wg.Add(1)
	go r.serve(ctx)

	rep := r.Wake(ctx)
	c.Start()
	r.cron = c
	r.running = true

	r.log.Info().
		Dur("wake_interval", r.opt.WakeInterval).
		Int("caught_up", rep.Executed).
		Int("recovered", rep.Recovered).
		Msg("runner started")
	return nil
}

// Stop halts the wake schedule, waits for in-flight requests and for the
// attempts already dispatched to be recorded.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	c := r.cron
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	close(r.done)
	r.wg.Wait()
	r.engine.Wait()

	r.subMu.Lock()
	for id, cl := range r.clients {
		delete(r.clients, id)
		cl.closeEvents()
	}
	r.subMu.Unlock()
	r.log.Info().Msg("runner stopped")
}

// Wake runs one dispatch cycle on the runner's engine and waits for it.
func (r *Runner) Wake(ctx context.Context) engine.TickReport {
	return r.engine.Tick(ctx)
}

func (r *Runner) serve(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case req := <-r.inbox:
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				req.reply <- r.handle(ctx, req.msg)
			}()
		}
	}
}

func (r *Runner) handle(ctx context.Context, msg Message) Message {
	switch m := msg.(type) {
	case ExecuteTask:
		id := m.TaskID
		if m.Task != nil {
			imported, err := r.engine.Import(ctx, m.Task)
			if err != nil {
				return errorResponse(err)
			}
			id = imported
		}
		if id == "" {
			return ErrorResponse{Error: "Task ID is required"}
		}
		if _, err := r.engine.GetScheduledTask(ctx, id); err != nil {
			return errorResponse(err)
		}
		ok, err := r.engine.RunNow(ctx, id)
		if err != nil {
			return errorResponse(err)
		}
		return Ack{TaskID: id, OK: ok}

	case ScheduleTask:
		id, err := r.engine.Import(ctx, m.Task)
		if err != nil {
			return errorResponse(err)
		}
		ok := true
		if m.RunAt != nil {
			if ok, err = r.engine.Reschedule(ctx, id, *m.RunAt); err != nil {
				return errorResponse(err)
			}
		}
		return Ack{TaskID: id, OK: ok}

	case GetStatus:
		st, err := r.engine.GetStatus(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return StatusResponse{Status: st}

	case GetTasks:
		tasks, err := r.engine.GetScheduledTasks(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return TasksResponse{Tasks: tasks}

	case PersistState:
		n := 0
		for _, t := range m.Tasks {
			if _, err := r.engine.Import(ctx, t); err != nil {
				r.log.Warn().Err(err).Msg("skipping task in persisted state")
				continue
			}
			n++
		}
		return Ack{OK: n == len(m.Tasks), Count: n}

	case LoadState:
		tasks, err := r.engine.GetScheduledTasks(ctx)
		if err != nil {
			return errorResponse(err)
		}
		results := make(map[string][]domain.TaskResult, len(tasks))
		for _, t := range tasks {
			res, err := r.engine.TaskResults(ctx, t.ID, r.opt.ResultsInState)
			if err != nil {
				return errorResponse(err)
			}
			if len(res) > 0 {
				results[t.ID] = res
			}
		}
		return StateResponse{Tasks: tasks, Results: results}

	case DeleteTask:
		ok, err := r.engine.DeleteTask(ctx, m.TaskID)
		if err != nil {
			return errorResponse(err)
		}
		return Ack{TaskID: m.TaskID, OK: ok}
	}
	return ErrorResponse{Error: fmt.Sprintf("unsupported message %s", msg.Kind())}
}

func errorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: err.Error()}
}

// broadcast fans an attempt outcome out to every client without blocking.
// A client whose buffer is full misses the event.
func (r *Runner) broadcast(ev domain.TaskEvent) {
	var msg Message
	if ev.Kind == domain.EventSucceeded {
		msg = TaskCompleted{Task: ev.Task, Result: ev.Result}
	} else {
		msg = TaskFailed{Task: ev.Task, Result: ev.Result, Exhausted: ev.Kind == domain.EventRetryExhausted}
	}

	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, cl := range r.clients {
		select {
		case cl.events <- msg:
		default:
			r.log.Debug().Uint64("client", cl.id).Str("task_id", ev.Task.ID).Msg("client too slow, event dropped")
		}
	}
}

// cronLogger routes cron's own messages to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
