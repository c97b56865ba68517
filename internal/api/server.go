package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"holotask/internal/domain"
	"holotask/internal/engine"
)

// Scheduler is the engine surface the HTTP API drives.
type Scheduler interface {
	StatusSource
	CreateScheduledTask(ctx context.Context, spec engine.TaskSpec) (string, error)
	CreateDailyTask(ctx context.Context, name, description, taskType string, payload json.RawMessage, durationDays int, timeOfDay string, opts engine.DailyOptions) (string, error)
	PauseTask(ctx context.Context, id string) (bool, error)
	ResumeTask(ctx context.Context, id string) (bool, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	GetScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error)
	GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error)
	TaskResults(ctx context.Context, id string, limit int) ([]domain.TaskResult, error)
}

// StatusSource reports engine counters for /metrics.
type StatusSource interface {
	GetStatus(ctx context.Context) (engine.Status, error)
}

const (
	msgTaskIDRequired = "Task ID is required"
	msgInvalidAction  = "Invalid action"
	msgTaskNotFound   = "Task not found"
	msgInvalidBody    = "Invalid request body"
	msgInternal       = "Internal server error"

	defaultResultsLimit = 50
)

type Options struct {
	// Debug mounts the pprof handlers under /debug/pprof.
	Debug bool
	// Extra engines reported by /metrics next to the main one.
	Extra  []StatusSource
	Logger *zerolog.Logger
}

type Server struct {
	r     *chi.Mux
	sched Scheduler
	extra []StatusSource
	log   zerolog.Logger
}

func NewServer(sched Scheduler, opt Options) http.Handler {
	lg := log.Logger
	if opt.Logger != nil {
		lg = *opt.Logger
	}
	r := chi.NewRouter()
	s := &Server{r: r, sched: sched, extra: opt.Extra, log: lg.With().Str("component", "api").Logger()}

	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/task-scheduler", s.get)
	r.Post("/api/task-scheduler", s.post)
	r.Put("/api/task-scheduler", s.put)
	r.Delete("/api/task-scheduler", s.delete)

	if opt.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "holotask_up 1")
	for _, src := range append([]StatusSource{s.sched}, s.extra...) {
		st, err := src.GetStatus(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("metrics: status unavailable")
			continue
		}
		for _, c := range []struct {
			status string
			n      int
		}{
			{"scheduled", st.Scheduled},
			{"paused", st.Paused},
			{"running", st.Running},
			{"completed", st.Completed},
			{"failed", st.Failed},
			{"cancelled", st.Cancelled},
		} {
			fmt.Fprintf(w, "holotask_tasks{engine=%q,status=%q} %d\n", st.Engine, c.status, c.n)
		}
		fmt.Fprintf(w, "holotask_tasks_due{engine=%q} %d\n", st.Engine, st.DueNow)
		fmt.Fprintf(w, "holotask_executions_in_flight{engine=%q} %d\n", st.Engine, st.RunningCount)
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type taskIDData struct {
	TaskID string `json:"taskId"`
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()
	switch q.Get("action") {
	case "tasks":
		tasks, err := s.sched.GetScheduledTasks(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ok(w, tasks)
	case "status":
		st, err := s.sched.GetStatus(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ok(w, st)
	case "task":
		id := q.Get("taskId")
		if id == "" {
			badRequest(w, msgTaskIDRequired)
			return
		}
		t, err := s.sched.GetScheduledTask(ctx, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ok(w, t)
	case "results":
		id := q.Get("taskId")
		if id == "" {
			badRequest(w, msgTaskIDRequired)
			return
		}
		limit := defaultResultsLimit
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				badRequest(w, "limit must be a positive integer")
				return
			}
			limit = n
		}
		res, err := s.sched.TaskResults(ctx, id, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ok(w, res)
	default:
		badRequest(w, msgInvalidAction)
	}
}

type createReq struct {
	Action        string                `json:"action"`
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	Type          string                `json:"type"`
	Payload       json.RawMessage       `json:"payload"`
	Schedule      *domain.Schedule      `json:"schedule"`
	Priority      string                `json:"priority"`
	MaxRetries    *int                  `json:"maxRetries"`
	RetryDelay    *int                  `json:"retryDelay"`
	Notifications *domain.Notifications `json:"notifications"`
	Duration      *int                  `json:"duration"`
	TimeOfDay     string                `json:"timeOfDay"`
}

func (s *Server) post(w http.ResponseWriter, r *http.Request) {
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, msgInvalidBody)
		return
	}
	var (
		id  string
		err error
	)
	switch req.Action {
	case "create":
		id, err = s.sched.CreateScheduledTask(r.Context(), engine.TaskSpec{
			Name:              req.Name,
			Description:       req.Description,
			Type:              req.Type,
			Payload:           req.Payload,
			Schedule:          req.Schedule,
			Priority:          req.Priority,
			MaxRetries:        req.MaxRetries,
			RetryDelaySeconds: req.RetryDelay,
			Notifications:     req.Notifications,
		})
	case "createDaily":
		if req.Duration == nil {
			badRequest(w, domain.MissingFieldsMessage)
			return
		}
		id, err = s.sched.CreateDailyTask(r.Context(), req.Name, req.Description, req.Type, req.Payload,
			*req.Duration, req.TimeOfDay, engine.DailyOptions{
				Priority:          req.Priority,
				MaxRetries:        req.MaxRetries,
				RetryDelaySeconds: req.RetryDelay,
				Notifications:     req.Notifications,
			})
	default:
		badRequest(w, msgInvalidAction)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, taskIDData{TaskID: id})
}

type updateReq struct {
	Action string `json:"action"`
	TaskID string `json:"taskId"`
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	var req updateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, msgInvalidBody)
		return
	}
	if req.TaskID == "" {
		badRequest(w, msgTaskIDRequired)
		return
	}
	var op func(context.Context, string) (bool, error)
	switch req.Action {
	case "pause":
		op = s.sched.PauseTask
	case "resume":
		op = s.sched.ResumeTask
	case "cancel":
		op = s.sched.CancelTask
	default:
		badRequest(w, msgInvalidAction)
		return
	}
	s.update(w, r, req.TaskID, op)
}

// delete cancels the task; it does not remove it.
func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("taskId")
	if id == "" {
		badRequest(w, msgTaskIDRequired)
		return
	}
	s.update(w, r, id, s.sched.CancelTask)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, id string, op func(context.Context, string) (bool, error)) {
	done, err := op(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: done, Data: taskIDData{TaskID: id}})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		badRequest(w, ve.Msg)
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Error: msgTaskNotFound})
	default:
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, envelope{Error: msgInternal})
	}
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, envelope{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
