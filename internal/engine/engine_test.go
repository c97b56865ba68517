package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"holotask/internal/domain"
	"holotask/internal/engine"
	"holotask/internal/store"
)

func intp(v int) *int { return &v }

var day0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		clock    *manualClock
		st       *store.FileStore
		exec     *scriptedExecutor
		notifier *recordingNotifier
		opts     engine.Options
		eng      *engine.Engine

		evMu   sync.Mutex
		events []domain.TaskEvent
	)

	listened := func() []domain.EventKind {
		evMu.Lock()
		defer evMu.Unlock()
		out := make([]domain.EventKind, 0, len(events))
		for _, ev := range events {
			out = append(out, ev.Kind)
		}
		return out
	}

	once := func(name string, at time.Time) engine.TaskSpec {
		s := domain.Once(at)
		return engine.TaskSpec{
			Name:        name,
			Description: name + " job",
			Type:        domain.TypeMonitoring,
			Payload:     json.RawMessage(`{"x":1}`),
			Schedule:    &s,
		}
	}

	get := func(id string) *domain.ScheduledTask {
		t, err := eng.GetScheduledTask(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = newClock(day0)
		st = store.NewMemoryStore()
		exec = &scriptedExecutor{}
		notifier = &recordingNotifier{}
		events = nil
		opts = engine.Options{
			Name:   "test",
			Clock:  clock.Now,
			Logger: &silent,
			Listener: func(ev domain.TaskEvent) {
				evMu.Lock()
				events = append(events, ev)
				evMu.Unlock()
			},
		}
	})

	JustBeforeEach(func() {
		eng = engine.New(st, exec, notifier, opts)
	})

	Context("creating tasks", func() {
		It("schedules a once task for its at time", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(HavePrefix("tsk_"))

			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusScheduled))
			Expect(*t.NextRunAt).To(Equal(day0.Add(time.Hour)))
			Expect(t.Priority).To(Equal(domain.PriorityMedium))
			Expect(t.MaxRetries).To(Equal(domain.DefaultMaxRetries))
			Expect(t.RetryDelaySeconds).To(Equal(domain.DefaultRetryDelaySeconds))
			Expect(t.Notifications).To(Equal(domain.DefaultNotifications()))
			Expect(t.AttemptCount).To(BeZero())
		})

		It("makes an elapsed once task due immediately", func() {
			id, err := eng.CreateScheduledTask(ctx, once("late", day0.Add(-time.Hour)))
			Expect(err).NotTo(HaveOccurred())
			Expect(*get(id).NextRunAt).To(Equal(day0))
		})

		It("rejects a request without payload", func() {
			spec := once("empty", day0.Add(time.Hour))
			spec.Payload = nil
			_, err := eng.CreateScheduledTask(ctx, spec)
			Expect(domain.IsValidation(err)).To(BeTrue())
			Expect(err.Error()).To(Equal(domain.MissingFieldsMessage))

			tasks, err := eng.GetScheduledTasks(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks).To(BeEmpty())
		})

		It("rejects an unknown priority", func() {
			spec := once("loud", day0.Add(time.Hour))
			spec.Priority = "critical"
			_, err := eng.CreateScheduledTask(ctx, spec)
			Expect(domain.IsValidation(err)).To(BeTrue())
		})

		It("rejects a negative retry count", func() {
			spec := once("neg", day0.Add(time.Hour))
			spec.MaxRetries = intp(-1)
			_, err := eng.CreateScheduledTask(ctx, spec)
			Expect(domain.IsValidation(err)).To(BeTrue())
		})

		It("rejects a recurring schedule with no future occurrence", func() {
			end := day0.AddDate(0, 0, -1)
			s := domain.Daily("09:00", day0.AddDate(0, 0, -5), &end)
			spec := once("past", day0)
			spec.Schedule = &s
			_, err := eng.CreateScheduledTask(ctx, spec)
			Expect(domain.IsValidation(err)).To(BeTrue())
		})

		It("rejects a zero duration daily task", func() {
			_, err := eng.CreateDailyTask(ctx, "d", "d", domain.TypeMonitoring, json.RawMessage(`{}`), 0, "09:00", engine.DailyOptions{})
			Expect(domain.IsValidation(err)).To(BeTrue())
		})

		It("schedules the finance summary", func() {
			id, err := eng.CreateFinanceSummaryTask(ctx, 7, "")
			Expect(err).NotTo(HaveOccurred())
			t := get(id)
			Expect(t.Type).To(Equal(domain.TypeDataExtraction))
			Expect(t.Priority).To(Equal(domain.PriorityHigh))
			Expect(t.Schedule.Kind).To(Equal(domain.ScheduleDaily))
			Expect(t.Schedule.TimeOfDay).To(Equal(engine.DefaultTimeOfDay))
			Expect(*t.NextRunAt).To(Equal(day0.Add(time.Hour)))
			Expect(t.Notifications.OnSuccess).To(BeTrue())
		})
	})

	Context("executing a once task", func() {
		It("completes after a successful run", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())

			rep := eng.Tick(ctx)
			Expect(rep.Executed).To(BeZero())

			clock.Advance(time.Hour)
			rep = eng.Tick(ctx)
			Expect(rep.Succeeded).To(Equal(1))

			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusCompleted))
			Expect(t.NextRunAt).To(BeNil())
			Expect(t.LastResult).To(MatchJSON(`{"ok":true}`))
			Expect(t.LastError).To(BeEmpty())
			Expect(*t.LastRunAt).To(Equal(day0.Add(time.Hour)))

			results, err := eng.TaskResults(ctx, id, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Outcome).To(Equal(domain.OutcomeSuccess))
			Expect(results[0].Attempt).To(Equal(1))

			Expect(listened()).To(Equal([]domain.EventKind{domain.EventSucceeded}))
			Expect(notifier.Kinds()).To(BeEmpty())

			Expect(eng.Tick(ctx).Executed).To(BeZero())
		})

		It("passes the payload to the executor", func() {
			var got json.RawMessage
			exec.fn = func(_ context.Context, t *domain.ScheduledTask) (json.RawMessage, error) {
				got = t.Payload
				return json.RawMessage(`{}`), nil
			}
			_, err := eng.CreateScheduledTask(ctx, once("payload", day0))
			Expect(err).NotTo(HaveOccurred())
			eng.Tick(ctx)
			Expect(got).To(MatchJSON(`{"x":1}`))
		})
	})

	Context("executing a daily task", func() {
		It("runs once per day and completes after the last day", func() {
			id, err := eng.CreateDailyTask(ctx, "digest", "daily digest", domain.TypeDataExtraction,
				json.RawMessage(`{"report":"digest"}`), 3, "09:00", engine.DailyOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(*get(id).NextRunAt).To(Equal(day0.Add(time.Hour)))

			for i := 0; i < 3; i++ {
				at := day0.AddDate(0, 0, i).Add(time.Hour)
				clock.Set(at)
				Expect(eng.Tick(ctx).Succeeded).To(Equal(1), "day %d", i)
				t := get(id)
				Expect(*t.LastRunAt).To(Equal(at))
				if i < 2 {
					Expect(t.Status).To(Equal(domain.StatusScheduled))
					Expect(*t.NextRunAt).To(Equal(at.AddDate(0, 0, 1)))
				}
			}

			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusCompleted))
			Expect(t.NextRunAt).To(BeNil())

			results, err := eng.TaskResults(ctx, id, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(3))
		})

		It("skips missed occurrences instead of replaying them", func() {
			id, err := eng.CreateDailyTask(ctx, "digest", "daily digest", domain.TypeDataExtraction,
				json.RawMessage(`{}`), 10, "09:00", engine.DailyOptions{})
			Expect(err).NotTo(HaveOccurred())

			clock.Set(day0.AddDate(0, 0, 3).Add(5 * time.Hour))
			Expect(eng.Tick(ctx).Succeeded).To(Equal(1))
			Expect(*get(id).NextRunAt).To(Equal(day0.AddDate(0, 0, 4).Add(time.Hour)))
			Expect(eng.Tick(ctx).Executed).To(BeZero())
		})
	})

	Context("retries", func() {
		BeforeEach(func() {
			exec.fn = func(context.Context, *domain.ScheduledTask) (json.RawMessage, error) {
				return nil, errors.New("upstream unavailable")
			}
		})

		It("fails a once task after exhausting its retries", func() {
			spec := once("flaky", day0)
			spec.MaxRetries = intp(2)
			spec.RetryDelaySeconds = intp(10)
			id, err := eng.CreateScheduledTask(ctx, spec)
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusScheduled))
			Expect(t.AttemptCount).To(Equal(1))
			Expect(*t.NextRunAt).To(Equal(day0.Add(10 * time.Second)))
			Expect(t.LastError).To(ContainSubstring("upstream unavailable"))

			Expect(eng.Tick(ctx).Executed).To(BeZero())

			clock.Advance(10 * time.Second)
			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			Expect(get(id).AttemptCount).To(Equal(2))

			clock.Advance(10 * time.Second)
			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			t = get(id)
			Expect(t.Status).To(Equal(domain.StatusFailed))
			Expect(t.NextRunAt).To(BeNil())

			results, err := eng.TaskResults(ctx, id, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(3))
			Expect([]int{results[0].Attempt, results[1].Attempt, results[2].Attempt}).To(Equal([]int{3, 2, 1}))
			Expect(results[0].ErrorKind).To(Equal("executor"))

			Expect(listened()).To(Equal([]domain.EventKind{
				domain.EventFailed, domain.EventFailed, domain.EventRetryExhausted,
			}))
			Expect(notifier.Kinds()).To(Equal(listened()))
		})

		It("advances a recurring task to its next occurrence once retries run out", func() {
			s := domain.Interval(time.Hour, day0, nil)
			spec := once("poll", day0)
			spec.Schedule = &s
			spec.MaxRetries = intp(0)
			id, err := eng.CreateScheduledTask(ctx, spec)
			Expect(err).NotTo(HaveOccurred())
			Expect(*get(id).NextRunAt).To(Equal(day0.Add(time.Hour)))

			clock.Advance(time.Hour)
			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusScheduled))
			Expect(t.AttemptCount).To(BeZero())
			Expect(*t.NextRunAt).To(Equal(day0.Add(2 * time.Hour)))
			Expect(listened()).To(Equal([]domain.EventKind{domain.EventRetryExhausted}))
		})

		It("retries a recurring occurrence without moving the schedule", func() {
			s := domain.Interval(time.Hour, day0, nil)
			spec := once("poll", day0)
			spec.Schedule = &s
			spec.MaxRetries = intp(1)
			spec.RetryDelaySeconds = intp(60)
			id, err := eng.CreateScheduledTask(ctx, spec)
			Expect(err).NotTo(HaveOccurred())

			clock.Advance(time.Hour)
			eng.Tick(ctx)
			Expect(*get(id).NextRunAt).To(Equal(day0.Add(time.Hour + time.Minute)))

			exec.fn = nil
			clock.Advance(time.Minute)
			Expect(eng.Tick(ctx).Succeeded).To(Equal(1))
			t := get(id)
			Expect(t.AttemptCount).To(BeZero())
			Expect(*t.NextRunAt).To(Equal(day0.Add(2 * time.Hour)))
		})
	})

	Context("executor failures", func() {
		It("records a timeout when the executor overruns", func() {
			opts.ExecTimeout = 20 * time.Millisecond
			exec.fn = func(ctx context.Context, _ *domain.ScheduledTask) (json.RawMessage, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			eng = engine.New(st, exec, notifier, opts)
			id, err := eng.CreateScheduledTask(ctx, once("slow", day0))
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			results, err := eng.TaskResults(ctx, id, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].ErrorKind).To(Equal("timeout"))
		})

		It("turns a panic into a failed attempt", func() {
			exec.fn = func(context.Context, *domain.ScheduledTask) (json.RawMessage, error) {
				panic("boom")
			}
			id, err := eng.CreateScheduledTask(ctx, once("panicky", day0))
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusScheduled))
			Expect(t.LastError).To(ContainSubstring("panic: boom"))
		})
	})

	Context("pause and resume", func() {
		It("holds a paused task and runs it immediately on resume", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())

			ok, err := eng.PauseTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(get(id).Status).To(Equal(domain.StatusPaused))

			ok, err = eng.PauseTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			clock.Advance(2 * time.Hour)
			Expect(eng.Tick(ctx).Executed).To(BeZero())

			ok, err = eng.ResumeTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusScheduled))
			Expect(*t.NextRunAt).To(Equal(day0.Add(2 * time.Hour)))

			Expect(eng.Tick(ctx).Succeeded).To(Equal(1))
			Expect(get(id).Status).To(Equal(domain.StatusCompleted))
		})

		It("keeps a future checkpoint across pause and resume", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.PauseTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			ok, err := eng.ResumeTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(*get(id).NextRunAt).To(Equal(day0.Add(time.Hour)))
		})

		It("reports false for unknown and non-paused tasks", func() {
			ok, err := eng.PauseTask(ctx, "tsk_missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())
			ok, err = eng.ResumeTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("cancellation", func() {
		It("is idempotent", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 2; i++ {
				ok, err := eng.CancelTask(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
			}
			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusCancelled))
			Expect(t.NextRunAt).To(BeNil())

			clock.Advance(2 * time.Hour)
			Expect(eng.Tick(ctx).Executed).To(BeZero())

			ok, err := eng.ResumeTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("reports false for an unknown id", func() {
			ok, err := eng.CancelTask(ctx, "tsk_missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("leaves a completed task completed", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0))
			Expect(err).NotTo(HaveOccurred())
			eng.Tick(ctx)

			ok, err := eng.CancelTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(get(id).Status).To(Equal(domain.StatusCompleted))
		})

		It("cancels a running task once its attempt is recorded", func() {
			started := make(chan struct{})
			release := make(chan struct{})
			exec.fn = func(context.Context, *domain.ScheduledTask) (json.RawMessage, error) {
				close(started)
				<-release
				return json.RawMessage(`{"ok":true}`), nil
			}
			s := domain.Interval(time.Minute, day0.Add(-time.Minute), nil)
			spec := once("poll", day0)
			spec.Schedule = &s
			id, err := eng.CreateScheduledTask(ctx, spec)
			Expect(err).NotTo(HaveOccurred())
			clock.Advance(time.Minute)

			done := make(chan engine.TickReport)
			go func() {
				defer GinkgoRecover()
				done <- eng.Tick(ctx)
			}()
			Eventually(started).Should(BeClosed())

			ok, err := eng.CancelTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			t := get(id)
			Expect(t.Status).To(Equal(domain.StatusRunning))
			Expect(t.CancelRequested).To(BeTrue())

			close(release)
			Eventually(done).Should(Receive())

			t = get(id)
			Expect(t.Status).To(Equal(domain.StatusCancelled))
			Expect(t.NextRunAt).To(BeNil())
			Expect(t.LastResult).To(MatchJSON(`{"ok":true}`))
		})
	})

	Context("dispatch", func() {
		It("never runs the same task twice at once", func() {
			var calls int32
			release := make(chan struct{})
			exec.fn = func(context.Context, *domain.ScheduledTask) (json.RawMessage, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return json.RawMessage(`{}`), nil
			}
			id, err := eng.CreateScheduledTask(ctx, once("single", day0))
			Expect(err).NotTo(HaveOccurred())
			other := engine.New(st, exec, notifier, opts)

			var wg sync.WaitGroup
			for _, e := range []*engine.Engine{eng, eng, other} {
				wg.Add(1)
				go func(e *engine.Engine) {
					defer GinkgoRecover()
					defer wg.Done()
					e.Tick(ctx)
				}(e)
			}
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }).Should(Equal(int32(1)))
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, "100ms").Should(Equal(int32(1)))
			close(release)
			wg.Wait()

			results, err := eng.TaskResults(ctx, id, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
		})

		It("runs due tasks by priority", func() {
			opts.Concurrency = 1
			eng = engine.New(st, exec, notifier, opts)
			for _, p := range []string{"low", "urgent", "medium", "high"} {
				spec := once(p, day0)
				spec.Priority = p
				_, err := eng.CreateScheduledTask(ctx, spec)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(eng.Tick(ctx).Succeeded).To(Equal(4))
			Expect(exec.Calls()).To(Equal([]string{"urgent", "high", "medium", "low"}))
		})

		It("caps concurrent executions", func() {
			opts.Concurrency = 2
			var inFlight, peak int32
			exec.fn = func(context.Context, *domain.ScheduledTask) (json.RawMessage, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return json.RawMessage(`{}`), nil
			}
			eng = engine.New(st, exec, notifier, opts)
			for i := 0; i < 6; i++ {
				_, err := eng.CreateScheduledTask(ctx, once("job", day0))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(eng.Tick(ctx).Succeeded).To(Equal(6))
			Expect(atomic.LoadInt32(&peak)).To(BeNumerically("<=", 2))
		})

		It("recovers a task stuck in running", func() {
			started := day0.Add(-time.Hour)
			next := started
			stuck := &domain.ScheduledTask{
				ID:                domain.NewTaskID(),
				Name:              "stuck",
				Description:       "left running by a crash",
				Type:              domain.TypeMonitoring,
				Payload:           json.RawMessage(`{}`),
				Schedule:          domain.Once(started),
				Priority:          domain.PriorityMedium,
				MaxRetries:        1,
				RetryDelaySeconds: 0,
				Notifications:     domain.DefaultNotifications(),
				Status:            domain.StatusRunning,
				NextRunAt:         &next,
				StartedAt:         &started,
				CreatedAt:         started,
				UpdatedAt:         started,
			}
			Expect(st.Put(ctx, stuck)).To(Succeed())

			rep := eng.Tick(ctx)
			Expect(rep.Recovered).To(Equal(1))
			Expect(rep.Succeeded).To(Equal(1))

			results, err := eng.TaskResults(ctx, stuck.ID, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[1].ErrorKind).To(Equal("timeout"))
			Expect(results[0].Outcome).To(Equal(domain.OutcomeSuccess))
			Expect(get(stuck.ID).Status).To(Equal(domain.StatusCompleted))
		})

		It("runs a task on demand", func() {
			id, err := eng.CreateScheduledTask(ctx, once("later", day0.Add(24*time.Hour)))
			Expect(err).NotTo(HaveOccurred())

			ok, err := eng.RunNow(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(get(id).Status).To(Equal(domain.StatusCompleted))

			ok, err = eng.RunNow(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("stuck executors", func() {
		It("keeps dispatching while another executor is stuck", func() {
			stuck := make(chan struct{})
			exec.fn = func(_ context.Context, t *domain.ScheduledTask) (json.RawMessage, error) {
				if t.Name == "stuck" {
					<-stuck
				}
				return json.RawMessage(`{}`), nil
			}
			_, err := eng.CreateScheduledTask(ctx, once("stuck", day0))
			Expect(err).NotTo(HaveOccurred())
			fastID, err := eng.CreateScheduledTask(ctx, once("fast", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())

			runCtx, stop := context.WithCancel(ctx)
			stopped := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(stopped)
				eng.Run(runCtx, 10*time.Millisecond)
			}()

			Eventually(exec.Calls).Should(ContainElement("stuck"))
			clock.Advance(time.Hour)
			Eventually(func() domain.Status { return get(fastID).Status }).Should(Equal(domain.StatusCompleted))

			close(stuck)
			stop()
			Eventually(stopped).Should(BeClosed())
		})

		It("abandons an executor that ignores its deadline", func() {
			locks := engine.NewLockSet()
			opts.Locks = locks
			opts.ExecTimeout = 20 * time.Millisecond
			eng = engine.New(st, exec, notifier, opts)
			release := make(chan struct{})
			exec.fn = func(context.Context, *domain.ScheduledTask) (json.RawMessage, error) {
				<-release
				return json.RawMessage(`{}`), nil
			}
			id, err := eng.CreateScheduledTask(ctx, once("deaf", day0))
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Tick(ctx).Failed).To(Equal(1))
			results, err := eng.TaskResults(ctx, id, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].ErrorKind).To(Equal("timeout"))
			Expect(get(id).Status).To(Equal(domain.StatusScheduled))
			Expect(locks.Held(id)).To(BeTrue())

			close(release)
			Eventually(func() bool { return locks.Held(id) }).Should(BeFalse())
		})
	})

	Context("persistence failures", func() {
		It("leaves no partial record when an outcome cannot be written", func() {
			flaky := &failingResolveStore{FileStore: st}
			flaky.failures.Store(1)
			eng = engine.New(flaky, exec, notifier, opts)
			id, err := eng.CreateScheduledTask(ctx, once("fragile", day0))
			Expect(err).NotTo(HaveOccurred())

			rep := eng.Tick(ctx)
			Expect(rep.Executed).To(BeZero())
			Expect(get(id).Status).To(Equal(domain.StatusRunning))
			results, err := eng.TaskResults(ctx, id, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())

			clock.Advance(engine.DefaultStaleAfter + time.Minute)
			Expect(eng.Tick(ctx).Recovered).To(Equal(1))
			clock.Advance(time.Duration(domain.DefaultRetryDelaySeconds) * time.Second)
			Expect(eng.Tick(ctx).Succeeded).To(Equal(1))

			results, err = eng.TaskResults(ctx, id, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
			Expect(results[0].Outcome).To(Equal(domain.OutcomeSuccess))
			Expect(results[1].ErrorKind).To(Equal("timeout"))
			Expect(get(id).Status).To(Equal(domain.StatusCompleted))
		})
	})

	Context("slow notifiers", func() {
		It("does not hold the task while delivering", func() {
			gate := newGateNotifier()
			eng = engine.New(st, exec, gate, opts)
			s := domain.Interval(time.Hour, day0, nil)
			spec := once("chatty", day0)
			spec.Schedule = &s
			spec.Notifications = &domain.Notifications{OnSuccess: true}
			id, err := eng.CreateScheduledTask(ctx, spec)
			Expect(err).NotTo(HaveOccurred())

			ticked := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(ticked)
				eng.Tick(ctx)
			}()
			Eventually(gate.entered).Should(BeClosed())

			paused := make(chan bool, 1)
			go func() {
				defer GinkgoRecover()
				ok, err := eng.PauseTask(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				paused <- ok
			}()
			Eventually(paused).Should(Receive(BeTrue()))

			close(gate.release)
			Eventually(ticked).Should(BeClosed())
		})
	})

	Context("notifications", func() {
		It("notifies on success only when asked to", func() {
			spec := once("loud", day0)
			spec.Notifications = &domain.Notifications{OnSuccess: true}
			_, err := eng.CreateScheduledTask(ctx, spec)
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.CreateScheduledTask(ctx, once("quiet", day0))
			Expect(err).NotTo(HaveOccurred())

			Expect(eng.Tick(ctx).Succeeded).To(Equal(2))
			Expect(notifier.Kinds()).To(Equal([]domain.EventKind{domain.EventSucceeded}))
			Expect(listened()).To(HaveLen(2))
		})
	})

	Context("import and status", func() {
		It("keeps the newer copy on import", func() {
			id, err := eng.CreateScheduledTask(ctx, once("health-check", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())
			older := get(id)
			older.Name = "stale copy"
			older.UpdatedAt = day0.Add(-time.Hour)

			_, err = eng.Import(ctx, older)
			Expect(err).NotTo(HaveOccurred())
			Expect(get(id).Name).To(Equal("health-check"))

			newer := get(id)
			newer.Name = "renamed"
			newer.UpdatedAt = day0.Add(time.Minute)
			_, err = eng.Import(ctx, newer)
			Expect(err).NotTo(HaveOccurred())
			Expect(get(id).Name).To(Equal("renamed"))
		})

		It("counts tasks by status", func() {
			_, err := eng.CreateScheduledTask(ctx, once("due", day0))
			Expect(err).NotTo(HaveOccurred())
			id, err := eng.CreateScheduledTask(ctx, once("held", day0.Add(time.Hour)))
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.PauseTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())

			s, err := eng.GetStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.TotalTasks).To(Equal(2))
			Expect(s.Scheduled).To(Equal(1))
			Expect(s.Paused).To(Equal(1))
			Expect(s.DueNow).To(Equal(1))
			Expect(s.LastTickAt).To(BeNil())
			Expect(s.Timezone).To(Equal("UTC"))

			eng.Tick(ctx)
			s, err = eng.GetStatus(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Completed).To(Equal(1))
			Expect(*s.LastTickAt).To(Equal(day0))
		})

		It("deletes a task and its history", func() {
			id, err := eng.CreateScheduledTask(ctx, once("gone", day0))
			Expect(err).NotTo(HaveOccurred())
			eng.Tick(ctx)

			ok, err := eng.DeleteTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			_, err = eng.GetScheduledTask(ctx, id)
			Expect(err).To(MatchError(domain.ErrNotFound))

			ok, err = eng.DeleteTask(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})

var _ = Describe("LockSet", func() {
	It("grants a lock once until released", func() {
		l := engine.NewLockSet()
		Expect(l.TryAcquire("a")).To(BeTrue())
		Expect(l.TryAcquire("a")).To(BeFalse())
		Expect(l.TryAcquire("b")).To(BeTrue())
		Expect(l.Len()).To(Equal(2))
		l.Release("a")
		Expect(l.Held("a")).To(BeFalse())
		Expect(l.TryAcquire("a")).To(BeTrue())
	})
})
