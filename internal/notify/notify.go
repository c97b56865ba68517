// Package notify delivers task attempt outcomes to people and systems.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"holotask/internal/domain"
)

// Notifier matches the engine's notifier contract.
type Notifier interface {
	Notify(ctx context.Context, ev domain.TaskEvent)
}

// Log writes every event to a zerolog logger.
type Log struct {
	Logger *zerolog.Logger
}

func (l Log) Notify(_ context.Context, ev domain.TaskEvent) {
	lg := log.Logger
	if l.Logger != nil {
		lg = *l.Logger
	}
	e := lg.Info()
	if ev.Kind != domain.EventSucceeded {
		e = lg.Warn().Str("error", ev.Result.ErrorDetail)
	}
	e.Str("event", string(ev.Kind)).
		Str("task_id", ev.Task.ID).
		Str("name", ev.Task.Name).
		Int("attempt", ev.Result.Attempt).
		Str("status", string(ev.Task.Status)).
		Msg("task notification")
}

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev domain.TaskEvent) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

const (
	DefaultWebhookTimeout = 5 * time.Second
	DefaultWebhookRate    = 2
)

// WebhookMessage is the JSON body posted by Webhook.
type WebhookMessage struct {
	Event       domain.EventKind `json:"event"`
	TaskID      string           `json:"taskId"`
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	Status      domain.Status    `json:"status"`
	Attempt     int              `json:"attempt"`
	Error       string           `json:"error,omitempty"`
	Result      json.RawMessage  `json:"result,omitempty"`
	NextRunAt   *time.Time       `json:"nextRunAt,omitempty"`
	CompletedAt time.Time        `json:"completedAt"`
}

// Webhook posts events to a URL. Deliveries above the rate limit are
// dropped, not queued.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

type WebhookOptions struct {
	Timeout time.Duration
	// RatePerSec is the sustained delivery rate; bursts up to the same value.
	RatePerSec int
	Client     *http.Client
	Logger     *zerolog.Logger
}

func NewWebhook(url string, opt WebhookOptions) *Webhook {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultWebhookTimeout
	}
	if opt.RatePerSec <= 0 {
		opt.RatePerSec = DefaultWebhookRate
	}
	client := opt.Client
	if client == nil {
		client = &http.Client{Timeout: opt.Timeout}
	}
	lg := log.Logger
	if opt.Logger != nil {
		lg = *opt.Logger
	}
	return &Webhook{
		url:     url,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.RatePerSec),
		log:     lg.With().Str("component", "webhook").Logger(),
	}
}

func (w *Webhook) Notify(ctx context.Context, ev domain.TaskEvent) {
	if !w.limiter.Allow() {
		w.log.Warn().Str("task_id", ev.Task.ID).Str("event", string(ev.Kind)).Msg("notification dropped by rate limit")
		return
	}
	if err := w.send(ctx, ev); err != nil {
		w.log.Error().Err(err).Str("task_id", ev.Task.ID).Msg("webhook delivery failed")
	}
}

func (w *Webhook) send(ctx context.Context, ev domain.TaskEvent) error {
	body, err := json.Marshal(WebhookMessage{
		Event:       ev.Kind,
		TaskID:      ev.Task.ID,
		Name:        ev.Task.Name,
		Type:        ev.Task.Type,
		Status:      ev.Task.Status,
		Attempt:     ev.Result.Attempt,
		Error:       ev.Result.ErrorDetail,
		Result:      ev.Result.PayloadResult,
		NextRunAt:   ev.Task.NextRunAt,
		CompletedAt: ev.Result.OccurrenceEndedAt,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
