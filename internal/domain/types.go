package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPaused    Status = "paused"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPaused, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for dispatch; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ParsePriority maps an input string to a Priority. Empty input means medium.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, true
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, true
	}
	return "", false
}

// Task kinds understood by the bundled executors. The engine only routes on them.
const (
	TypeVisualAnalysis  = "visual_analysis"
	TypeWebAutomation   = "web_automation"
	TypeDataExtraction  = "data_extraction"
	TypeContentCreation = "content_creation"
	TypeMonitoring      = "monitoring"
	TypeHTTP            = "http"
	TypeShell           = "shell"
)

type Notifications struct {
	OnSuccess        bool `json:"onSuccess"`
	OnFailure        bool `json:"onFailure"`
	OnRetryExhausted bool `json:"onRetryExhausted"`
}

func DefaultNotifications() Notifications {
	return Notifications{OnFailure: true, OnRetryExhausted: true}
}

const (
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 30
)

type ScheduledTask struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Schedule          Schedule        `json:"schedule"`
	Priority          Priority        `json:"priority"`
	MaxRetries        int             `json:"maxRetries"`
	RetryDelaySeconds int             `json:"retryDelaySeconds"`
	Notifications     Notifications   `json:"notifications"`
	Status            Status          `json:"status"`
	AttemptCount      int             `json:"attemptCount"`
	NextRunAt         *time.Time      `json:"nextRunAt"`
	// OccurrenceAt is the natural schedule time of the occurrence being
	// attempted. Retries move NextRunAt but leave OccurrenceAt alone.
	OccurrenceAt    *time.Time      `json:"occurrenceAt,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	LastRunAt       *time.Time      `json:"lastRunAt"`
	LastResult      json.RawMessage `json:"lastResult"`
	LastError       string          `json:"lastError,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func NewTaskID() string { return "tsk_" + uuid.NewString() }

// Clone returns a deep copy so stores never share memory with callers.
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneRaw(t.Payload)
	c.LastResult = cloneRaw(t.LastResult)
	c.Schedule = t.Schedule.Clone()
	c.NextRunAt = cloneTime(t.NextRunAt)
	c.OccurrenceAt = cloneTime(t.OccurrenceAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.LastRunAt = cloneTime(t.LastRunAt)
	return &c
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TaskResult is one attempt of one occurrence. Results are append-only.
type TaskResult struct {
	ID                  string          `json:"id"`
	TaskID              string          `json:"taskId"`
	Attempt             int             `json:"attempt"`
	OccurrenceStartedAt time.Time       `json:"occurrenceStartedAt"`
	OccurrenceEndedAt   time.Time       `json:"occurrenceEndedAt"`
	Outcome             Outcome         `json:"outcome"`
	PayloadResult       json.RawMessage `json:"payloadResult,omitempty"`
	ErrorDetail         string          `json:"errorDetail,omitempty"`
	ErrorKind           string          `json:"errorKind,omitempty"`
}

func NewResultID() string { return "run_" + uuid.NewString() }

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
