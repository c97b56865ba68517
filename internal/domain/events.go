package domain

type EventKind string

const (
	// EventSucceeded fires after every successful attempt.
	EventSucceeded EventKind = "succeeded"
	// EventFailed fires after a failed attempt that will be retried.
	EventFailed EventKind = "failed"
	// EventRetryExhausted fires when an occurrence used up all its retries.
	EventRetryExhausted EventKind = "retry_exhausted"
)

// TaskEvent describes the resolution of one attempt.
type TaskEvent struct {
	Kind   EventKind     `json:"kind"`
	Task   ScheduledTask `json:"task"`
	Result TaskResult    `json:"result"`
}

// Wanted reports whether n asks to be told about an event of kind k.
func (n Notifications) Wanted(k EventKind) bool {
	switch k {
	case EventSucceeded:
		return n.OnSuccess
	case EventFailed:
		return n.OnFailure
	case EventRetryExhausted:
		return n.OnRetryExhausted || n.OnFailure
	}
	return false
}
