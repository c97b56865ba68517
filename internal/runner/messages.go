package runner

import (
	"encoding/json"
	"fmt"
	"time"

	"holotask/internal/domain"
	"holotask/internal/engine"
)

// Kind is the wire tag of a message.
type Kind string

const (
	KindExecuteTask  Kind = "EXECUTE_TASK"
	KindScheduleTask Kind = "SCHEDULE_TASK"
	KindGetStatus    Kind = "GET_STATUS"
	KindGetTasks     Kind = "GET_TASKS"
	KindPersistState Kind = "PERSIST_STATE"
	KindLoadState    Kind = "LOAD_STATE"
	KindDeleteTask   Kind = "DELETE_TASK"

	KindStatus Kind = "STATUS_RESPONSE"
	KindTasks  Kind = "TASKS_RESPONSE"
	KindState  Kind = "STATE_RESPONSE"
	KindAck    Kind = "ACK"
	KindError  Kind = "ERROR"

	KindTaskCompleted Kind = "TASK_COMPLETED"
	KindTaskFailed    Kind = "TASK_FAILED"
)

// Message is implemented only by the types in this file.
type Message interface {
	Kind() Kind
	message()
}

// ExecuteTask runs a task now. Task, when set, is stored first if the
// runner does not know it yet; otherwise TaskID names a stored task.
type ExecuteTask struct {
	TaskID string                `json:"taskId,omitempty"`
	Task   *domain.ScheduledTask `json:"task,omitempty"`
}

// ScheduleTask stores a task for a later wake, optionally at RunAt instead
// of its computed next run.
type ScheduleTask struct {
	Task  *domain.ScheduledTask `json:"task"`
	RunAt *time.Time            `json:"runAt,omitempty"`
}

type GetStatus struct{}

type GetTasks struct{}

// PersistState hands foreground tasks to the runner store. For ids the
// runner already holds the copy with the newer UpdatedAt wins.
type PersistState struct {
	Tasks []*domain.ScheduledTask `json:"tasks"`
}

type LoadState struct{}

type DeleteTask struct {
	TaskID string `json:"taskId"`
}

type StatusResponse struct {
	Status engine.Status `json:"status"`
}

type TasksResponse struct {
	Tasks []*domain.ScheduledTask `json:"tasks"`
}

// StateResponse carries every task and its latest results keyed by task id.
type StateResponse struct {
	Tasks   []*domain.ScheduledTask        `json:"tasks"`
	Results map[string][]domain.TaskResult `json:"results"`
}

type Ack struct {
	TaskID string `json:"taskId,omitempty"`
	OK     bool   `json:"ok"`
	Count  int    `json:"count,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type TaskCompleted struct {
	Task   domain.ScheduledTask `json:"task"`
	Result domain.TaskResult    `json:"result"`
}

type TaskFailed struct {
	Task      domain.ScheduledTask `json:"task"`
	Result    domain.TaskResult    `json:"result"`
	Exhausted bool                 `json:"exhausted"`
}

func (ExecuteTask) Kind() Kind    { return KindExecuteTask }
func (ScheduleTask) Kind() Kind   { return KindScheduleTask }
func (GetStatus) Kind() Kind      { return KindGetStatus }
func (GetTasks) Kind() Kind       { return KindGetTasks }
func (PersistState) Kind() Kind   { return KindPersistState }
func (LoadState) Kind() Kind      { return KindLoadState }
func (DeleteTask) Kind() Kind     { return KindDeleteTask }
func (StatusResponse) Kind() Kind { return KindStatus }
func (TasksResponse) Kind() Kind  { return KindTasks }
func (StateResponse) Kind() Kind  { return KindState }
func (Ack) Kind() Kind            { return KindAck }
func (ErrorResponse) Kind() Kind  { return KindError }
func (TaskCompleted) Kind() Kind  { return KindTaskCompleted }
func (TaskFailed) Kind() Kind     { return KindTaskFailed }

func (ExecuteTask) message()    {}
func (ScheduleTask) message()   {}
func (GetStatus) message()      {}
func (GetTasks) message()       {}
func (PersistState) message()   {}
func (LoadState) message()      {}
func (DeleteTask) message()     {}
func (StatusResponse) message() {}
func (TasksResponse) message()  {}
func (StateResponse) message()  {}
func (Ack) message()            {}
func (ErrorResponse) message()  {}
func (TaskCompleted) message()  {}
func (TaskFailed) message()     {}

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode renders m as {"type": <kind>, "data": <message>}.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Data: data})
}

var decoders = map[Kind]func(json.RawMessage) (Message, error){
	KindExecuteTask:   decodeAs[ExecuteTask],
	KindScheduleTask:  decodeAs[ScheduleTask],
	KindGetStatus:     decodeAs[GetStatus],
	KindGetTasks:      decodeAs[GetTasks],
	KindPersistState:  decodeAs[PersistState],
	KindLoadState:     decodeAs[LoadState],
	KindDeleteTask:    decodeAs[DeleteTask],
	KindStatus:        decodeAs[StatusResponse],
	KindTasks:         decodeAs[TasksResponse],
	KindState:         decodeAs[StateResponse],
	KindAck:           decodeAs[Ack],
	KindError:         decodeAs[ErrorResponse],
	KindTaskCompleted: decodeAs[TaskCompleted],
	KindTaskFailed:    decodeAs[TaskFailed],
}

func decodeAs[T Message](data json.RawMessage) (Message, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Decode parses a message produced by Encode.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	m, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return m, nil
}
