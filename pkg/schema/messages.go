// pkg/schema/messages.go
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// MessageType is the "type" discriminator carried by every push channel record.
type MessageType string

const (
	TypeTaskStatus            MessageType = "task_status"
	TypeJobProgress           MessageType = "job_progress"
	TypeConnectionEstablished MessageType = "connection_established"
	TypeSubscriptionConfirmed MessageType = "subscription_confirmed"
	TypeError                 MessageType = "error"

	TypeSubscribeTask   MessageType = "subscribe_task"
	TypeUnsubscribeTask MessageType = "unsubscribe_task"
	TypeSubscribeJob    MessageType = "subscribe_job"
	TypeUnsubscribeJob  MessageType = "unsubscribe_job"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrMissingID     = errors.New("message missing identifier")
	ErrEmptyEnvelope = errors.New("message missing type")
)

// Inbound is a decoded server-to-client record. The set of implementations
// is closed: TaskUpdate, JobProgress, ConnectionEstablished,
// SubscriptionConfirmed and ServerError.
type Inbound interface {
	Type() MessageType
	inbound()
}

type TaskUpdate struct {
	TaskID           string          `json:"task_id"`
	Status           TaskStatus      `json:"status"`
	AdapterName      string          `json:"adapter_name,omitempty"`
	TaskType         string          `json:"task_type,omitempty"`
	Output           json.RawMessage `json:"output_json,omitempty"`
	ProcessingTimeMs *float64        `json:"processing_time_ms,omitempty"`
	Timestamp        float64         `json:"timestamp,omitempty"`
}

type JobProgress struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	AdapterName     string    `json:"adapter_name,omitempty"`
	JobType         string    `json:"job_type,omitempty"`
	TotalTasks      int       `json:"total_tasks"`
	CompletedTasks  int       `json:"completed_tasks"`
	FailedTasks     int       `json:"failed_tasks"`
	ProgressPercent float64   `json:"progress_percent"`
	Timestamp       float64   `json:"timestamp,omitempty"`
}

type ConnectionEstablished struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type SubscriptionConfirmed struct {
	TaskID string `json:"task_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`
}

// ServerError is an error notice pushed by the server. It never carries a
// tracked identifier's status and is only logged.
type ServerError struct {
	Message string `json:"message"`
}

func (TaskUpdate) Type() MessageType            { return TypeTaskStatus }
func (JobProgress) Type() MessageType           { return TypeJobProgress }
func (ConnectionEstablished) Type() MessageType { return TypeConnectionEstablished }
func (SubscriptionConfirmed) Type() MessageType { return TypeSubscriptionConfirmed }
func (ServerError) Type() MessageType           { return TypeError }

func (TaskUpdate) inbound()            {}
func (JobProgress) inbound()           {}
func (ConnectionEstablished) inbound() {}
func (SubscriptionConfirmed) inbound() {}
func (ServerError) inbound()           {}

// RoundMillis converts a wire duration, which servers may send with a
// fractional part, to whole milliseconds. Nil stays nil.
func RoundMillis(v *float64) *int64 {
	if v == nil {
		return nil
	}
	ms := int64(math.Round(*v))
	return &ms
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses one whole push channel record.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case "":
		return nil, ErrEmptyEnvelope
	case TypeTaskStatus:
		var m TaskUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.TaskID == "" {
			return nil, fmt.Errorf("decode %s: %w", env.Type, ErrMissingID)
		}
		return m, nil
	case TypeJobProgress:
		var m JobProgress
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if m.JobID == "" {
			return nil, fmt.Errorf("decode %s: %w", env.Type, ErrMissingID)
		}
		return m, nil
	case TypeConnectionEstablished:
		var m ConnectionEstablished
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeSubscriptionConfirmed:
		var m SubscriptionConfirmed
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	case TypeError:
		var m ServerError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Control is a client-to-server subscription intent.
type Control struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id,omitempty"`
	JobID  string      `json:"job_id,omitempty"`
}

func SubscribeTask(id string) Control   { return Control{Type: TypeSubscribeTask, TaskID: id} }
func UnsubscribeTask(id string) Control { return Control{Type: TypeUnsubscribeTask, TaskID: id} }
func SubscribeJob(id string) Control    { return Control{Type: TypeSubscribeJob, JobID: id} }
func UnsubscribeJob(id string) Control  { return Control{Type: TypeUnsubscribeJob, JobID: id} }
