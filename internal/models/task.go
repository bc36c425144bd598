package models

import (
	"errors"
	"fmt"
	"time"
)

// Task names routed by the queue runtime. Each name maps to exactly one
// durable queue; see the queue package bindings table.
const (
	TaskTriggerChatbot      = "trigger_chatbot"
	TaskChatbotFlow         = "chatbot_flow"
	TaskMessageHookReceived = "message_hook_received"
	TaskBroadcast           = "broadcast"
	TaskStatusMessage       = "status_whatsapp_message"
	TaskSystemLog           = "system_log"
	TaskTestFlow            = "test_flow"
)

// ErrEmptyTaskID indicates an envelope arrived without an idempotency key.
var ErrEmptyTaskID = errors.New("task envelope id cannot be empty")

// TaskEnvelope is the wire form of one unit of work on the broker. The id is
// a uuidv7 reused across retries; consumers treat it as the idempotency key.
type TaskEnvelope struct {
	ID      string                 `json:"id" msgpack:"id"`
	Task    string                 `json:"task" msgpack:"task"`
	Args    []interface{}          `json:"args" msgpack:"args"`
	Kwargs  map[string]interface{} `json:"kwargs" msgpack:"kwargs"`
	Retries int                    `json:"retries" msgpack:"retries"`
	ETA     *time.Time             `json:"eta,omitempty" msgpack:"eta,omitempty"`
}

// Validate checks the envelope carries the fields every consumer relies on.
func (e *TaskEnvelope) Validate() error {
	if e.ID == "" {
		return ErrEmptyTaskID
	}
	if e.Task == "" {
		return errors.New("task envelope name cannot be empty")
	}
	return nil
}

// StringKwarg returns the named kwarg as a string, or empty when absent or
// of another type. Msgpack decodes map values as interface{}, so handlers go
// through this accessor rather than asserting inline.
func (e *TaskEnvelope) StringKwarg(key string) string {
	if e.Kwargs == nil {
		return ""
	}
	if s, ok := e.Kwargs[key].(string); ok {
		return s
	}
	return ""
}

// PermanentError marks a handler failure that must not be retried: the task
// is acked, dead-lettered, and an error event is emitted.
type PermanentError struct {
	Err error
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) *PermanentError {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
