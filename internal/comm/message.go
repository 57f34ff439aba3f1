package comm

import (
	"errors"
	"time"
)

var (
	ErrMessageTimeout   = errors.New("timed out waiting for reply")
	ErrReceiveTimeout   = errors.New("timed out waiting for message")
	ErrLockTimeout      = errors.New("timed out acquiring shared context lock")
	ErrUnknownRecipient = errors.New("unknown recipient role")
	ErrInvalidMessage   = errors.New("invalid message")
)

// MessageType categorizes agent messages.
type MessageType string

const (
	MessageDirect        MessageType = "direct"
	MessageBroadcast     MessageType = "broadcast"
	MessageRequest       MessageType = "request"
	MessageResponse      MessageType = "response"
	MessageResultHandoff MessageType = "result_handoff"
)

func (t MessageType) valid() bool {
	switch t {
	case MessageDirect, MessageBroadcast, MessageRequest, MessageResponse, MessageResultHandoff:
		return true
	}
	return false
}

// Message is passed between roles within a workflow.
type Message struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Type          MessageType    `json:"type"`
	From          string         `json:"from"`
	To            string         `json:"to,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`

	// Timeout overrides the communicator's request timeout for a single
	// request. It is not transmitted.
	Timeout time.Duration `json:"-"`
}
