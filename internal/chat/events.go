package chat

import (
	"encoding/json"
	"time"
)

// Event type tags carried in the "type" field of every push-channel frame.
const (
	EventMessage               = "message"
	EventTyping                = "typing"
	EventReadReceipt           = "read_receipt"
	EventPing                  = "ping"
	EventConnectionEstablished = "connection_established"
	EventNewMessage            = "new_message"
	EventMessageSent           = "message_sent"
	EventTypingIndicator       = "typing_indicator"
	EventPong                  = "pong"
	EventError                 = "error"
)

// ConnectionEstablished greets a freshly registered session.
type ConnectionEstablished struct {
	Type      string    `json:"type"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage is pushed to every resolved target of a dispatched message.
type NewMessage struct {
	Type        string    `json:"type"`
	MessageID   int64     `json:"message_id"`
	SenderID    int64     `json:"sender_id"`
	RecipientID *int64    `json:"recipient_id,omitempty"`
	GroupID     *int64    `json:"group_id,omitempty"`
	Message     string    `json:"message"`
	ReplyToID   *int64    `json:"reply_to_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
}

// MessageSent acknowledges a dispatch to the sender's own sessions.
type MessageSent struct {
	Type      string    `json:"type"`
	MessageID int64     `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadReceipt tells the original sender that a reader has read the message.
type ReadReceipt struct {
	Type      string    `json:"type"`
	MessageID int64     `json:"message_id"`
	ReadBy    int64     `json:"read_by"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingIndicator is relayed to the targets of a typing signal.
type TypingIndicator struct {
	Type        string    `json:"type"`
	UserID      int64     `json:"user_id"`
	RecipientID *int64    `json:"recipient_id,omitempty"`
	GroupID     *int64    `json:"group_id,omitempty"`
	IsTyping    bool      `json:"is_typing"`
	Timestamp   time.Time `json:"timestamp"`
}

// Pong answers a client ping.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a rejected inbound frame to the session that sent it.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorEvent builds the error frame for err.
func NewErrorEvent(err error) ErrorEvent {
	return ErrorEvent{Type: EventError, Code: Code(err), Message: err.Error()}
}

// Encode marshals an outbound event.
func Encode(event any) ([]byte, error) {
	return json.Marshal(event)
}
