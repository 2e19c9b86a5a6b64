package server

import (
	"strings"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/chat"
	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

// messageResponse is the REST representation of a stored message.
type messageResponse struct {
	ID            int64     `json:"id"`
	SenderID      int64     `json:"sender_id"`
	RecipientID   *int64    `json:"recipient_id,omitempty"`
	GroupID       *int64    `json:"group_id,omitempty"`
	ReplyToID     *int64    `json:"reply_to_id,omitempty"`
	Text          string    `json:"text"`
	SentAt        time.Time `json:"sent_at"`
	DeliveryState string    `json:"delivery_state"`
	ReadState     string    `json:"read_state"`
}

func newMessageResponse(m *store.Message) messageResponse {
	return messageResponse{
		ID:            m.ID,
		SenderID:      m.SenderID,
		RecipientID:   m.RecipientID,
		GroupID:       m.GroupID,
		ReplyToID:     m.ReplyToID,
		Text:          m.Text(),
		SentAt:        m.SentAt,
		DeliveryState: m.DeliveryState,
		ReadState:     string(m.ReadState),
	}
}

// sendMessageRequest is the body of POST /messages. The text may be sent as
// "message", like the push frame, or as "text"; "message" wins when both are set.
type sendMessageRequest struct {
	SenderID    int64   `json:"sender_id"`
	RecipientID *int64  `json:"recipient_id"`
	GroupID     *int64  `json:"group_id"`
	Message     *string `json:"message"`
	Text        string  `json:"text"`
	ReplyToID   *int64  `json:"reply_to_id"`
}

func (r sendMessageRequest) dispatch() chat.DispatchRequest {
	text := r.Text
	if r.Message != nil {
		text = *r.Message
	}
	return chat.DispatchRequest{
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		GroupID:     r.GroupID,
		Text:        text,
		ReplyToID:   r.ReplyToID,
	}
}

type markReadRequest struct {
	UserID int64 `json:"user_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
