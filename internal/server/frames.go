package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Tyrowin/nexus-chat-server/internal/chat"
)

// frameTimeout bounds the store work triggered by one inbound frame.
const frameTimeout = 10 * time.Second

// frameRouter turns inbound push-channel frames into chat service calls.
// Rejections are answered with an error event on the originating session only.
type frameRouter struct {
	svc     *chat.Service
	hub     *Hub
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func newFrameRouter(svc *chat.Service, hub *Hub, logger *slog.Logger, metrics *Metrics) *frameRouter {
	return &frameRouter{
		svc:     svc,
		hub:     hub,
		logger:  logger.With(slog.String("component", "frames")),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleFrame implements FrameHandler. A frame that has been read is handled
// to completion: closing the session does not cancel the work it started.
func (fr *frameRouter) HandleFrame(ctx context.Context, c *Client, frame []byte) {
	if !gjson.ValidBytes(frame) {
		fr.logger.Warn("dropping unparseable frame",
			slog.Int64("user_id", c.UserID()),
			slog.String("session_id", c.ID()),
			slog.Int("bytes", len(frame)),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), frameTimeout)
	defer cancel()

	root := gjson.ParseBytes(frame)
	eventType := root.Get("type").String()

	var err error
	switch eventType {
	case chat.EventMessage:
		err = fr.handleMessage(ctx, c, root)
	case chat.EventTyping:
		err = fr.handleTyping(ctx, c, root)
	case chat.EventReadReceipt:
		err = fr.handleReadReceipt(ctx, c, root)
	case chat.EventPing:
		fr.reply(c, chat.Pong{Type: chat.EventPong, Timestamp: fr.now()})
	default:
		fr.logger.Warn("dropping frame with unknown type",
			slog.Int64("user_id", c.UserID()),
			slog.String("session_id", c.ID()),
			slog.String("type", eventType),
		)
		return
	}
	if fr.metrics != nil {
		fr.metrics.frames.WithLabelValues(eventType).Inc()
	}

	if err != nil {
		fr.reject(c, eventType, err)
	}
}

func (fr *frameRouter) handleMessage(ctx context.Context, c *Client, root gjson.Result) error {
	recipientID, err := optionalID(root, "recipient_id")
	if err != nil {
		return err
	}
	groupID, err := optionalID(root, "group_id")
	if err != nil {
		return err
	}
	replyToID, err := optionalID(root, "reply_to_id")
	if err != nil {
		return err
	}

	_, err = fr.svc.Dispatch(ctx, chat.DispatchRequest{
		SenderID:    c.UserID(),
		RecipientID: recipientID,
		GroupID:     groupID,
		Text:        root.Get("message").String(),
		ReplyToID:   replyToID,
	})
	return err
}

func (fr *frameRouter) handleTyping(ctx context.Context, c *Client, root gjson.Result) error {
	recipientID, err := optionalID(root, "recipient_id")
	if err != nil {
		return err
	}
	groupID, err := optionalID(root, "group_id")
	if err != nil {
		return err
	}

	return fr.svc.Notify(ctx, chat.TypingRequest{
		SenderID:    c.UserID(),
		RecipientID: recipientID,
		GroupID:     groupID,
		IsTyping:    root.Get("is_typing").Bool(),
	})
}

func (fr *frameRouter) handleReadReceipt(ctx context.Context, c *Client, root gjson.Result) error {
	messageID, err := optionalID(root, "message_id")
	if err != nil {
		return err
	}
	if messageID == nil {
		return fmt.Errorf("%w: message_id is required", chat.ErrInvalidRequest)
	}
	claimedSender, err := optionalID(root, "sender_id")
	if err != nil {
		return err
	}

	var sender int64
	if claimedSender != nil {
		sender = *claimedSender
	}
	return fr.svc.ReceiveReceipt(ctx, *messageID, c.UserID(), sender)
}

func (fr *frameRouter) reject(c *Client, eventType string, err error) {
	code := chat.Code(err)
	if fr.metrics != nil {
		fr.metrics.framesRejected.WithLabelValues(code).Inc()
	}

	level := slog.LevelDebug
	if errors.Is(err, chat.ErrPersistence) || code == "internal" {
		level = slog.LevelError
	}
	fr.logger.Log(context.Background(), level, "frame rejected",
		slog.Int64("user_id", c.UserID()),
		slog.String("session_id", c.ID()),
		slog.String("type", eventType),
		slog.String("code", code),
		slog.Any("error", err),
	)

	event := chat.NewErrorEvent(err)
	if errors.Is(err, chat.ErrPersistence) {
		event.Message = chat.ErrPersistence.Error()
	}
	fr.reply(c, event)
}

func (fr *frameRouter) reply(c *Client, event any) {
	payload, err := chat.Encode(event)
	if err != nil {
		fr.logger.Error("failed to encode reply", slog.Any("error", err))
		return
	}
	fr.hub.SendTo(c, payload)
}

// optionalID reads an integer id field. Absent and null fields yield nil.
func optionalID(root gjson.Result, field string) (*int64, error) {
	v := root.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if v.Type != gjson.Number {
		return nil, fmt.Errorf("%w: %s must be a number", chat.ErrInvalidRequest, field)
	}
	id := v.Int()
	if float64(id) != v.Num {
		return nil, fmt.Errorf("%w: %s must be an integer", chat.ErrInvalidRequest, field)
	}
	return &id, nil
}
