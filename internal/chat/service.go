// Package chat implements message delivery: the authorization gate, the
// dispatcher that persists then fans out messages, and the read-receipt and
// typing side channel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

// Pusher delivers encoded events to every live session of a user. Delivery is
// best effort and never reports failures back.
type Pusher interface {
	Send(userID int64, payload []byte)
	SendMany(userIDs []int64, payload []byte)
}

// Service wires the gate, the store, and the session pusher together.
type Service struct {
	store  store.Store
	gate   *Gate
	pusher Pusher
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a Service. The pusher is usually the server's Hub.
func NewService(st store.Store, pusher Pusher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		gate:   NewGate(st),
		pusher: pusher,
		logger: logger.With(slog.String("component", "chat")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Gate returns the service's authorization gate.
func (s *Service) Gate() *Gate {
	return s.gate
}

// DispatchRequest is a message submitted over the push channel or REST.
type DispatchRequest struct {
	SenderID    int64  `json:"sender_id"`
	RecipientID *int64 `json:"recipient_id,omitempty"`
	GroupID     *int64 `json:"group_id,omitempty"`
	Text        string `json:"text"`
	ReplyToID   *int64 `json:"reply_to_id,omitempty"`
}

// Dispatch authorizes, persists, and fans out a message. The message is
// committed before any push; push failures are never returned.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*store.Message, error) {
	target, err := s.gate.Resolve(ctx, req.SenderID, req.RecipientID, req.GroupID)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		SenderID:    req.SenderID,
		RecipientID: target.RecipientID,
		GroupID:     target.GroupID,
		ReplyToID:   req.ReplyToID,
		SentAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, msg, req.Text); err != nil {
		if errors.Is(err, store.ErrReplyNotFound) {
			return nil, fmt.Errorf("%w: reply_to_id %d", ErrMessageNotFound, *req.ReplyToID)
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.push(target.UserIDs, NewMessage{
		Type:        EventNewMessage,
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		GroupID:     msg.GroupID,
		Message:     msg.Text(),
		ReplyToID:   msg.ReplyToID,
		Timestamp:   msg.SentAt,
		Status:      msg.DeliveryState,
	})
	s.push([]int64{msg.SenderID}, MessageSent{
		Type:      EventMessageSent,
		MessageID: msg.ID,
		Timestamp: msg.SentAt,
	})

	s.logger.Debug("message dispatched",
		slog.Int64("message_id", msg.ID),
		slog.Int64("sender_id", msg.SenderID),
		slog.Int("targets", len(target.UserIDs)),
	)
	return msg, nil
}

// push encodes event once and hands it to the pusher.
func (s *Service) push(userIDs []int64, event any) {
	if len(userIDs) == 0 || s.pusher == nil {
		return
	}
	payload, err := Encode(event)
	if err != nil {
		s.logger.Error("failed to encode event", slog.Any("error", err))
		return
	}
	if len(userIDs) == 1 {
		s.pusher.Send(userIDs[0], payload)
		return
	}
	s.pusher.SendMany(userIDs, payload)
}
