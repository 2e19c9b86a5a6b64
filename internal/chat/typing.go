package chat

import "context"

// TypingRequest is an ephemeral typing signal.
type TypingRequest struct {
	SenderID    int64
	RecipientID *int64
	GroupID     *int64
	IsTyping    bool
}

// Notify relays a typing indicator to the same audience a message would
// reach. Nothing is persisted.
func (s *Service) Notify(ctx context.Context, req TypingRequest) error {
	target, err := s.gate.Resolve(ctx, req.SenderID, req.RecipientID, req.GroupID)
	if err != nil {
		return err
	}
	s.push(target.UserIDs, TypingIndicator{
		Type:        EventTypingIndicator,
		UserID:      req.SenderID,
		RecipientID: target.RecipientID,
		GroupID:     target.GroupID,
		IsTyping:    req.IsTyping,
		Timestamp:   s.now(),
	})
	return nil
}
