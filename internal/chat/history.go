package chat

import (
	"context"
	"fmt"

	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

// HistoryQuery selects one conversation: a peer or a group, not both.
type HistoryQuery struct {
	UserID  int64
	PeerID  *int64
	GroupID *int64
	Limit   int
}

// History returns a conversation oldest first. It applies the gate's rules to
// the requesting user, so only friends and members can read.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]store.Message, error) {
	if _, err := s.gate.Resolve(ctx, q.UserID, q.PeerID, q.GroupID); err != nil {
		return nil, err
	}

	var (
		msgs []store.Message
		err  error
	)
	if q.PeerID != nil {
		msgs, err = s.store.ListDirect(ctx, q.UserID, *q.PeerID, q.Limit)
	} else {
		msgs, err = s.store.ListGroup(ctx, *q.GroupID, q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrPersistence, err)
	}
	return msgs, nil
}
