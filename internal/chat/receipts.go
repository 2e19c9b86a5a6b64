package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

// MarkRead moves a message from unread to read on behalf of readerID. Only
// the call that performs the transition pushes a read_receipt, and only to
// the original sender. Readers who are not addressees see ErrMessageNotFound.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID int64) error {
	_, err := s.markRead(ctx, messageID, readerID)
	return err
}

// ReceiveReceipt is MarkRead for a receipt frame that names the sender it
// believes wrote the message. The stored sender always wins; a mismatch is
// only logged.
func (s *Service) ReceiveReceipt(ctx context.Context, messageID, readerID, claimedSenderID int64) error {
	msg, err := s.markRead(ctx, messageID, readerID)
	if err != nil {
		return err
	}
	if claimedSenderID != 0 && claimedSenderID != msg.SenderID {
		s.logger.Warn("read receipt names the wrong sender",
			slog.Int64("message_id", messageID),
			slog.Int64("claimed_sender_id", claimedSenderID),
			slog.Int64("sender_id", msg.SenderID),
		)
	}
	return nil
}

func (s *Service) markRead(ctx context.Context, messageID, readerID int64) (*store.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load message %d: %v", ErrPersistence, messageID, err)
	}

	ok, err := s.isAddressee(ctx, msg, readerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMessageNotFound
	}

	changed, err := s.store.MarkRead(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: mark read %d: %v", ErrPersistence, messageID, err)
	}
	if !changed {
		return msg, nil
	}

	s.push([]int64{msg.SenderID}, ReadReceipt{
		Type:      EventReadReceipt,
		MessageID: messageID,
		ReadBy:    readerID,
		Timestamp: s.now(),
	})
	s.logger.Debug("message read", slog.Int64("message_id", messageID), slog.Int64("reader_id", readerID))
	return msg, nil
}

func (s *Service) isAddressee(ctx context.Context, msg *store.Message, readerID int64) (bool, error) {
	if readerID == msg.SenderID {
		return false, nil
	}
	if msg.RecipientID != nil {
		return *msg.RecipientID == readerID, nil
	}
	if msg.GroupID == nil {
		return false, nil
	}
	member, err := s.store.IsMember(ctx, *msg.GroupID, readerID)
	if err != nil {
		return false, fmt.Errorf("%w: check membership: %v", ErrPersistence, err)
	}
	return member, nil
}
