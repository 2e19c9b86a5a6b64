package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore implements Store on top of a gorm connection.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an already-open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates every table.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) exists(ctx context.Context, model any, query string, args ...any) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where(query, args...).Limit(1).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *GormStore) UserExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, &User{}, "id = ?", id)
}

func (s *GormStore) GroupExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, &Group{}, "id = ?", id)
}

func (s *GormStore) FriendshipState(ctx context.Context, a, b int64) (FriendshipState, error) {
	var f Friendship
	err := s.db.WithContext(ctx).
		Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)", a, b, b, a).
		First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return f.State, nil
}

func (s *GormStore) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	return s.exists(ctx, &GroupMember{}, "group_id = ? AND user_id = ?", groupID, userID)
}

func (s *GormStore) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ?", groupID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, msg *Message, text string) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	msg.DeliveryState = DeliverySent
	msg.ReadState = ReadUnread
	msg.Contents = nil

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.ReplyToID != nil {
			var target Message
			err := tx.First(&target, *msg.ReplyToID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReplyNotFound
			}
			if err != nil {
				return err
			}
			if !sameConversation(msg, &target) {
				return ErrReplyNotFound
			}
		}
		if err := tx.Omit("Contents").Create(msg).Error; err != nil {
			return err
		}
		if text == "" {
			return nil
		}
		content := Content{MessageID: msg.ID, Kind: ContentText, Text: text}
		if err := tx.Create(&content).Error; err != nil {
			return err
		}
		msg.Contents = []Content{content}
		return nil
	})
}

// sameConversation reports whether a and b belong to the same group, or to
// the same direct pair in either direction.
func sameConversation(a, b *Message) bool {
	if a.GroupID != nil || b.GroupID != nil {
		return a.GroupID != nil && b.GroupID != nil && *a.GroupID == *b.GroupID
	}
	if a.RecipientID == nil || b.RecipientID == nil {
		return false
	}
	return (a.SenderID == b.SenderID && *a.RecipientID == *b.RecipientID) ||
		(a.SenderID == *b.RecipientID && *a.RecipientID == b.SenderID)
}

func (s *GormStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.WithContext(ctx).Preload("Contents").First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *GormStore) MarkRead(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND read_state = ?", id, ReadUnread).
		Update("read_state", ReadRead)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	found, err := s.exists(ctx, &Message{}, "id = ?", id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *GormStore) ListDirect(ctx context.Context, a, b int64, limit int) ([]Message, error) {
	return s.listRecent(ctx, clampLimit(limit),
		"(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)", a, b, b, a)
}

func (s *GormStore) ListGroup(ctx context.Context, groupID int64, limit int) ([]Message, error) {
	return s.listRecent(ctx, clampLimit(limit), "group_id = ?", groupID)
}

// listRecent returns the newest limit rows matching the filter, oldest first.
func (s *GormStore) listRecent(ctx context.Context, limit int, query string, args ...any) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).Preload("Contents").
		Where(query, args...).
		Order("sent_at DESC").Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CreateUser inserts a user row.
func (s *GormStore) CreateUser(ctx context.Context, name, email string) (*User, error) {
	u := &User{Name: name, Email: email}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// RequestFriendship opens a pending edge from requester to addressee. Any
// existing edge for the pair, rejected ones included, blocks a new request.
func (s *GormStore) RequestFriendship(ctx context.Context, requesterID, addresseeID int64) (*Friendship, error) {
	if requesterID == addresseeID {
		return nil, fmt.Errorf("%w: cannot befriend yourself", ErrInvalidArgument)
	}
	f := &Friendship{RequesterID: requesterID, AddresseeID: addresseeID, State: FriendshipPending}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&Friendship{}).
			Where("(requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)",
				requesterID, addresseeID, addresseeID, requesterID).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrFriendshipExists
		}
		for _, id := range []int64{requesterID, addresseeID} {
			if err := tx.Model(&User{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
		}
		return tx.Create(f).Error
	})
	if err != nil {
		if !errors.Is(err, ErrFriendshipExists) && !errors.Is(err, ErrNotFound) {
			// A concurrent request for the reverse direction trips the pair index.
			if _, lookupErr := s.FriendshipState(ctx, requesterID, addresseeID); lookupErr == nil {
				return nil, ErrFriendshipExists
			}
		}
		return nil, err
	}
	return f, nil
}

// RespondFriendship moves a pending edge to accepted or rejected.
func (s *GormStore) RespondFriendship(ctx context.Context, requesterID, addresseeID int64, state FriendshipState) (*Friendship, error) {
	if state != FriendshipAccepted && state != FriendshipRejected {
		return nil, fmt.Errorf("%w: state %q", ErrInvalidArgument, state)
	}
	var f Friendship
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("requester_id = ? AND addressee_id = ?", requesterID, addresseeID).First(&f).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if f.State != FriendshipPending {
			return ErrFriendshipProcessed
		}
		f.State = state
		return tx.Model(&f).Update("state", state).Error
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateGroup inserts a group and enrolls its creator as admin.
func (s *GormStore) CreateGroup(ctx context.Context, name string, creatorID int64) (*Group, error) {
	g := &Group{Name: name, CreatorID: creatorID, InviteToken: uuid.NewString()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&User{}).Where("id = ?", creatorID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		return tx.Create(&GroupMember{GroupID: g.ID, UserID: creatorID, Role: RoleAdmin}).Error
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// AddMember enrolls a user in a group.
func (s *GormStore) AddMember(ctx context.Context, groupID, userID int64, role GroupRole) error {
	if role == "" {
		role = RoleMember
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&GroupMember{}).Where("group_id = ? AND user_id = ?", groupID, userID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyMember
		}
		if err := tx.Model(&Group{}).Where("id = ?", groupID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return tx.Create(&GroupMember{GroupID: groupID, UserID: userID, Role: role}).Error
	})
}
