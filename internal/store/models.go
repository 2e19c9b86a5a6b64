// Package store defines the relational models for users, friendships, groups,
// and messages, and the gorm-backed store the delivery core reads and writes.
package store

import (
	"time"

	"gorm.io/gorm"
)

// FriendshipState is the lifecycle state of a friendship edge.
type FriendshipState string

const (
	FriendshipPending  FriendshipState = "pending"
	FriendshipAccepted FriendshipState = "accepted"
	FriendshipRejected FriendshipState = "rejected"
)

// GroupRole is a member's role inside a group.
type GroupRole string

const (
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// DeliveryState of a persisted message. Messages are "sent" once stored.
const DeliverySent = "sent"

// ReadState is the per-message read flag.
type ReadState string

const (
	ReadUnread ReadState = "unread"
	ReadRead   ReadState = "read"
)

// ContentKind distinguishes text payloads from file references.
type ContentKind string

const (
	ContentText ContentKind = "text"
	ContentFile ContentKind = "file"
)

// User is the identity the delivery core references by id.
type User struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Email     string    `gorm:"size:100;uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Friendship is a directed request row that authorizes messaging in both
// directions once accepted. At most one row exists per unordered pair; the
// pair columns hold the ids in ascending order and carry a unique index.
type Friendship struct {
	RequesterID int64           `gorm:"primaryKey;autoIncrement:false" json:"requester_id"`
	AddresseeID int64           `gorm:"primaryKey;autoIncrement:false;index" json:"addressee_id"`
	PairLow     int64           `gorm:"not null;uniqueIndex:idx_friendship_pair,priority:1" json:"-"`
	PairHigh    int64           `gorm:"not null;uniqueIndex:idx_friendship_pair,priority:2" json:"-"`
	State       FriendshipState `gorm:"size:10;not null;default:pending" json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BeforeCreate fills the ordered pair columns.
func (f *Friendship) BeforeCreate(*gorm.DB) error {
	f.PairLow, f.PairHigh = min(f.RequesterID, f.AddresseeID), max(f.RequesterID, f.AddresseeID)
	return nil
}

// Group is a named set of members.
type Group struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	CreatorID   int64     `json:"creator_id"`
	InviteToken string    `gorm:"size:36;uniqueIndex" json:"invite_token"`
	CreatedAt   time.Time `json:"created_at"`
}

// GroupMember links a user to a group.
type GroupMember struct {
	GroupID  int64     `gorm:"primaryKey;autoIncrement:false" json:"group_id"`
	UserID   int64     `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	Role     GroupRole `gorm:"size:10;not null;default:member" json:"role"`
	JoinedAt time.Time `gorm:"autoCreateTime" json:"joined_at"`
}

// Message is addressed to exactly one of a recipient or a group.
type Message struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	SenderID      int64     `gorm:"not null;index" json:"sender_id"`
	RecipientID   *int64    `gorm:"index" json:"recipient_id,omitempty"`
	GroupID       *int64    `gorm:"index" json:"group_id,omitempty"`
	ReplyToID     *int64    `json:"reply_to_id,omitempty"`
	SentAt        time.Time `gorm:"not null;index" json:"sent_at"`
	DeliveryState string    `gorm:"size:20;not null;default:sent" json:"delivery_state"`
	ReadState     ReadState `gorm:"size:20;not null;default:unread" json:"read_state"`
	Contents      []Content `gorm:"constraint:OnDelete:CASCADE" json:"contents,omitempty"`
}

// Text returns the first text content of the message, or "".
func (m *Message) Text() string {
	for _, c := range m.Contents {
		if c.Kind == ContentText {
			return c.Text
		}
	}
	return ""
}

// IsGroup reports whether the message was sent to a group.
func (m *Message) IsGroup() bool {
	return m.GroupID != nil
}

// Content is a message payload.
type Content struct {
	ID        int64       `gorm:"primaryKey" json:"id"`
	MessageID int64       `gorm:"not null;index" json:"message_id"`
	Kind      ContentKind `gorm:"size:20;not null" json:"kind"`
	Text      string      `json:"text,omitempty"`
	FileURL   string      `json:"file_url,omitempty"`
}

// Models lists every table for migrations.
func Models() []any {
	return []any{&User{}, &Friendship{}, &Group{}, &GroupMember{}, &Message{}, &Content{}}
}
