package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrReplyNotFound is returned by CreateMessage when reply_to_id names no
	// message in the same conversation.
	ErrReplyNotFound = errors.New("store: reply target not found")

	// ErrFriendshipExists is returned when an edge already exists for the pair,
	// in either direction and in any state.
	ErrFriendshipExists = errors.New("store: friendship already exists")

	// ErrFriendshipProcessed is returned when responding to a non-pending edge.
	ErrFriendshipProcessed = errors.New("store: friendship already processed")

	// ErrAlreadyMember is returned when adding a user to a group twice.
	ErrAlreadyMember = errors.New("store: already a member")

	// ErrInvalidArgument is returned for requests the store refuses outright.
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// DefaultHistoryLimit caps history reads when the caller passes no limit.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Store is the durable collaborator the delivery core depends on. Every read
// reflects committed state at call time; nothing is cached.
type Store interface {
	UserExists(ctx context.Context, id int64) (bool, error)
	GroupExists(ctx context.Context, id int64) (bool, error)

	// FriendshipState returns the state of the edge between a and b in either
	// direction, or ErrNotFound when none exists.
	FriendshipState(ctx context.Context, a, b int64) (FriendshipState, error)

	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)

	// CreateMessage inserts msg and, when text is non-empty, one text content
	// row in a single transaction. msg is updated in place with its id and contents.
	CreateMessage(ctx context.Context, msg *Message, text string) error

	GetMessage(ctx context.Context, id int64) (*Message, error)

	// MarkRead flips read_state unread -> read. It reports whether this call
	// performed the transition; an already-read message yields (false, nil).
	MarkRead(ctx context.Context, id int64) (bool, error)

	ListDirect(ctx context.Context, a, b int64, limit int) ([]Message, error)
	ListGroup(ctx context.Context, groupID int64, limit int) ([]Message, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
