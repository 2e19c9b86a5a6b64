package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/nexus-chat-server/internal/store"
)

// Target is the resolved audience of a message or signal.
type Target struct {
	RecipientID *int64
	GroupID     *int64
	// UserIDs never contains the sender.
	UserIDs []int64
}

// Gate decides whether a sender may address a declared target. It only reads
// from the store.
type Gate struct {
	store store.Store
}

// NewGate returns a Gate backed by s.
func NewGate(s store.Store) *Gate {
	return &Gate{store: s}
}

// Resolve validates the (sender, target) pair and returns the users who
// should receive the event. Group membership is read at call time.
func (g *Gate) Resolve(ctx context.Context, senderID int64, recipientID, groupID *int64) (Target, error) {
	if (recipientID == nil) == (groupID == nil) {
		return Target{}, ErrMalformedTarget
	}
	if recipientID != nil {
		return g.resolveDirect(ctx, senderID, *recipientID)
	}
	return g.resolveGroup(ctx, senderID, *groupID)
}

func (g *Gate) resolveDirect(ctx context.Context, senderID, recipientID int64) (Target, error) {
	if senderID == recipientID {
		return Target{}, ErrMalformedTarget
	}
	for _, id := range []int64{senderID, recipientID} {
		ok, err := g.store.UserExists(ctx, id)
		if err != nil {
			return Target{}, fmt.Errorf("%w: lookup user %d: %v", ErrPersistence, id, err)
		}
		if !ok {
			return Target{}, fmt.Errorf("%w: %d", ErrUnknownUser, id)
		}
	}

	state, err := g.store.FriendshipState(ctx, senderID, recipientID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Target{}, ErrNotFriends
	case err != nil:
		return Target{}, fmt.Errorf("%w: lookup friendship: %v", ErrPersistence, err)
	case state != store.FriendshipAccepted:
		return Target{}, ErrNotFriends
	}

	rid := recipientID
	return Target{RecipientID: &rid, UserIDs: []int64{recipientID}}, nil
}

func (g *Gate) resolveGroup(ctx context.Context, senderID, groupID int64) (Target, error) {
	ok, err := g.store.GroupExists(ctx, groupID)
	if err != nil {
		return Target{}, fmt.Errorf("%w: lookup group %d: %v", ErrPersistence, groupID, err)
	}
	if !ok {
		return Target{}, fmt.Errorf("%w: %d", ErrUnknownGroup, groupID)
	}

	members, err := g.store.GroupMemberIDs(ctx, groupID)
	if err != nil {
		return Target{}, fmt.Errorf("%w: list members of %d: %v", ErrPersistence, groupID, err)
	}

	others := make([]int64, 0, len(members))
	isMember := false
	for _, id := range members {
		if id == senderID {
			isMember = true
			continue
		}
		others = append(others, id)
	}
	if !isMember {
		return Target{}, ErrNotAMember
	}

	gid := groupID
	return Target{GroupID: &gid, UserIDs: others}, nil
}
