package messages

import (
	"errors"

	"github.com/eljojo/dchat/types"
)

// FriendAddedPayload records a new friendship (symmetric).
//
// Emitted by: addFriend(address), addFriendByUsername(name)
type FriendAddedPayload struct {
	User1 types.Address `json:"user1"`
	User2 types.Address `json:"user2"`
}

// Validate checks if the payload is well-formed.
func (p *FriendAddedPayload) Validate() error {
	if p.User1.IsZero() || p.User2.IsZero() {
		return errors.New("user1 and user2 required")
	}
	return nil
}

// Involves reports whether addr is one side of the friendship.
func (p *FriendAddedPayload) Involves(addr types.Address) bool {
	return p.User1.Equal(addr) || p.User2.Equal(addr)
}

// GroupCreatedPayload announces a new group.
//
// Emitted by: createGroup(name, members[])
type GroupCreatedPayload struct {
	GroupID types.GroupID `json:"group_id"`
	Name    string        `json:"name"`
	Owner   types.Address `json:"owner"`
}

// Validate checks if the payload is well-formed.
func (p *GroupCreatedPayload) Validate() error {
	if p.Owner.IsZero() {
		return errors.New("owner required")
	}
	return nil
}

// MemberAddedPayload announces a member joining a group. createGroup emits
// one per initial member, owner included.
type MemberAddedPayload struct {
	GroupID types.GroupID `json:"group_id"`
	Member  types.Address `json:"member"`
}

// Validate checks if the payload is well-formed.
func (p *MemberAddedPayload) Validate() error {
	if p.Member.IsZero() {
		return errors.New("member required")
	}
	return nil
}
