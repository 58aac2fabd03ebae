package types

import (
	"regexp"
	"strconv"
	"strings"
)

// Address is a ledger account address (0x-prefixed hex).
//
// Addresses arrive in mixed case from different sources (checksummed from the
// wallet, lowercase from event logs), so comparisons must go through Equal.
type Address string

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// String converts Address to string
func (a Address) String() string {
	return string(a)
}

// Normalized returns the lowercase form used as a map key.
func (a Address) Normalized() Address {
	return Address(strings.ToLower(string(a)))
}

// Equal compares two addresses case-insensitively.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(string(a), string(other))
}

// IsZero reports whether the address is empty (used as a wildcard in filters).
func (a Address) IsZero() bool {
	return a == ""
}

// IsAddress reports whether s looks like a full 20-byte hex address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// GroupID is the numeric group identifier assigned by the ledger.
type GroupID uint64

// String converts GroupID to its decimal form
func (g GroupID) String() string {
	return strconv.FormatUint(uint64(g), 10)
}

// ConversationKind discriminates ConversationRef.
type ConversationKind int

const (
	KindDirect ConversationKind = iota + 1
	KindGroup
)

func (k ConversationKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// ConversationRef identifies a conversation: either a direct chat with a
// counterparty or a group chat. Only the field matching Kind is meaningful.
type ConversationRef struct {
	Kind  ConversationKind `json:"kind"`
	Peer  Address          `json:"peer,omitempty"`
	Group GroupID          `json:"group,omitempty"`
}

// Direct returns the ref for a direct conversation with peer.
func Direct(peer Address) ConversationRef {
	return ConversationRef{Kind: KindDirect, Peer: peer}
}

// Group returns the ref for a group conversation.
func Group(id GroupID) ConversationRef {
	return ConversationRef{Kind: KindGroup, Group: id}
}

// IsDirect reports whether this is a direct conversation.
func (c ConversationRef) IsDirect() bool { return c.Kind == KindDirect }

// IsGroup reports whether this is a group conversation.
func (c ConversationRef) IsGroup() bool { return c.Kind == KindGroup }

// Equal reports whether two refs name the same conversation. Peers compare
// case-insensitively, groups numerically.
func (c ConversationRef) Equal(other ConversationRef) bool {
	if c.Kind != other.Kind {
		return false
	}
	switch c.Kind {
	case KindDirect:
		return c.Peer.Equal(other.Peer)
	case KindGroup:
		return c.Group == other.Group
	default:
		return false
	}
}

// String renders the ref as "direct:0xabc" or "group:7".
func (c ConversationRef) String() string {
	switch c.Kind {
	case KindDirect:
		return "direct:" + string(c.Peer.Normalized())
	case KindGroup:
		return "group:" + c.Group.String()
	default:
		return "unknown"
	}
}
