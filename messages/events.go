package messages

import (
	"errors"
	"fmt"
)

// EventKind names a ledger event.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindDirectText
	KindDirectAttachment
	KindGroupText
	KindGroupAttachment
	KindFriendAdded
	KindGroupCreated
	KindMemberAddedToGroup
)

var kindNames = map[EventKind]string{
	KindDirectText:         "DirectText",
	KindDirectAttachment:   "DirectAttachment",
	KindGroupText:          "GroupText",
	KindGroupAttachment:    "GroupAttachment",
	KindFriendAdded:        "FriendAdded",
	KindGroupCreated:       "GroupCreated",
	KindMemberAddedToGroup: "MemberAddedToGroup",
}

// String returns the contract's event name.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventKind is the inverse of String. Unknown names map to KindUnknown.
func ParseEventKind(name string) EventKind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// MarshalText encodes the kind by name so JSON stays readable on the wire.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name. Unrecognized names decode to KindUnknown
// rather than failing, so one odd event can't poison a whole query response.
func (k *EventKind) UnmarshalText(b []byte) error {
	*k = ParseEventKind(string(b))
	return nil
}

// IsDirect reports whether the kind is a one-to-one chat event.
func (k EventKind) IsDirect() bool {
	return k == KindDirectText || k == KindDirectAttachment
}

// IsGroup reports whether the kind is a group chat event.
func (k EventKind) IsGroup() bool {
	return k == KindGroupText || k == KindGroupAttachment
}

// IsChat reports whether the kind carries a conversation message.
func (k EventKind) IsChat() bool {
	return k.IsDirect() || k.IsGroup()
}

// DirectKinds and GroupKinds are the kinds a conversation of each type listens to.
var (
	DirectKinds = []EventKind{KindDirectText, KindDirectAttachment}
	GroupKinds  = []EventKind{KindGroupText, KindGroupAttachment}
)

// RawEvent is one ledger-native event record.
//
// It is a tagged variant: Kind says which payload pointer is set. Records are
// immutable once observed, so callers pass them by value.
//
// Timestamp is in SECONDS (the ledger's block time). Sequence is the event's
// position in ledger emission order (block number and log index folded into
// one monotonically increasing value) and is only ever used as a tie-break.
// Block is kept separately so historical queries can select a block range.
type RawEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp int64     `json:"timestamp"`
	Block     uint64    `json:"block"`
	Sequence  uint64    `json:"seq"`

	// Payloads - only one is set based on Kind
	DirectText       *DirectTextPayload       `json:"direct_text,omitempty"`
	DirectAttachment *DirectAttachmentPayload `json:"direct_attachment,omitempty"`
	GroupText        *GroupTextPayload        `json:"group_text,omitempty"`
	GroupAttachment  *GroupAttachmentPayload  `json:"group_attachment,omitempty"`
	FriendAdded      *FriendAddedPayload      `json:"friend_added,omitempty"`
	GroupCreated     *GroupCreatedPayload     `json:"group_created,omitempty"`
	MemberAdded      *MemberAddedPayload      `json:"member_added,omitempty"`
}

// Payload is implemented by every event payload.
type Payload interface {
	Validate() error
}

// ErrMissingPayload is returned by Validate when Kind and payload disagree.
var ErrMissingPayload = errors.New("payload missing for event kind")

// Payload returns the payload matching Kind, or nil if it is absent.
func (e RawEvent) Payload() Payload {
	switch e.Kind {
	case KindDirectText:
		if e.DirectText != nil {
			return e.DirectText
		}
	case KindDirectAttachment:
		if e.DirectAttachment != nil {
			return e.DirectAttachment
		}
	case KindGroupText:
		if e.GroupText != nil {
			return e.GroupText
		}
	case KindGroupAttachment:
		if e.GroupAttachment != nil {
			return e.GroupAttachment
		}
	case KindFriendAdded:
		if e.FriendAdded != nil {
			return e.FriendAdded
		}
	case KindGroupCreated:
		if e.GroupCreated != nil {
			return e.GroupCreated
		}
	case KindMemberAddedToGroup:
		if e.MemberAdded != nil {
			return e.MemberAdded
		}
	}
	return nil
}

// Validate checks that the payload for Kind is present and well-formed.
func (e RawEvent) Validate() error {
	p := e.Payload()
	if p == nil {
		return fmt.Errorf("%s: %w", e.Kind, ErrMissingPayload)
	}
	return p.Validate()
}

// LogFormat returns a short technical description for debug logs.
func (e RawEvent) LogFormat() string {
	return fmt.Sprintf("%s@%d#%d", e.Kind, e.Timestamp, e.Sequence)
}
