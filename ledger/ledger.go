// Package ledger talks to the chat contract: historical event queries, live
// event subscriptions, transaction submission and read-only calls.
//
// The contract itself is external. This package only adapts transports
// (HTTP for queries and submissions, MQTT for the live feed) to a small set of
// types, and provides MemoryLedger, an in-process emulation of the contract
// used by tests and the devnet binary.
package ledger

import (
	"errors"
	"fmt"

	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

var (
	// ErrQueryFailed means a historical query could not complete. No partial
	// result accompanies it.
	ErrQueryFailed = errors.New("historical query failed")

	// ErrDeclined means the ledger refused to accept a transaction.
	ErrDeclined = errors.New("transaction declined")

	// ErrReverted means the transaction was mined but reverted.
	ErrReverted = errors.New("transaction reverted")

	// ErrConnectionLost is passed to Handler.OnLost when the live feed drops.
	ErrConnectionLost = errors.New("live feed connection lost")
)

// TxError carries the ledger-provided reason for a declined or reverted
// transaction. It unwraps to ErrDeclined or ErrReverted.
type TxError struct {
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *TxError) Unwrap() error { return e.Err }

// Filter selects events of one kind with up to two indexed constraints.
// Zero-valued constraints are wildcards.
type Filter struct {
	Kind  messages.EventKind `json:"kind"`
	From  types.Address      `json:"from,omitempty"`
	To    types.Address      `json:"to,omitempty"`
	Group *types.GroupID     `json:"group_id,omitempty"`
}

// Matches reports whether e satisfies the filter.
func (f Filter) Matches(e messages.RawEvent) bool {
	if e.Kind != f.Kind {
		return false
	}
	var from, to types.Address
	var group types.GroupID
	switch e.Kind {
	case messages.KindDirectText:
		if e.DirectText == nil {
			return false
		}
		from, to = e.DirectText.From, e.DirectText.To
	case messages.KindDirectAttachment:
		if e.DirectAttachment == nil {
			return false
		}
		from, to = e.DirectAttachment.From, e.DirectAttachment.To
	case messages.KindGroupText:
		if e.GroupText == nil {
			return false
		}
		from, group = e.GroupText.From, e.GroupText.GroupID
	case messages.KindGroupAttachment:
		if e.GroupAttachment == nil {
			return false
		}
		from, group = e.GroupAttachment.From, e.GroupAttachment.GroupID
	default:
		// Directory events carry no indexed sender; kind match is enough.
		return f.From.IsZero() && f.To.IsZero() && f.Group == nil
	}
	if !f.From.IsZero() && !f.From.Equal(from) {
		return false
	}
	if !f.To.IsZero() && !f.To.Equal(to) {
		return false
	}
	if f.Group != nil && *f.Group != group {
		return false
	}
	return true
}

// String renders the filter for logs.
func (f Filter) String() string {
	s := f.Kind.String() + "("
	if !f.From.IsZero() {
		s += "from=" + string(f.From.Normalized()) + " "
	}
	if !f.To.IsZero() {
		s += "to=" + string(f.To.Normalized()) + " "
	}
	if f.Group != nil {
		s += "group=" + f.Group.String() + " "
	}
	return s + ")"
}

// GroupFilter is a convenience for a group-scoped filter.
func GroupFilter(kind messages.EventKind, group types.GroupID) Filter {
	return Filter{Kind: kind, Group: &group}
}

// Latest as Range.To means "up to the newest block".
const Latest uint64 = 0

// Range is an inclusive block range. To == Latest means open-ended.
type Range struct {
	From uint64 `json:"from_block"`
	To   uint64 `json:"to_block"`
}

// FullRange covers the whole ledger history.
var FullRange = Range{From: 0, To: Latest}

// Contains reports whether block falls inside the range.
func (r Range) Contains(block uint64) bool {
	if block < r.From {
		return false
	}
	return r.To == Latest || block <= r.To
}

// Handler receives live events for one subscription.
//
// OnEvent is invoked once per event in emission order, never concurrently
// for the same subscription. OnLost and OnRestored are optional and report
// feed connectivity; after OnRestored the subscription is live again but any
// events emitted while it was down were not delivered.
type Handler struct {
	OnEvent    func(messages.RawEvent)
	OnLost     func(err error)
	OnRestored func()
}

// Subscription is a live registration. Once Unsubscribe returns, none of the
// handler's callbacks will run again.
type Subscription interface {
	Unsubscribe()
}

// PendingTx identifies a submitted transaction awaiting confirmation.
type PendingTx struct {
	ID string `json:"tx_id"`
}

// Receipt statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusReverted  = "reverted"
)

// Receipt is the ledger's final word on a transaction.
type Receipt struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Block  uint64 `json:"block,omitempty"`
}

// Final reports whether the receipt is settled.
func (r Receipt) Final() bool {
	return r.Status == StatusConfirmed || r.Status == StatusReverted
}

// Err converts a reverted receipt into a *TxError.
func (r Receipt) Err() error {
	if r.Status == StatusReverted {
		return &TxError{Reason: r.Reason, Err: ErrReverted}
	}
	return nil
}

// GroupDetails is the result of getGroupDetails.
type GroupDetails struct {
	ID      types.GroupID   `json:"id"`
	Name    string          `json:"name"`
	Owner   types.Address   `json:"owner"`
	Members []types.Address `json:"members"`
}
