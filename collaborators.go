package dchat

import (
	"context"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

// HistorySource answers historical event queries.
type HistorySource interface {
	QueryHistorical(ctx context.Context, filter ledger.Filter, r ledger.Range) ([]messages.RawEvent, error)
}

// LiveFeed delivers future events.
type LiveFeed interface {
	Subscribe(kind messages.EventKind, h ledger.Handler) (ledger.Subscription, error)
}

// Submitter sends state-changing operations as one account.
type Submitter interface {
	Submit(ctx context.Context, op ledger.Operation) (ledger.PendingTx, error)
	AwaitConfirmation(ctx context.Context, tx ledger.PendingTx) (ledger.Receipt, error)
}

// UserLookup resolves an address to its registered username.
type UserLookup interface {
	GetUser(ctx context.Context, addr types.Address) (string, error)
}

// Reader is the read-only contract surface.
type Reader interface {
	UserLookup
	GetFriendList(ctx context.Context, addr types.Address) ([]types.Address, error)
	GetUserGroups(ctx context.Context, addr types.Address) ([]types.GroupID, error)
	GetGroupDetails(ctx context.Context, id types.GroupID) (ledger.GroupDetails, error)
}
