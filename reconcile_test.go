package dchat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

func testReconciler(history HistorySource, users *fakeUsers) *Reconciler {
	r := NewReconciler(selfAddr, history, NewNameCache(users, time.Second))
	r.Backoff = time.Millisecond
	return r
}

func TestReconcile_OrdersBySequenceWithinTimestamp(t *testing.T) {
	history := &fakeHistory{events: []messages.RawEvent{
		directText(selfAddr, peerAddr, "hi", 100, 1),
		directText(peerAddr, selfAddr, "hey", 100, 0),
	}}
	users := newFakeUsers(map[types.Address]string{selfAddr: "alice", peerAddr: "bob"})

	tl, err := testReconciler(history, users).Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)

	msgs := tl.Messages()
	assert.Equal(t, []string{"hey", "hi"}, texts(msgs))
	assert.Equal(t, "bob", msgs[0].SenderName)
	assert.Equal(t, "alice", msgs[1].SenderName)
}

func TestReconcile_DirectQueriesBothDirectionsAndKinds(t *testing.T) {
	history := &fakeHistory{}
	r := testReconciler(history, newFakeUsers(nil))

	_, err := r.Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)

	assert.ElementsMatch(t, []ledger.Filter{
		{Kind: messages.KindDirectText, From: selfAddr, To: peerAddr},
		{Kind: messages.KindDirectText, From: peerAddr, To: selfAddr},
		{Kind: messages.KindDirectAttachment, From: selfAddr, To: peerAddr},
		{Kind: messages.KindDirectAttachment, From: peerAddr, To: selfAddr},
	}, history.filters)
}

func TestReconcile_GroupQueriesBothKinds(t *testing.T) {
	history := &fakeHistory{events: []messages.RawEvent{
		groupText(peerAddr, 7, "in seven", 10, 1),
		groupText(peerAddr, 8, "in eight", 11, 2),
	}}
	r := testReconciler(history, newFakeUsers(map[types.Address]string{peerAddr: "bob"}))

	tl, err := r.Reconcile(context.Background(), types.Group(7))
	require.NoError(t, err)

	assert.Len(t, history.filters, 2)
	for _, f := range history.filters {
		require.NotNil(t, f.Group)
		assert.Equal(t, types.GroupID(7), *f.Group)
	}
	assert.Equal(t, []string{"in seven"}, texts(tl.Messages()))
}

func TestReconcile_ExcludesOtherConversations(t *testing.T) {
	history := &fakeHistory{events: []messages.RawEvent{
		directText(peerAddr, selfAddr, "for me", 10, 1),
		directFile(strangerAddr, peerAddr, "QmX", "x.png", 11, 2),
		directText(selfAddr, strangerAddr, "someone else", 12, 3),
	}}
	r := testReconciler(history, newFakeUsers(nil))

	tl, err := r.Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)
	assert.Equal(t, []string{"for me"}, texts(tl.Messages()))
}

// overmatchingHistory ignores filters and returns everything.
type overmatchingHistory struct {
	events []messages.RawEvent
}

func (h overmatchingHistory) QueryHistorical(ctx context.Context, f ledger.Filter, r ledger.Range) ([]messages.RawEvent, error) {
	return h.events, nil
}

func TestReconcile_DropsOvermatchedAndDuplicateEvents(t *testing.T) {
	history := overmatchingHistory{events: []messages.RawEvent{
		directText(peerAddr, selfAddr, "one", 10, 1),
		directText(strangerAddr, selfAddr, "spam", 11, 2),
		directText(selfAddr, peerAddr, "two", 12, 3),
	}}
	r := testReconciler(history, newFakeUsers(nil))

	tl, err := r.Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)

	// Every one of the four queries returned the same events.
	assert.Equal(t, []string{"one", "two"}, texts(tl.Messages()))
}

func TestReconcile_RetriesTransientFailures(t *testing.T) {
	history := &fakeHistory{
		events:   []messages.RawEvent{directText(peerAddr, selfAddr, "eventually", 10, 1)},
		failures: 2,
	}
	r := testReconciler(history, newFakeUsers(nil))
	r.Attempts = 3

	tl, err := r.Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)
	assert.Equal(t, []string{"eventually"}, texts(tl.Messages()))
	assert.Equal(t, 6, history.calls(), "four queries plus two retries")
}

func TestReconcile_FailsWhenRetriesRunOut(t *testing.T) {
	history := &fakeHistory{failures: 100}
	r := testReconciler(history, newFakeUsers(nil))
	r.Attempts = 2

	tl, err := r.Reconcile(context.Background(), types.Group(3))
	assert.Nil(t, tl)
	require.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.ErrorIs(t, err, ledger.ErrQueryFailed)
	assert.GreaterOrEqual(t, history.calls(), 2)
	assert.LessOrEqual(t, history.calls(), 4)
}

func TestReconcile_UnresolvedSendersAreUnknown(t *testing.T) {
	history := &fakeHistory{events: []messages.RawEvent{
		directText(peerAddr, selfAddr, "from bob", 10, 1),
		directText(selfAddr, peerAddr, "from me", 11, 2),
	}}
	users := newFakeUsers(map[types.Address]string{selfAddr: "alice", peerAddr: "bob"})
	users.fail(peerAddr, true)

	tl, err := testReconciler(history, users).Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, UnknownName, msgs[0].SenderName)
	assert.Equal(t, "alice", msgs[1].SenderName)
}

func TestReconcile_EmptyHistory(t *testing.T) {
	tl, err := testReconciler(&fakeHistory{}, newFakeUsers(nil)).Reconcile(context.Background(), types.Direct(peerAddr))
	require.NoError(t, err)
	assert.Equal(t, 0, tl.Len())
}

func TestReconcile_AgainstMemoryLedger(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, alice, ledger.SendMessageText(bob, "hello bob"))
	submit(t, l, bob, ledger.SendMessageText(alice, "hi alice"))
	submit(t, l, alice, ledger.SendMessageText(carol, "not for bob"))
	submit(t, l, bob, ledger.SendGroupTextMessage(1, "crew news"))

	r := NewReconciler(alice, l, NewNameCache(l, time.Second))
	tl, err := r.Reconcile(context.Background(), types.Direct(bob))
	require.NoError(t, err)

	msgs := tl.Messages()
	assert.Equal(t, []string{"hello bob", "hi alice"}, texts(msgs))
	assert.Equal(t, "alice", msgs[0].SenderName)
	assert.Equal(t, "bob", msgs[1].SenderName)
}
