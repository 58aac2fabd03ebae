package dchat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

// Short addresses for pure tests; the memory ledger tests use real ones.
const (
	selfAddr     = types.Address("0xAA")
	peerAddr     = types.Address("0xBB")
	strangerAddr = types.Address("0xCC")
)

const (
	alice = types.Address("0xa11ce00000000000000000000000000000000001")
	bob   = types.Address("0xb0b0000000000000000000000000000000000002")
	carol = types.Address("0xca201000000000000000000000000000000000c3")
	dave  = types.Address("0xd4e0000000000000000000000000000000000004")
)

func directText(from, to types.Address, text string, ts int64, seq uint64) messages.RawEvent {
	return messages.RawEvent{
		Kind:       messages.KindDirectText,
		Timestamp:  ts,
		Sequence:   seq,
		DirectText: &messages.DirectTextPayload{From: from, To: to, Message: text},
	}
}

func directFile(from, to types.Address, cid, name string, ts int64, seq uint64) messages.RawEvent {
	return messages.RawEvent{
		Kind:             messages.KindDirectAttachment,
		Timestamp:        ts,
		Sequence:         seq,
		DirectAttachment: &messages.DirectAttachmentPayload{From: from, To: to, ContentID: cid, FileName: name},
	}
}

func groupText(from types.Address, group types.GroupID, text string, ts int64, seq uint64) messages.RawEvent {
	return messages.RawEvent{
		Kind:      messages.KindGroupText,
		Timestamp: ts,
		Sequence:  seq,
		GroupText: &messages.GroupTextPayload{From: from, GroupID: group, Message: text},
	}
}

// fakeHistory serves a fixed event list, optionally failing the first calls.
type fakeHistory struct {
	mu       sync.Mutex
	events   []messages.RawEvent
	failures int
	filters  []ledger.Filter
}

func (h *fakeHistory) QueryHistorical(ctx context.Context, f ledger.Filter, r ledger.Range) ([]messages.RawEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filters = append(h.filters, f)
	if h.failures > 0 {
		h.failures--
		return nil, fmt.Errorf("%w: node unreachable", ledger.ErrQueryFailed)
	}
	var result []messages.RawEvent
	for _, e := range h.events {
		if f.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (h *fakeHistory) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.filters)
}

// fakeUsers resolves names from a map keyed by normalized address.
type fakeUsers struct {
	mu      sync.Mutex
	names   map[types.Address]string
	failing map[types.Address]bool
	lookups map[types.Address]int
}

func newFakeUsers(names map[types.Address]string) *fakeUsers {
	u := &fakeUsers{names: map[types.Address]string{}, failing: map[types.Address]bool{}, lookups: map[types.Address]int{}}
	for addr, name := range names {
		u.names[addr.Normalized()] = name
	}
	return u
}

func (u *fakeUsers) fail(addr types.Address, failing bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing[addr.Normalized()] = failing
}

func (u *fakeUsers) GetUser(ctx context.Context, addr types.Address) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := addr.Normalized()
	u.lookups[key]++
	if u.failing[key] {
		return "", fmt.Errorf("lookup of %s timed out", addr)
	}
	return u.names[key], nil
}

func (u *fakeUsers) count(addr types.Address) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lookups[addr.Normalized()]
}

// chatLedger returns a memory ledger where alice, bob, carol are registered,
// alice is friends with bob and carol, and group 1 ("crew") holds alice and bob.
func chatLedger(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemoryLedger()
	for addr, name := range map[types.Address]string{alice: "alice", bob: "bob", carol: "carol"} {
		submit(t, l, addr, ledger.CreateUser(name))
	}
	submit(t, l, alice, ledger.AddFriend(bob))
	submit(t, l, alice, ledger.AddFriend(carol))
	submit(t, l, alice, ledger.CreateGroup("crew", []types.Address{bob}))
	return l
}

func submit(t *testing.T, l *ledger.MemoryLedger, from types.Address, op ledger.Operation) {
	t.Helper()
	ctx := context.Background()
	tx, err := l.SubmitAs(ctx, from, op)
	require.NoError(t, err)
	_, err = l.AwaitConfirmation(ctx, tx)
	require.NoError(t, err)
}

func newTestView(l *ledger.MemoryLedger, self types.Address) *View {
	view := NewView(self, l, l, NewNameCache(l, time.Second))
	view.Reconciler().Backoff = time.Millisecond
	return view
}

func openActive(t *testing.T, view *View, ref types.ConversationRef) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := view.Open(ctx, ref)
	require.NoError(t, err)
	require.NoError(t, s.Wait(ctx))
	require.Equal(t, StateActive, s.State())
	return s
}

func texts(msgs []Message) []string {
	result := make([]string, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, m.Text)
	}
	return result
}
