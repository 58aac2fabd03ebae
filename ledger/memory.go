package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

// MemoryLedger emulates the chat contract in memory.
//
// It enforces the contract's rules (registration, friendship, membership),
// mines every accepted transaction into its own block, records the emitted
// events, and fans them out to live subscribers in emission order. Tests use
// it as the single collaborator for queries, subscriptions, submissions and
// reads; the devnet binary serves it over HTTP and bridges it to MQTT.
type MemoryLedger struct {
	mu    sync.Mutex
	clock func() time.Time

	block  uint64
	seq    uint64
	events []messages.RawEvent

	users      map[types.Address]string // normalized address -> username
	usernames  map[string]types.Address // lowercase username -> address
	friends    map[types.Address][]types.Address
	groups     map[types.GroupID]*GroupDetails
	userGroups map[types.Address][]types.GroupID
	nextGroup  types.GroupID
	receipts   map[string]Receipt

	subs map[messages.EventKind]map[*memorySubscription]struct{}
	down bool

	// dispatchMu serializes mining+delivery so subscribers see emission order.
	dispatchMu sync.Mutex

	listeners        []func(messages.RawEvent)
	receiptListeners []func(Receipt)

	// Fault injection for tests
	failQueries int
	queryGate   chan struct{}
	declineNext string
	queryCount  int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		clock:      time.Now,
		users:      make(map[types.Address]string),
		usernames:  make(map[string]types.Address),
		friends:    make(map[types.Address][]types.Address),
		groups:     make(map[types.GroupID]*GroupDetails),
		userGroups: make(map[types.Address][]types.GroupID),
		nextGroup:  1,
		receipts:   make(map[string]Receipt),
		subs:       make(map[messages.EventKind]map[*memorySubscription]struct{}),
	}
}

// SetClock overrides the block time source.
func (l *MemoryLedger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// AddListener registers a callback for every event, after it is recorded.
// Listeners are not subscriptions: they ignore DropSubscriptions.
func (l *MemoryLedger) AddListener(fn func(messages.RawEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// AddReceiptListener registers a callback for every settled transaction.
func (l *MemoryLedger) AddReceiptListener(fn func(Receipt)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptListeners = append(l.receiptListeners, fn)
}

// === Historical queries ===

// QueryHistorical returns recorded events matching filter inside r.
func (l *MemoryLedger) QueryHistorical(ctx context.Context, filter Filter, r Range) ([]messages.RawEvent, error) {
	l.mu.Lock()
	l.queryCount++
	gate := l.queryGate
	if l.failQueries > 0 {
		l.failQueries--
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: injected failure", ErrQueryFailed, filter)
	}
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var result []messages.RawEvent
	for _, e := range l.events {
		if r.Contains(e.Block) && filter.Matches(e) {
			result = append(result, e)
		}
	}
	return result, nil
}

// QueryCount returns how many historical queries have been issued.
func (l *MemoryLedger) QueryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryCount
}

// FailQueries makes the next n historical queries fail with ErrQueryFailed.
func (l *MemoryLedger) FailQueries(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failQueries = n
}

// HoldQueries makes historical queries block until the returned release
// function is called (or their context ends).
func (l *MemoryLedger) HoldQueries() (release func()) {
	gate := make(chan struct{})
	l.mu.Lock()
	l.queryGate = gate
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.queryGate == gate {
				l.queryGate = nil
			}
			l.mu.Unlock()
			close(gate)
		})
	}
}

// === Live subscriptions ===

type memorySubscription struct {
	ledger  *MemoryLedger
	kind    messages.EventKind
	handler Handler

	mu     sync.Mutex
	closed bool
}

// run invokes fn under the subscription lock unless it has been closed.
// Holding the lock across the callback is what lets Unsubscribe promise
// that nothing runs after it returns.
func (s *memorySubscription) run(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn()
}

// Unsubscribe implements Subscription. It must not be called from inside
// the subscription's own callback.
func (s *memorySubscription) Unsubscribe() {
	s.ledger.mu.Lock()
	delete(s.ledger.subs[s.kind], s)
	s.ledger.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Subscribe registers h for future events of kind.
func (l *MemoryLedger) Subscribe(kind messages.EventKind, h Handler) (Subscription, error) {
	if h.OnEvent == nil {
		return nil, errors.New("subscribe: OnEvent is required")
	}
	sub := &memorySubscription{ledger: l, kind: kind, handler: h}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[kind] == nil {
		l.subs[kind] = make(map[*memorySubscription]struct{})
	}
	l.subs[kind][sub] = struct{}{}
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions for kind.
func (l *MemoryLedger) SubscriberCount(kind messages.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[kind])
}

// DropSubscriptions simulates the live feed going away. Events keep being
// recorded but are not delivered until RestoreSubscriptions.
func (l *MemoryLedger) DropSubscriptions(cause error) {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()

	l.mu.Lock()
	l.down = true
	subs := l.allSubsLocked()
	l.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	for _, sub := range subs {
		if sub.handler.OnLost != nil {
			sub.run(func() { sub.handler.OnLost(err) })
		}
	}
}

// RestoreSubscriptions brings the live feed back.
func (l *MemoryLedger) RestoreSubscriptions() {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()

	l.mu.Lock()
	l.down = false
	subs := l.allSubsLocked()
	l.mu.Unlock()

	for _, sub := range subs {
		if sub.handler.OnRestored != nil {
			sub.run(sub.handler.OnRestored)
		}
	}
}

func (l *MemoryLedger) allSubsLocked() []*memorySubscription {
	var subs []*memorySubscription
	for _, byKind := range l.subs {
		for sub := range byKind {
			subs = append(subs, sub)
		}
	}
	return subs
}

// dispatch delivers events to listeners and subscribers. Caller holds dispatchMu.
func (l *MemoryLedger) dispatch(events []messages.RawEvent, receipt *Receipt) {
	for _, e := range events {
		l.mu.Lock()
		listeners := append([]func(messages.RawEvent){}, l.listeners...)
		var subs []*memorySubscription
		if !l.down {
			for sub := range l.subs[e.Kind] {
				subs = append(subs, sub)
			}
		}
		l.mu.Unlock()

		for _, fn := range listeners {
			fn(e)
		}
		for _, sub := range subs {
			ev := e
			sub.run(func() { sub.handler.OnEvent(ev) })
		}
	}
	if receipt != nil {
		l.mu.Lock()
		listeners := append([]func(Receipt){}, l.receiptListeners...)
		l.mu.Unlock()
		for _, fn := range listeners {
			fn(*receipt)
		}
	}
}

// Inject records a raw event exactly as given (assigning block and sequence
// only when zero) and delivers it to subscribers.
func (l *MemoryLedger) Inject(e messages.RawEvent) messages.RawEvent {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()
	e = l.record(e)
	l.dispatch([]messages.RawEvent{e}, nil)
	return e
}

// Backfill records raw events without delivering them to anyone, as if they
// were emitted before any current subscription existed.
func (l *MemoryLedger) Backfill(events ...messages.RawEvent) {
	for _, e := range events {
		l.record(e)
	}
}

func (l *MemoryLedger) record(e messages.RawEvent) messages.RawEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Block == 0 {
		l.block++
		e.Block = l.block
	} else if e.Block > l.block {
		l.block = e.Block
	}
	if e.Sequence == 0 {
		l.seq++
		e.Sequence = l.seq
	} else if e.Sequence > l.seq {
		l.seq = e.Sequence
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.clock().Unix()
	}
	l.events = append(l.events, e)
	return e
}

// Events returns a copy of every recorded event.
func (l *MemoryLedger) Events() []messages.RawEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]messages.RawEvent, len(l.events))
	copy(result, l.events)
	return result
}

// === Transactions ===

// DeclineNext makes the next submission fail at broadcast with reason.
func (l *MemoryLedger) DeclineNext(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.declineNext = reason
}

// SubmitAs executes op on behalf of from. The transaction is mined
// immediately; its receipt is available to AwaitConfirmation.
func (l *MemoryLedger) SubmitAs(ctx context.Context, from types.Address, op Operation) (PendingTx, error) {
	if err := ctx.Err(); err != nil {
		return PendingTx{}, err
	}

	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()

	l.mu.Lock()
	if reason := l.declineNext; reason != "" {
		l.declineNext = ""
		l.mu.Unlock()
		return PendingTx{}, &TxError{Reason: reason, Err: ErrDeclined}
	}

	tx := PendingTx{ID: uuid.NewString()}
	now := l.clock().Unix()
	l.block++
	block := l.block

	payloads, err := l.applyLocked(from, op)
	receipt := Receipt{TxID: tx.ID, Status: StatusConfirmed, Block: block}
	var emitted []messages.RawEvent
	if err != nil {
		receipt.Status = StatusReverted
		receipt.Reason = err.Error()
		logrus.Debugf("⛔ %s from %s reverted: %v", op.Op, from, err)
	} else {
		for _, e := range payloads {
			l.seq++
			e.Block = block
			e.Sequence = l.seq
			e.Timestamp = now
			l.events = append(l.events, e)
			emitted = append(emitted, e)
		}
	}
	l.receipts[tx.ID] = receipt
	l.mu.Unlock()

	l.dispatch(emitted, &receipt)
	return tx, nil
}

// AwaitConfirmation returns the receipt for tx. Reverted transactions come
// back with a *TxError.
func (l *MemoryLedger) AwaitConfirmation(ctx context.Context, tx PendingTx) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	receipt, ok := l.receipts[tx.ID]
	l.mu.Unlock()
	if !ok {
		return Receipt{}, fmt.Errorf("unknown transaction %s", tx.ID)
	}
	return receipt, receipt.Err()
}

// Receipt returns the stored receipt for id, if any.
func (l *MemoryLedger) Receipt(id string) (Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[id]
	return r, ok
}

// As returns a view of the ledger that submits as from.
func (l *MemoryLedger) As(from types.Address) *MemoryAccount {
	return &MemoryAccount{MemoryLedger: l, from: from}
}

// MemoryAccount binds a MemoryLedger to a sender address.
type MemoryAccount struct {
	*MemoryLedger
	from types.Address
}

// Submit implements submission for the bound account.
func (a *MemoryAccount) Submit(ctx context.Context, op Operation) (PendingTx, error) {
	return a.SubmitAs(ctx, a.from, op)
}

// From returns the bound account.
func (a *MemoryAccount) From() types.Address {
	return a.from
}

// applyLocked runs the contract rules and returns the events to emit.
func (l *MemoryLedger) applyLocked(from types.Address, op Operation) ([]messages.RawEvent, error) {
	sender := from.Normalized()

	if op.Op == OpCreateUser {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, errors.New("Username cannot be empty")
		}
		if _, ok := l.users[sender]; ok {
			return nil, errors.New("User already registered")
		}
		if _, taken := l.usernames[strings.ToLower(name)]; taken {
			return nil, errors.New("Username already taken")
		}
		l.users[sender] = name
		l.usernames[strings.ToLower(name)] = from
		return nil, nil
	}

	if _, ok := l.users[sender]; !ok {
		return nil, errors.New("User not registered")
	}

	switch op.Op {
	case OpAddFriendByUsername:
		addr, ok := l.usernames[strings.ToLower(strings.TrimSpace(op.Name))]
		if !ok {
			return nil, errors.New("User not found")
		}
		return l.addFriendLocked(from, addr)

	case OpAddFriend:
		return l.addFriendLocked(from, op.Peer)

	case OpCreateGroup:
		if strings.TrimSpace(op.Name) == "" {
			return nil, errors.New("Group name cannot be empty")
		}
		members := []types.Address{from}
		seen := map[types.Address]bool{sender: true}
		for _, m := range op.Members {
			if seen[m.Normalized()] {
				continue
			}
			if _, ok := l.users[m.Normalized()]; !ok {
				return nil, fmt.Errorf("Member %s not registered", m)
			}
			seen[m.Normalized()] = true
			members = append(members, m)
		}
		id := l.nextGroup
		l.nextGroup++
		l.groups[id] = &GroupDetails{ID: id, Name: op.Name, Owner: from, Members: members}
		events := []messages.RawEvent{{
			Kind:         messages.KindGroupCreated,
			GroupCreated: &messages.GroupCreatedPayload{GroupID: id, Name: op.Name, Owner: from},
		}}
		for _, m := range members {
			l.userGroups[m.Normalized()] = append(l.userGroups[m.Normalized()], id)
			events = append(events, messages.RawEvent{
				Kind:        messages.KindMemberAddedToGroup,
				MemberAdded: &messages.MemberAddedPayload{GroupID: id, Member: m},
			})
		}
		return events, nil

	case OpSendMessageText, OpSendMessageIPFS:
		if !l.areFriendsLocked(from, op.Peer) {
			return nil, errors.New("You are not friends with this user")
		}
		if op.Op == OpSendMessageText {
			if op.Text == "" {
				return nil, errors.New("Message cannot be empty")
			}
			return []messages.RawEvent{{
				Kind:       messages.KindDirectText,
				DirectText: &messages.DirectTextPayload{From: from, To: op.Peer, Message: op.Text},
			}}, nil
		}
		if op.ContentID == "" {
			return nil, errors.New("IPFS hash cannot be empty")
		}
		return []messages.RawEvent{{
			Kind: messages.KindDirectAttachment,
			DirectAttachment: &messages.DirectAttachmentPayload{
				From: from, To: op.Peer, ContentID: op.ContentID, FileName: op.FileName,
			},
		}}, nil

	case OpSendGroupTextMessage, OpSendGroupIPFSMessage:
		group, ok := l.groups[op.Group]
		if !ok {
			return nil, errors.New("Group does not exist")
		}
		if !containsAddress(group.Members, from) {
			return nil, errors.New("You are not a member of this group")
		}
		if op.Op == OpSendGroupTextMessage {
			if op.Text == "" {
				return nil, errors.New("Message cannot be empty")
			}
			return []messages.RawEvent{{
				Kind:      messages.KindGroupText,
				GroupText: &messages.GroupTextPayload{From: from, GroupID: op.Group, Message: op.Text},
			}}, nil
		}
		if op.ContentID == "" {
			return nil, errors.New("IPFS hash cannot be empty")
		}
		return []messages.RawEvent{{
			Kind: messages.KindGroupAttachment,
			GroupAttachment: &messages.GroupAttachmentPayload{
				From: from, GroupID: op.Group, ContentID: op.ContentID, FileName: op.FileName,
			},
		}}, nil
	}

	return nil, fmt.Errorf("unknown operation %q", op.Op)
}

func (l *MemoryLedger) addFriendLocked(from, friend types.Address) ([]messages.RawEvent, error) {
	if from.Equal(friend) {
		return nil, errors.New("You cannot add yourself as a friend")
	}
	if _, ok := l.users[friend.Normalized()]; !ok {
		return nil, errors.New("Friend is not registered")
	}
	if l.areFriendsLocked(from, friend) {
		return nil, errors.New("Already friends")
	}
	l.friends[from.Normalized()] = append(l.friends[from.Normalized()], friend)
	l.friends[friend.Normalized()] = append(l.friends[friend.Normalized()], from)
	return []messages.RawEvent{{
		Kind:        messages.KindFriendAdded,
		FriendAdded: &messages.FriendAddedPayload{User1: from, User2: friend},
	}}, nil
}

func (l *MemoryLedger) areFriendsLocked(a, b types.Address) bool {
	return containsAddress(l.friends[a.Normalized()], b)
}

func containsAddress(list []types.Address, addr types.Address) bool {
	for _, a := range list {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// === Read calls ===

// GetUser returns the username for addr, or "" when unregistered.
func (l *MemoryLedger) GetUser(ctx context.Context, addr types.Address) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[addr.Normalized()], nil
}

// GetFriendList returns addr's friends in the order they were added.
func (l *MemoryLedger) GetFriendList(ctx context.Context, addr types.Address) ([]types.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Address{}, l.friends[addr.Normalized()]...), nil
}

// GetUserGroups returns the groups addr belongs to.
func (l *MemoryLedger) GetUserGroups(ctx context.Context, addr types.Address) ([]types.GroupID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.GroupID{}, l.userGroups[addr.Normalized()]...), nil
}

// GetGroupDetails returns a group's details.
func (l *MemoryLedger) GetGroupDetails(ctx context.Context, id types.GroupID) (GroupDetails, error) {
	if err := ctx.Err(); err != nil {
		return GroupDetails{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groups[id]
	if !ok {
		return GroupDetails{}, errors.New("Group does not exist")
	}
	details := *g
	details.Members = append([]types.Address{}, g.Members...)
	return details, nil
}
