package dchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/runtime"
	"github.com/eljojo/dchat/types"
)

// SessionState is where a Session is in its lifecycle.
type SessionState int

const (
	StateClosed SessionState = iota
	StateOpening
	StateActive
)

func (s SessionState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	}
	return "closed"
}

// StatusListener is told about state and staleness changes.
type StatusListener func(state SessionState, stale bool)

// View owns the single open conversation of one user-facing view.
//
// Opening a conversation closes the previous one first, so two sessions of
// one View never overlap. Every session is stamped with a generation; a
// callback or reconciliation result carrying an old generation is ignored.
type View struct {
	self       types.Address
	feed       LiveFeed
	names      *NameCache
	reconciler *Reconciler
	sender     *SendCoordinator
	log        *runtime.ServiceLog

	mu         sync.Mutex // serializes Open and Close
	generation atomic.Uint64
	current    *Session
}

// NewView creates a view for self.
func NewView(self types.Address, history HistorySource, feed LiveFeed, names *NameCache) *View {
	return &View{
		self:       self,
		feed:       feed,
		names:      names,
		reconciler: NewReconciler(self, history, names),
		log:        runtime.NewServiceLog("session", nil),
	}
}

// Reconciler exposes the reconciler so callers can tune retries.
func (v *View) Reconciler() *Reconciler {
	return v.reconciler
}

// SetSender attaches the coordinator used by Session.Send.
func (v *View) SetSender(sender *SendCoordinator) {
	v.sender = sender
}

// Self returns the account this view belongs to.
func (v *View) Self() types.Address {
	return v.self
}

// Current returns the most recently opened session, or nil.
func (v *View) Current() *Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Open closes the current session and starts a new one for ref.
//
// The returned session is Opening: live subscriptions are already armed and
// reconciliation runs in the background. Use Wait to block until it is
// Active or has failed.
func (v *View) Open(ctx context.Context, ref types.ConversationRef) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.current != nil {
		v.current.teardown(ErrSessionClosed)
		v.current = nil
	}

	gen := v.generation.Add(1)
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		view:   v,
		ref:    ref,
		gen:    gen,
		state:  StateOpening,
		lost:   make(map[messages.EventKind]bool),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		log:    v.log.With("conversation", ref.String()),
	}
	activeSessions.Inc()
	go s.deliver()

	kinds := messages.DirectKinds
	if ref.IsGroup() {
		kinds = messages.GroupKinds
	}
	subs := make([]ledger.Subscription, 0, len(kinds))
	for _, kind := range kinds {
		kind := kind
		sub, err := v.feed.Subscribe(kind, ledger.Handler{
			OnEvent:    func(e messages.RawEvent) { s.onEvent(gen, e) },
			OnLost:     func(err error) { s.onLost(gen, kind, err) },
			OnRestored: func() { s.onRestored(gen, kind) },
		})
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			s.teardown(fmt.Errorf("subscribe %s: %w", kind, err))
			return nil, s.err
		}
		subs = append(subs, sub)
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()

	v.current = s
	v.log.Info("🔌 opening %s (generation %d)", ref, gen)

	go s.reconcile()
	return s, nil
}

// Close closes the current session, if any.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current != nil {
		v.current.teardown(ErrSessionClosed)
		v.current = nil
	}
}

// Session is one open conversation.
type Session struct {
	view *View
	ref  types.ConversationRef
	gen  uint64
	log  *runtime.ServiceLog

	mu        sync.Mutex
	state     SessionState
	engine    *MergeEngine
	buffer    []messages.RawEvent
	subs      []ledger.Subscription
	lost      map[messages.EventKind]bool
	stale     bool
	catchUp   bool // a restore happened while Opening
	err       error
	listeners []TimelineListener
	status    []StatusListener

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	tornDown bool

	// Listener calls are queued here and run on the session's own
	// goroutine, never on a feed callback.
	queueMu   sync.Mutex
	queue     []func()
	queueStop bool
	wake      chan struct{}
}

// Ref returns the conversation this session shows.
func (s *Session) Ref() types.ConversationRef {
	return s.ref
}

// Generation returns the session's generation number.
func (s *Session) Generation() uint64 {
	return s.gen
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stale reports whether the timeline may be missing events: the live feed
// dropped and no catch-up has succeeded since.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Err returns why the session closed, if it did.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Timeline returns the live timeline, or nil unless Active.
func (s *Session) Timeline() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	return s.engine.Timeline()
}

// Messages returns a snapshot of the timeline; empty unless Active.
func (s *Session) Messages() []Message {
	if t := s.Timeline(); t != nil {
		return t.Messages()
	}
	return nil
}

// AddListener registers a callback for every message appended once the
// session is Active, from the live feed or a catch-up. Callbacks run in
// order on the session's delivery goroutine. None starts after the session
// is closed, though one already running may finish. A listener may close
// the session or open another conversation.
func (s *Session) AddListener(listener TimelineListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Follow returns the current messages and registers listener for every
// message appended after them, so nothing falls between the two.
func (s *Session) Follow(listener TimelineListener) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
	if s.state != StateActive {
		return nil
	}
	return s.engine.Timeline().Messages()
}

// AddStatusListener registers a callback for state and staleness changes.
func (s *Session) AddStatusListener(listener StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, listener)
}

// Wait blocks until reconciliation finishes. It returns nil once Active,
// or the reason the session closed.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive {
		return nil
	}
	return s.err
}

// Close closes this session if it is still the view's current one.
func (s *Session) Close() {
	v := s.view
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == s {
		v.current = nil
	}
	s.teardown(ErrSessionClosed)
}

// Send sends content to this session's conversation. The message appears in
// the timeline only once the ledger emits its event.
func (s *Session) Send(ctx context.Context, content Content) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	if s.view.sender == nil {
		return errors.New("view has no sender")
	}
	return s.view.sender.Send(ctx, s.ref, content)
}

// Refresh re-runs the historical queries and merges anything missing
// through the same dedup path as live events. On success it clears the
// stale flag, unless the live feed is still down.
func (s *Session) Refresh(ctx context.Context) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}

	timeline, err := s.view.reconciler.Reconcile(ctx, s.ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateActive || !s.isCurrent(s.gen) {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var added []Message
	for _, m := range timeline.Messages() {
		if s.engine.Timeline().Append(m) {
			added = append(added, m)
		}
	}
	if len(s.lost) == 0 {
		s.stale = false
	}
	notify := s.statusLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.post(notify)
	s.emit(listeners, added...)
	s.log.Info("📜 %s caught up: %d new messages", s.ref, len(added))
	return nil
}

func (s *Session) isCurrent(gen uint64) bool {
	return gen == s.gen && s.view.generation.Load() == gen
}

// emit queues appended messages for timeline listeners.
func (s *Session) emit(listeners []TimelineListener, msgs ...Message) {
	if len(msgs) == 0 || len(listeners) == 0 {
		return
	}
	s.post(func() {
		for _, m := range msgs {
			for _, l := range listeners {
				if s.ctx.Err() != nil || !s.isCurrent(s.gen) {
					return
				}
				l(m)
			}
		}
	})
}

// post queues fn for the delivery goroutine. Posts after teardown are dropped.
func (s *Session) post(fn func()) {
	s.queueMu.Lock()
	if s.queueStop {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stopDelivery lets the delivery goroutine drain what is queued and exit.
func (s *Session) stopDelivery() {
	s.queueMu.Lock()
	s.queueStop = true
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver runs queued listener calls in order until stopDelivery.
func (s *Session) deliver() {
	for range s.wake {
		for {
			s.queueMu.Lock()
			batch, stop := s.queue, s.queueStop
			s.queue = nil
			s.queueMu.Unlock()
			if len(batch) == 0 {
				if stop {
					return
				}
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// statusLocked snapshots the status and returns a func that reports it to
// status listeners. Call the func after unlocking.
func (s *Session) statusLocked() func() {
	state, stale := s.state, s.stale
	listeners := s.status
	return func() {
		for _, l := range listeners {
			l(state, stale)
		}
	}
}

// onEvent runs on the feed's delivery goroutine.
func (s *Session) onEvent(gen uint64, e messages.RawEvent) {
	s.mu.Lock()
	if !s.isCurrent(gen) {
		s.mu.Unlock()
		return
	}
	var appended bool
	var msg Message
	switch s.state {
	case StateOpening:
		s.buffer = append(s.buffer, e)
	case StateActive:
		msg, appended = s.engine.OnLiveEvent(s.ctx, e)
	}
	listeners := s.listeners
	s.mu.Unlock()

	if appended {
		s.emit(listeners, msg)
	}
}

func (s *Session) onLost(gen uint64, kind messages.EventKind, err error) {
	s.mu.Lock()
	if !s.isCurrent(gen) || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.log.Warn("📡 %s: %v", s.ref, fmt.Errorf("%w: %s: %v", ErrSubscriptionLost, kind, err))
	s.lost[kind] = true
	s.stale = true
	notify := s.statusLocked()
	s.mu.Unlock()
	s.post(notify)
}

func (s *Session) onRestored(gen uint64, kind messages.EventKind) {
	s.mu.Lock()
	if !s.isCurrent(gen) || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	delete(s.lost, kind)
	ready := len(s.lost) == 0
	opening := s.state == StateOpening
	if opening {
		s.catchUp = true
	}
	s.mu.Unlock()

	if ready && !opening {
		go s.runCatchUp()
	}
}

func (s *Session) runCatchUp() {
	if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn("📜 %s: catch-up failed, still stale: %v", s.ref, err)
	}
}

// reconcile runs in its own goroutine after Open.
func (s *Session) reconcile() {
	timeline, err := s.view.reconciler.Reconcile(s.ctx, s.ref)

	s.mu.Lock()
	if s.state != StateOpening || !s.isCurrent(s.gen) || s.ctx.Err() != nil {
		// Closed while reconciling; the result belongs to nobody.
		s.mu.Unlock()
		s.log.Debug("discarding reconciliation for closed %s", s.ref)
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("📜 %s: %v", s.ref, err)
		s.teardown(err)
		return
	}

	s.engine = NewMergeEngine(s.view.self, s.ref, timeline, s.view.names)
	buffered := s.buffer
	s.buffer = nil
	for _, e := range buffered {
		s.engine.OnLiveEvent(s.ctx, e)
	}
	s.state = StateActive
	catchUp := s.catchUp && len(s.lost) == 0
	s.catchUp = false
	notify := s.statusLocked()
	s.mu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	s.post(notify)
	s.log.Info("🔌 %s active: %d messages, %d buffered live events", s.ref, timeline.Len(), len(buffered))

	if catchUp {
		go s.runCatchUp()
	}
}

// teardown closes the session once: state goes to Closed, the timeline is
// dropped and every subscription is cancelled. Unsubscribe runs without
// s.mu held because a callback in flight may be waiting for it.
func (s *Session) teardown(reason error) {
	// Cancel first so a live event stuck resolving a name under s.mu
	// gives up instead of holding teardown for the lookup timeout.
	s.cancel()

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.state = StateClosed
	s.err = reason
	s.engine = nil
	s.buffer = nil
	subs := s.subs
	s.subs = nil
	notify := s.statusLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.doneOnce.Do(func() { close(s.done) })
	activeSessions.Dec()
	s.post(notify)
	s.stopDelivery()
	s.log.Info("🔌 closed %s: %v", s.ref, reason)
}
