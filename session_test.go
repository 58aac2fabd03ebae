package dchat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

func TestSession_HistoryThenLive(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, alice, ledger.SendMessageText(bob, "before"))

	view := newTestView(l, alice)
	s := openActive(t, view, types.Direct(bob))
	assert.Equal(t, []string{"before"}, texts(s.Messages()))

	var mu sync.Mutex
	var appended []Message
	s.AddListener(func(m Message) {
		mu.Lock()
		appended = append(appended, m)
		mu.Unlock()
	})

	submit(t, l, bob, ledger.SendMessageText(alice, "after"))
	submit(t, l, carol, ledger.SendMessageText(alice, "from carol"))

	msgs := s.Messages()
	assert.Equal(t, []string{"before", "after"}, texts(msgs))
	assert.Equal(t, "bob", msgs[1].SenderName)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(appended) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "after", appended[0].Text)
}

func TestSession_OpeningIsNotActive(t *testing.T) {
	l := chatLedger(t)
	release := l.HoldQueries()
	defer release()

	view := newTestView(l, alice)
	s, err := view.Open(context.Background(), types.Direct(bob))
	require.NoError(t, err)

	assert.Equal(t, StateOpening, s.State())
	assert.Nil(t, s.Timeline())
	assert.ErrorIs(t, s.Send(context.Background(), TextContent("too early")), ErrSessionClosed)

	release()
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, StateActive, s.State())
}

func TestSession_SwitchingIsolatesConversations(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, bob, ledger.SendMessageText(alice, "bob history"))
	submit(t, l, carol, ledger.SendMessageText(alice, "carol history"))

	view := newTestView(l, alice)
	first := openActive(t, view, types.Direct(bob))

	var calledAfterClose atomic.Bool
	var closed atomic.Bool
	first.AddListener(func(Message) {
		if closed.Load() {
			calledAfterClose.Store(true)
		}
	})

	second := openActive(t, view, types.Direct(carol))
	closed.Store(true)

	assert.Equal(t, StateClosed, first.State())
	assert.ErrorIs(t, first.Err(), ErrSessionClosed)
	assert.Nil(t, first.Messages())
	assert.Greater(t, second.Generation(), first.Generation())
	assert.Same(t, second, view.Current())

	submit(t, l, bob, ledger.SendMessageText(alice, "bob late"))
	submit(t, l, carol, ledger.SendMessageText(alice, "carol live"))

	assert.Equal(t, []string{"carol history", "carol live"}, texts(second.Messages()))
	assert.False(t, calledAfterClose.Load())
	assert.Equal(t, 1, l.SubscriberCount(messages.KindDirectText))
	assert.Equal(t, 1, l.SubscriberCount(messages.KindDirectAttachment))
}

func TestSession_SwitchingUnderConcurrentTraffic(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, from := range []types.Address{bob, carol} {
		wg.Add(1)
		go func(from types.Address) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := l.SubmitAs(context.Background(), from, ledger.SendMessageText(alice, string(from)))
				if err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(from)
	}

	var violations atomic.Int32
	refs := []types.ConversationRef{types.Direct(bob), types.Direct(carol)}
	var prev *Session
	var prevClosed *atomic.Bool
	for i := 0; i < 10; i++ {
		ref := refs[i%2]
		s := openActive(t, view, ref)
		// Open closed prev before returning; its listener must stay silent.
		if prev != nil {
			prevClosed.Store(true)
			assert.Equal(t, StateClosed, prev.State())
		}

		closed := &atomic.Bool{}
		s.AddListener(func(m Message) {
			if closed.Load() || !m.Conversation.Equal(ref) {
				violations.Add(1)
			}
		})
		time.Sleep(5 * time.Millisecond)
		for _, m := range s.Messages() {
			if !m.Conversation.Equal(ref) {
				violations.Add(1)
			}
		}
		prev, prevClosed = s, closed
	}

	close(stop)
	wg.Wait()
	assert.Equal(t, int32(0), violations.Load())
	assert.Equal(t, 1, l.SubscriberCount(messages.KindDirectText))
}

func TestSession_SupersededReconciliationIsDiscarded(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, bob, ledger.SendMessageText(alice, "for the bob view"))
	submit(t, l, carol, ledger.SendMessageText(alice, "for the carol view"))

	view := newTestView(l, alice)
	release := l.HoldQueries()

	ctx := context.Background()
	first, err := view.Open(ctx, types.Direct(bob))
	require.NoError(t, err)
	second, err := view.Open(ctx, types.Direct(carol))
	require.NoError(t, err)
	release()

	require.ErrorIs(t, first.Wait(ctx), ErrSessionClosed)
	require.NoError(t, second.Wait(ctx))

	assert.Equal(t, StateClosed, first.State())
	assert.Nil(t, first.Messages())
	assert.Equal(t, []string{"for the carol view"}, texts(second.Messages()))
}

func TestSession_ReconcileFailureClosesSession(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	view.Reconciler().Attempts = 2
	l.FailQueries(100)

	ctx := context.Background()
	s, err := view.Open(ctx, types.Direct(bob))
	require.NoError(t, err)

	err = s.Wait(ctx)
	require.ErrorIs(t, err, ErrHistoryUnavailable)
	assert.ErrorIs(t, err, ledger.ErrQueryFailed)
	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.Timeline())
	assert.Equal(t, 0, l.SubscriberCount(messages.KindDirectText))
	assert.Equal(t, 0, l.SubscriberCount(messages.KindDirectAttachment))

	l.FailQueries(0)
	openActive(t, view, types.Direct(bob))
}

func TestSession_EventsDuringOpeningAppearOnce(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, alice, ledger.SendMessageText(bob, "old"))

	view := newTestView(l, alice)
	release := l.HoldQueries()

	ctx := context.Background()
	s, err := view.Open(ctx, types.Direct(bob))
	require.NoError(t, err)

	// Recorded before the held queries read the ledger and also buffered
	// from the live feed.
	submit(t, l, bob, ledger.SendMessageText(alice, "during"))
	release()

	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, []string{"old", "during"}, texts(s.Messages()))
}

func TestSession_CatchUpAfterFeedRestored(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	s := openActive(t, view, types.Direct(bob))

	var mu sync.Mutex
	var stales []bool
	s.AddStatusListener(func(state SessionState, stale bool) {
		mu.Lock()
		stales = append(stales, stale)
		mu.Unlock()
	})

	l.DropSubscriptions(errors.New("socket closed"))
	assert.True(t, s.Stale())

	submit(t, l, bob, ledger.SendMessageText(alice, "missed"))
	assert.Empty(t, s.Messages())

	l.RestoreSubscriptions()
	require.Eventually(t, func() bool {
		return !s.Stale() && len(s.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"missed"}, texts(s.Messages()))

	submit(t, l, bob, ledger.SendMessageText(alice, "live again"))
	assert.Equal(t, []string{"missed", "live again"}, texts(s.Messages()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stales) >= 2 && !stales[len(stales)-1]
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, stales[0])
}

func TestSession_RefreshWhileFeedDownStaysStale(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	s := openActive(t, view, types.Direct(bob))

	l.DropSubscriptions(errors.New("socket closed"))
	submit(t, l, bob, ledger.SendMessageText(alice, "missed"))

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, []string{"missed"}, texts(s.Messages()))
	assert.True(t, s.Stale(), "feed is still down")
}

func TestSession_GroupConversation(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, alice, ledger.SendGroupTextMessage(1, "welcome"))

	view := newTestView(l, alice)
	s := openActive(t, view, types.Group(1))

	submit(t, l, bob, ledger.SendGroupTextMessage(1, "thanks"))
	submit(t, l, bob, ledger.SendMessageText(alice, "direct, not group"))

	msgs := s.Messages()
	assert.Equal(t, []string{"welcome", "thanks"}, texts(msgs))
	assert.Equal(t, "alice", msgs[0].SenderName)
	assert.Equal(t, "bob", msgs[1].SenderName)
	assert.Equal(t, 1, l.SubscriberCount(messages.KindGroupText))
	assert.Equal(t, 0, l.SubscriberCount(messages.KindDirectText))
}

func TestSession_SendAppearsThroughFeed(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	view.SetSender(NewSendCoordinator(l.As(alice), nil))
	s := openActive(t, view, types.Direct(bob))

	require.NoError(t, s.Send(context.Background(), TextContent("via session")))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "via session", msgs[0].Text)
	assert.Equal(t, "alice", msgs[0].SenderName)
	assert.True(t, msgs[0].IsFrom(alice))
}

func TestView_Close(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	s := openActive(t, view, types.Direct(bob))

	view.Close()
	assert.Nil(t, view.Current())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, l.SubscriberCount(messages.KindDirectText))

	s.Close()
	assert.ErrorIs(t, s.Send(context.Background(), TextContent("x")), ErrSessionClosed)
}

func TestSession_ListenerCanSwitchConversation(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	first := openActive(t, view, types.Direct(bob))

	switched := make(chan *Session, 1)
	first.AddListener(func(Message) {
		next, err := view.Open(context.Background(), types.Direct(carol))
		if err == nil {
			switched <- next
		}
	})

	submit(t, l, bob, ledger.SendMessageText(alice, "switch please"))

	var second *Session
	select {
	case second = <-switched:
	case <-time.After(3 * time.Second):
		t.Fatal("listener switching conversation never returned")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, second.Wait(ctx))

	assert.Equal(t, StateClosed, first.State())
	assert.Same(t, second, view.Current())
	assert.Equal(t, 1, l.SubscriberCount(messages.KindDirectText))

	submit(t, l, carol, ledger.SendMessageText(alice, "carol live"))
	submit(t, l, bob, ledger.SendMessageText(alice, "bob ignored"))
	assert.Equal(t, []string{"carol live"}, texts(second.Messages()))
}

func TestSession_ListenerCanCloseSession(t *testing.T) {
	l := chatLedger(t)
	view := newTestView(l, alice)
	s := openActive(t, view, types.Direct(bob))

	var calls atomic.Int32
	s.AddListener(func(Message) {
		calls.Add(1)
		s.Close()
	})

	submit(t, l, bob, ledger.SendMessageText(alice, "one"))
	require.Eventually(t, func() bool { return s.State() == StateClosed }, 3*time.Second, 5*time.Millisecond)
	assert.Nil(t, view.Current())
	assert.Equal(t, 0, l.SubscriberCount(messages.KindDirectText))

	submit(t, l, bob, ledger.SendMessageText(alice, "two"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSession_FollowMissesNothing(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, bob, ledger.SendMessageText(alice, "before"))
	view := newTestView(l, alice)
	s := openActive(t, view, types.Direct(bob))

	live := make(chan Message, 4)
	snapshot := s.Follow(func(m Message) { live <- m })
	assert.Equal(t, []string{"before"}, texts(snapshot))

	submit(t, l, bob, ledger.SendMessageText(alice, "after"))
	select {
	case m := <-live:
		assert.Equal(t, "after", m.Text)
	case <-time.After(time.Second):
		t.Fatal("no live message after Follow")
	}
}

func TestSession_CloseDoesNotWaitForSlowNameLookup(t *testing.T) {
	l := chatLedger(t)
	users := &slowUsers{started: make(chan struct{}), release: make(chan struct{})}
	defer close(users.release)

	view := NewView(alice, l, l, NewNameCache(users, 10*time.Second))
	s := openActive(t, view, types.Direct(bob))

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		tx, err := l.SubmitAs(context.Background(), bob, ledger.SendMessageText(alice, "hi"))
		if err == nil {
			_, _ = l.AwaitConfirmation(context.Background(), tx)
		}
	}()
	<-users.started

	closed := make(chan struct{})
	go func() {
		view.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the name lookup")
	}
	assert.Equal(t, StateClosed, s.State())
	<-delivered
}
