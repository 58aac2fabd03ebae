package dchat

import (
	"sort"
	"sync"
)

// TimelineListener is called after a message enters the timeline.
type TimelineListener func(m Message)

// Timeline is one conversation's ordered message list, unique by id.
//
// Messages are kept in MessageID order. Appends that arrive in order (the
// common case for live events) go to the end; an append older than the tail
// is placed at its sorted position instead.
type Timeline struct {
	messages []Message
	ids      map[MessageID]struct{}
	mu       sync.RWMutex

	listeners   []TimelineListener
	listenersMu sync.RWMutex
}

// NewTimeline builds a timeline from msgs, dropping duplicate ids and sorting.
func NewTimeline(msgs []Message) *Timeline {
	t := &Timeline{
		messages: make([]Message, 0, len(msgs)),
		ids:      make(map[MessageID]struct{}, len(msgs)),
	}
	for _, m := range msgs {
		if _, dup := t.ids[m.ID]; dup {
			continue
		}
		t.ids[m.ID] = struct{}{}
		t.messages = append(t.messages, m)
	}
	sort.SliceStable(t.messages, func(i, j int) bool {
		return t.messages[i].ID.Less(t.messages[j].ID)
	})
	return t
}

// AddListener registers a callback for future appends. Listeners run
// synchronously, outside the timeline lock.
func (t *Timeline) AddListener(listener TimelineListener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, listener)
}

func (t *Timeline) notifyListeners(m Message) {
	t.listenersMu.RLock()
	listeners := t.listeners
	t.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(m)
	}
}

// Append adds m unless its id is already present. Returns true if added.
func (t *Timeline) Append(m Message) bool {
	t.mu.Lock()

	if _, dup := t.ids[m.ID]; dup {
		t.mu.Unlock()
		return false
	}
	t.ids[m.ID] = struct{}{}

	n := len(t.messages)
	if n == 0 || !m.ID.Less(t.messages[n-1].ID) {
		t.messages = append(t.messages, m)
	} else {
		i := sort.Search(n, func(i int) bool { return m.ID.Less(t.messages[i].ID) })
		t.messages = append(t.messages, Message{})
		copy(t.messages[i+1:], t.messages[i:])
		t.messages[i] = m
	}

	t.mu.Unlock()

	t.notifyListeners(m)
	return true
}

// Has reports whether a message with id is present.
func (t *Timeline) Has(id MessageID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a copy of the messages in order.
func (t *Timeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]Message, len(t.messages))
	copy(result, t.messages)
	return result
}

// Last returns the newest message, if any.
func (t *Timeline) Last() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}
