package utilities

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Correlator tracks pending requests and matches asynchronous responses.
//
// The ledger confirms transactions out of band: a submit returns a tx id and
// the receipt arrives later on the live feed. Callers register interest in an
// id and block on the returned channel until the receipt or a timeout.
//
// Example:
//
//	receipts := utilities.NewCorrelator[ledger.Receipt](2 * time.Minute)
//	ch := receipts.Expect(tx.ID)
//	// ... feed handler calls receipts.Receive(r.TxID, r)
//	result := <-ch
type Correlator[Resp any] struct {
	pending map[string]*pendingRequest[Resp]
	early   map[string]earlyResponse[Resp]
	mu      sync.Mutex
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type pendingRequest[Resp any] struct {
	ch      chan Result[Resp]
	sentAt  time.Time
	expires time.Time
}

// earlyResponse holds a response that arrived before anyone called Expect.
// Receipts can beat the submitter back when the feed is fast.
type earlyResponse[Resp any] struct {
	resp    Resp
	expires time.Time
}

// Result is delivered on the channel returned by Expect.
type Result[Resp any] struct {
	Response Resp
	Err      error // ErrTimeout if no response in time
}

// ErrTimeout is returned when a request times out.
var ErrTimeout = errors.New("request timed out")

// NewCorrelator creates a correlator with the given timeout.
func NewCorrelator[Resp any](timeout time.Duration) *Correlator[Resp] {
	c := &Correlator[Resp]{
		pending: make(map[string]*pendingRequest[Resp]),
		early:   make(map[string]earlyResponse[Resp]),
		timeout: timeout,
		stop:    make(chan struct{}),
	}
	go c.reapLoop() // Clean up timed-out requests
	return c
}

// Expect registers interest in id and returns a channel that receives exactly
// one Result: the response, or ErrTimeout.
func (c *Correlator[Resp]) Expect(id string) <-chan Result[Resp] {
	ch := make(chan Result[Resp], 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if early, ok := c.early[id]; ok {
		delete(c.early, id)
		ch <- Result[Resp]{Response: early.resp}
		return ch
	}

	now := time.Now()
	c.pending[id] = &pendingRequest[Resp]{
		ch:      ch,
		sentAt:  now,
		expires: now.Add(c.timeout),
	}
	return ch
}

// Wait is Expect plus a blocking receive that also honors ctx.
func (c *Correlator[Resp]) Wait(ctx context.Context, id string) (Resp, error) {
	ch := c.Expect(id)
	select {
	case result := <-ch:
		return result.Response, result.Err
	case <-ctx.Done():
		c.Cancel(id)
		var zero Resp
		return zero, ctx.Err()
	}
}

// Receive is called when a response arrives - matches it to a pending request.
//
// Returns true if the response matched a pending request. Unmatched responses
// are held until the timeout in case Expect is called late.
func (c *Correlator[Resp]) Receive(id string, resp Resp) bool {
	c.mu.Lock()
	pending, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	} else {
		c.early[id] = earlyResponse[Resp]{resp: resp, expires: time.Now().Add(c.timeout)}
		logrus.Debugf("[correlator] response for %s arrived before request, holding it", id)
	}
	c.mu.Unlock()

	if ok {
		pending.ch <- Result[Resp]{Response: resp}
	}
	return ok
}

// Cancel forgets a pending request without delivering anything.
func (c *Correlator[Resp]) Cancel(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending returns how many requests are waiting.
func (c *Correlator[Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the reaper. Pending requests are left to their callers' contexts.
func (c *Correlator[Resp]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// reapLoop runs in the background and cleans up timed-out requests.
func (c *Correlator[Resp]) reapLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.reap(time.Now())
		}
	}
}

func (c *Correlator[Resp]) reap(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, req := range c.pending {
		if now.After(req.expires) {
			req.ch <- Result[Resp]{Err: ErrTimeout}
			delete(c.pending, id)
		}
	}
	for id, e := range c.early {
		if now.After(e.expires) {
			delete(c.early, id)
		}
	}
}
