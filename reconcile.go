package dchat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/runtime"
	"github.com/eljojo/dchat/types"
)

// Reconciler rebuilds a conversation's timeline from historical events.
type Reconciler struct {
	self    types.Address
	history HistorySource
	names   *NameCache
	log     *runtime.ServiceLog

	// Attempts is how many times each query is tried before giving up.
	Attempts int
	// Backoff is the wait before retry n, multiplied by n.
	Backoff time.Duration
}

// NewReconciler creates a reconciler that tries each query three times.
func NewReconciler(self types.Address, history HistorySource, names *NameCache) *Reconciler {
	return &Reconciler{
		self:     self,
		history:  history,
		names:    names,
		log:      runtime.NewServiceLog("reconcile", nil),
		Attempts: 3,
		Backoff:  500 * time.Millisecond,
	}
}

// Filters lists the historical queries needed for conv: both payload kinds
// in both directions for a direct conversation, both group kinds for a group.
func (r *Reconciler) Filters(conv types.ConversationRef) []ledger.Filter {
	if conv.IsGroup() {
		filters := make([]ledger.Filter, 0, len(messages.GroupKinds))
		for _, kind := range messages.GroupKinds {
			filters = append(filters, ledger.GroupFilter(kind, conv.Group))
		}
		return filters
	}
	filters := make([]ledger.Filter, 0, 2*len(messages.DirectKinds))
	for _, kind := range messages.DirectKinds {
		filters = append(filters,
			ledger.Filter{Kind: kind, From: r.self, To: conv.Peer},
			ledger.Filter{Kind: kind, From: conv.Peer, To: r.self},
		)
	}
	return filters
}

// Reconcile queries the full history of conv and returns it as a timeline:
// normalized, deduplicated by id, ordered by (timestamp, sequence) and with
// sender names resolved.
//
// If any query still fails after retries the whole reconciliation fails with
// ErrHistoryUnavailable; there is no partial result.
func (r *Reconciler) Reconcile(ctx context.Context, conv types.ConversationRef) (*Timeline, error) {
	start := time.Now()
	events, err := r.fetch(ctx, conv, ledger.FullRange)
	if err != nil {
		reconcileDuration.WithLabelValues(conv.Kind.String(), "failed").Observe(time.Since(start).Seconds())
		return nil, err
	}

	msgs := r.normalize(conv, events)
	r.nameMessages(ctx, msgs)
	timeline := NewTimeline(msgs)

	reconcileDuration.WithLabelValues(conv.Kind.String(), "ok").Observe(time.Since(start).Seconds())
	r.log.Info("📜 %s: %d events -> %d messages in %v", conv, len(events), timeline.Len(), time.Since(start).Round(time.Millisecond))
	return timeline, nil
}

// fetch runs every query concurrently and concatenates the results.
func (r *Reconciler) fetch(ctx context.Context, conv types.ConversationRef, rng ledger.Range) ([]messages.RawEvent, error) {
	filters := r.Filters(conv)
	results := make([][]messages.RawEvent, len(filters))

	g, gctx := errgroup.WithContext(ctx)
	for i, filter := range filters {
		i, filter := i, filter
		g.Go(func() error {
			events, err := r.queryWithRetry(gctx, filter, rng)
			if err != nil {
				return err
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("📜 %s: %v", conv, err)
		return nil, fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, conv, err)
	}

	var all []messages.RawEvent
	for _, events := range results {
		all = append(all, events...)
	}
	return all, nil
}

func (r *Reconciler) queryWithRetry(ctx context.Context, filter ledger.Filter, rng ledger.Range) ([]messages.RawEvent, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var events []messages.RawEvent
		events, err = r.history.QueryHistorical(ctx, filter, rng)
		if err == nil {
			return events, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		queryRetries.Inc()
		r.log.Debug("query %s failed (attempt %d/%d): %v", filter, attempt, attempts, err)
		select {
		case <-time.After(time.Duration(attempt) * r.Backoff):
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		}
	}
	return nil, err
}

// normalize converts events to messages, skipping any that don't belong to
// conv (an adapter may over-match).
func (r *Reconciler) normalize(conv types.ConversationRef, events []messages.RawEvent) []Message {
	result := make([]Message, 0, len(events))
	for _, e := range events {
		if !Relevant(r.self, conv, e) {
			r.log.Debug("skipping %s: not part of %s", e.LogFormat(), conv)
			continue
		}
		result = append(result, Normalize(r.self, e))
	}
	return result
}

// nameMessages resolves every distinct sender once and fills in SenderName.
func (r *Reconciler) nameMessages(ctx context.Context, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	senders := make([]types.Address, 0, len(msgs))
	for _, m := range msgs {
		if !m.Sender.IsZero() {
			senders = append(senders, m.Sender)
		}
	}
	names := r.names.ResolveAll(ctx, senders)
	for i := range msgs {
		if name, ok := names[msgs[i].Sender]; ok {
			msgs[i].SenderName = name
		} else {
			msgs[i].SenderName = UnknownName
		}
	}
}
