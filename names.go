package dchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/eljojo/dchat/runtime"
	"github.com/eljojo/dchat/types"
)

// NameCache resolves addresses to display names.
//
// It is shared by every session in the process. Entries are filled on first
// successful lookup and are never invalidated on their own: usernames are
// treated as immutable, so a rename shows up only after Forget or a restart.
// Failed and empty lookups are not cached.
type NameCache struct {
	lookup  UserLookup
	timeout time.Duration
	log     *runtime.ServiceLog

	mu    sync.RWMutex
	names map[types.Address]string

	// Coalesces concurrent lookups for the same address
	sf singleflight.Group
}

// NewNameCache creates a cache backed by lookup. Each remote lookup is bounded
// by timeout (0 means no bound beyond the caller's context).
func NewNameCache(lookup UserLookup, timeout time.Duration) *NameCache {
	return &NameCache{
		lookup:  lookup,
		timeout: timeout,
		log:     runtime.NewServiceLog("names", nil),
		names:   make(map[types.Address]string),
	}
}

// Cached returns the cached name for addr without a remote lookup.
func (c *NameCache) Cached(addr types.Address) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[addr.Normalized()]
	return name, ok
}

// Set stores a known name, e.g. right after registering it.
func (c *NameCache) Set(addr types.Address, name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[addr.Normalized()] = name
}

// Forget drops addr so the next resolution asks the ledger again.
func (c *NameCache) Forget(addr types.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, addr.Normalized())
}

// Lookup returns addr's name, wrapping any failure (including an
// unregistered address) in ErrNameResolutionFailed.
func (c *NameCache) Lookup(ctx context.Context, addr types.Address) (string, error) {
	if name, ok := c.Cached(addr); ok {
		nameLookups.WithLabelValues("cached").Inc()
		return name, nil
	}

	key := string(addr.Normalized())
	ch := c.sf.DoChan(key, func() (interface{}, error) {
		// Detached from any single caller so one cancellation doesn't fail
		// everyone sharing the flight.
		lookupCtx := context.Background()
		if c.timeout > 0 {
			var cancel context.CancelFunc
			lookupCtx, cancel = context.WithTimeout(lookupCtx, c.timeout)
			defer cancel()
		}
		name, err := c.lookup.GetUser(lookupCtx, addr)
		if err != nil {
			return "", err
		}
		if name == "" {
			return "", fmt.Errorf("%s is not registered", addr)
		}
		c.Set(addr, name)
		return name, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			nameLookups.WithLabelValues("failed").Inc()
			return "", fmt.Errorf("%w: %v", ErrNameResolutionFailed, res.Err)
		}
		nameLookups.WithLabelValues("resolved").Inc()
		return res.Val.(string), nil
	case <-ctx.Done():
		nameLookups.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("%w: %v", ErrNameResolutionFailed, ctx.Err())
	}
}

// Resolve is Lookup with the UnknownName fallback. It never fails.
func (c *NameCache) Resolve(ctx context.Context, addr types.Address) string {
	name, err := c.Lookup(ctx, addr)
	if err != nil {
		c.log.Debug("🏷️ %s: %v", addr, err)
		return UnknownName
	}
	return name
}

// maxParallelLookups bounds ResolveAll's fan-out.
const maxParallelLookups = 8

// ResolveAll resolves each distinct address once, in parallel. Every input
// address has an entry in the result; failures map to UnknownName.
func (c *NameCache) ResolveAll(ctx context.Context, addrs []types.Address) map[types.Address]string {
	distinct := make(map[types.Address]types.Address)
	for _, a := range addrs {
		distinct[a.Normalized()] = a
	}

	var mu sync.Mutex
	resolved := make(map[types.Address]string, len(distinct))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLookups)
	for key, addr := range distinct {
		key, addr := key, addr
		g.Go(func() error {
			name := c.Resolve(gctx, addr)
			mu.Lock()
			resolved[key] = name
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // lookups never return errors

	result := make(map[types.Address]string, len(addrs))
	for _, a := range addrs {
		result[a] = resolved[a.Normalized()]
	}
	return result
}
