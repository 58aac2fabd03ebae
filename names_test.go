package dchat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/dchat/types"
)

func TestNameCache_CachesSuccessfulLookups(t *testing.T) {
	users := newFakeUsers(map[types.Address]string{peerAddr: "bob"})
	cache := NewNameCache(users, time.Second)
	ctx := context.Background()

	name, err := cache.Lookup(ctx, peerAddr)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	name, err = cache.Lookup(ctx, "0xbb")
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
	assert.Equal(t, 1, users.count(peerAddr), "second lookup is served from cache")

	cached, ok := cache.Cached(peerAddr)
	assert.True(t, ok)
	assert.Equal(t, "bob", cached)
}

func TestNameCache_FailuresAreNotCached(t *testing.T) {
	users := newFakeUsers(map[types.Address]string{peerAddr: "bob"})
	users.fail(peerAddr, true)
	cache := NewNameCache(users, time.Second)
	ctx := context.Background()

	_, err := cache.Lookup(ctx, peerAddr)
	require.ErrorIs(t, err, ErrNameResolutionFailed)
	assert.Equal(t, UnknownName, cache.Resolve(ctx, peerAddr))

	users.fail(peerAddr, false)

	assert.Equal(t, "bob", cache.Resolve(ctx, peerAddr))
	assert.Equal(t, 3, users.count(peerAddr))
}

func TestNameCache_UnregisteredIsUnknown(t *testing.T) {
	cache := NewNameCache(newFakeUsers(nil), time.Second)

	_, err := cache.Lookup(context.Background(), strangerAddr)
	assert.ErrorIs(t, err, ErrNameResolutionFailed)
	assert.Equal(t, UnknownName, cache.Resolve(context.Background(), strangerAddr))

	_, ok := cache.Cached(strangerAddr)
	assert.False(t, ok)
}

func TestNameCache_SetAndForget(t *testing.T) {
	users := newFakeUsers(map[types.Address]string{peerAddr: "robert"})
	cache := NewNameCache(users, time.Second)
	ctx := context.Background()

	cache.Set(peerAddr, "bob")
	assert.Equal(t, "bob", cache.Resolve(ctx, peerAddr))
	assert.Equal(t, 0, users.count(peerAddr))

	cache.Forget("0xbb")
	assert.Equal(t, "robert", cache.Resolve(ctx, peerAddr))
	assert.Equal(t, 1, users.count(peerAddr))
}

// slowUsers blocks every lookup until release is closed.
type slowUsers struct {
	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (u *slowUsers) GetUser(ctx context.Context, addr types.Address) (string, error) {
	u.calls.Add(1)
	u.once.Do(func() { close(u.started) })
	select {
	case <-u.release:
		return "bob", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestNameCache_ConcurrentLookupsShareOneFlight(t *testing.T) {
	users := &slowUsers{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewNameCache(users, 5*time.Second)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Resolve(context.Background(), peerAddr)
		}(i)
	}

	<-users.started
	time.Sleep(50 * time.Millisecond)
	close(users.release)
	wg.Wait()

	assert.Equal(t, int32(1), users.calls.Load())
	for _, name := range results {
		assert.Equal(t, "bob", name)
	}
}

func TestNameCache_LookupTimeout(t *testing.T) {
	users := &slowUsers{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewNameCache(users, 20*time.Millisecond)

	_, err := cache.Lookup(context.Background(), peerAddr)
	require.ErrorIs(t, err, ErrNameResolutionFailed)
	assert.ErrorContains(t, err, context.DeadlineExceeded.Error())
}

func TestNameCache_CallerCancellation(t *testing.T) {
	users := &slowUsers{started: make(chan struct{}), release: make(chan struct{})}
	defer close(users.release)
	cache := NewNameCache(users, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, UnknownName, cache.Resolve(ctx, peerAddr))
}

func TestNameCache_ResolveAll(t *testing.T) {
	users := newFakeUsers(map[types.Address]string{selfAddr: "alice", peerAddr: "bob"})
	users.fail(strangerAddr, true)
	cache := NewNameCache(users, time.Second)

	names := cache.ResolveAll(context.Background(), []types.Address{selfAddr, peerAddr, "0xbb", strangerAddr, selfAddr})

	assert.Equal(t, map[types.Address]string{
		selfAddr:     "alice",
		peerAddr:     "bob",
		"0xbb":       "bob",
		strangerAddr: UnknownName,
	}, names)
	assert.Equal(t, 1, users.count(selfAddr))
	assert.Equal(t, 1, users.count(peerAddr), "each distinct address is looked up once")
}
