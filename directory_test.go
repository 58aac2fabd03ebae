package dchat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/types"
)

func TestDirectory_Contacts(t *testing.T) {
	l := chatLedger(t)
	dir := NewDirectory(alice, l, l.As(alice), l)

	contacts, err := dir.Contacts(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 3)

	assert.True(t, contacts[0].Ref.Equal(types.Direct(bob)))
	assert.Equal(t, "bob", contacts[0].Name)
	assert.True(t, contacts[1].Ref.Equal(types.Direct(carol)))
	assert.Equal(t, "carol", contacts[1].Name)

	group := contacts[2]
	assert.True(t, group.Ref.Equal(types.Group(1)))
	assert.Equal(t, "crew", group.Name)
	assert.True(t, group.Owner.Equal(alice))
	assert.Equal(t, []types.Address{alice, bob}, group.Members)
}

func TestDirectory_AddFriendByUsernameOrAddress(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, dave, ledger.CreateUser("dave"))
	ctx := context.Background()

	require.NoError(t, NewDirectory(alice, l, l.As(alice), nil).AddFriend(ctx, "  Dave "))
	require.NoError(t, NewDirectory(bob, l, l.As(bob), nil).AddFriend(ctx, string(carol)))

	friends, err := l.GetFriendList(ctx, alice)
	require.NoError(t, err)
	assert.Contains(t, friends, dave)

	friends, err = l.GetFriendList(ctx, carol)
	require.NoError(t, err)
	assert.Contains(t, friends, bob)
}

func TestDirectory_AddFriendRejections(t *testing.T) {
	l := chatLedger(t)
	dir := NewDirectory(alice, l, l.As(alice), nil)
	ctx := context.Background()

	tests := []struct {
		input  string
		reason string
	}{
		{"nobody", "User not found"},
		{"bob", "Already friends"},
		{string(alice), "You cannot add yourself as a friend"},
		{string(dave), "Friend is not registered"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := dir.AddFriend(ctx, tt.input)
			var rejected *SubmissionRejectedError
			require.True(t, errors.As(err, &rejected), "got %v", err)
			assert.Equal(t, tt.reason, rejected.Reason)
		})
	}

	assert.Error(t, dir.AddFriend(ctx, "   "))
}

func TestDirectory_CreateGroupSkipsInvalidMembers(t *testing.T) {
	l := chatLedger(t)
	dir := NewDirectory(alice, l, l.As(alice), nil)
	ctx := context.Background()

	require.NoError(t, dir.CreateGroup(ctx, "book club", []string{string(carol), "not-an-address", " "}))

	details, err := l.GetGroupDetails(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "book club", details.Name)
	assert.Equal(t, []types.Address{alice, carol}, details.Members)

	assert.Error(t, dir.CreateGroup(ctx, " ", nil))
}

func TestDirectory_WatchReportsOwnChanges(t *testing.T) {
	l := chatLedger(t)
	submit(t, l, dave, ledger.CreateUser("dave"))

	var changes atomic.Int32
	stop, err := NewDirectory(carol, l, l.As(carol), l).Watch(func() { changes.Add(1) })
	require.NoError(t, err)

	submit(t, l, alice, ledger.AddFriend(dave))
	assert.Equal(t, int32(0), changes.Load(), "other people's friendships are ignored")

	submit(t, l, bob, ledger.AddFriend(carol))
	assert.Equal(t, int32(1), changes.Load())

	submit(t, l, alice, ledger.CreateGroup("carol's", []types.Address{carol}))
	assert.Equal(t, int32(2), changes.Load(), "only the membership event involves carol")

	stop()
	stop()
	submit(t, l, bob, ledger.CreateGroup("after stop", []types.Address{carol}))
	assert.Equal(t, int32(2), changes.Load())
}

func TestDirectory_WatchNeedsFeed(t *testing.T) {
	l := chatLedger(t)
	_, err := NewDirectory(alice, l, l.As(alice), nil).Watch(func() {})
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	contacts := []Contact{
		{Ref: types.Direct(bob), Name: "Bob"},
		{Ref: types.Direct(carol), Name: "carol"},
		{Ref: types.Group(1), Name: "Robotics club"},
	}

	assert.Len(t, Search(contacts, ""), 3)
	assert.Len(t, Search(contacts, "  "), 3)

	found := Search(contacts, "BO")
	require.Len(t, found, 2)
	assert.Equal(t, "Bob", found[0].Name)
	assert.Equal(t, "Robotics club", found[1].Name)

	assert.Empty(t, Search(contacts, "zed"))
}

func TestAccount_Register(t *testing.T) {
	l := ledger.NewMemoryLedger()
	names := NewNameCache(l, time.Second)
	account := NewAccount(dave, l.As(dave), l, names)
	ctx := context.Background()

	_, err := account.RequireRegistered(ctx)
	require.ErrorIs(t, err, ErrNotRegistered)

	assert.Error(t, account.Register(ctx, "  "))
	require.NoError(t, account.Register(ctx, " dave "))

	name, err := account.RequireRegistered(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dave", name)

	cached, ok := names.Cached(dave)
	assert.True(t, ok)
	assert.Equal(t, "dave", cached)
	assert.Equal(t, dave, account.Address())

	err = account.Register(ctx, "david")
	require.ErrorIs(t, err, ErrSubmissionRejected)
	assert.ErrorContains(t, err, "User already registered")
}

func TestAccount_UsernameTaken(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	require.NoError(t, NewAccount(alice, l.As(alice), l, nil).Register(ctx, "sam"))

	err := NewAccount(bob, l.As(bob), l, nil).Register(ctx, "SAM")
	var rejected *SubmissionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "Username already taken", rejected.Reason)
	assert.ErrorIs(t, err, ledger.ErrReverted)
}
