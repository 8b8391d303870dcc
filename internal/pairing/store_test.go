package pairing

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func mustUsers(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.EnsureUser(context.Background(), id))
	}
}

func TestEnsureUser_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureUser(ctx, "alice"))
	first, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, s.EnsureUser(ctx, "alice"))
	second, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.False(t, second.HasPartner())
}

func TestGetUser_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.GetPartner(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAddSwipe_LikeAndDislike(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice")

	require.NoError(t, s.AddSwipe(ctx, "alice", "r1", true))
	require.NoError(t, s.AddSwipe(ctx, "alice", "r2", false))

	liked, err := s.HasLiked(ctx, "alice", "r1")
	require.NoError(t, err)
	assert.True(t, liked)

	liked, err = s.HasLiked(ctx, "alice", "r2")
	require.NoError(t, err)
	assert.False(t, liked)

	items, err := s.Liked(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, items)
}

func TestAddSwipe_AlreadySwipedLeavesStateUnchanged(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice")

	require.NoError(t, s.AddSwipe(ctx, "alice", "r1", false))

	err := s.AddSwipe(ctx, "alice", "r1", true)
	assert.ErrorIs(t, err, ErrAlreadySwiped)
	assert.ErrorIs(t, err, ErrAlreadyDisliked)
	assert.NotErrorIs(t, err, ErrAlreadyLiked)

	err = s.AddSwipe(ctx, "alice", "r1", false)
	assert.ErrorIs(t, err, ErrAlreadySwiped)

	assert.False(t, mr.Exists(likedKey("alice")), "liked set must not be created by a rejected swipe")
	members, err := mr.SMembers(dislikedKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, members)
}

func TestAddSwipe_UnknownUser(t *testing.T) {
	s, mr := newTestStore(t)
	err := s.AddSwipe(context.Background(), "ghost", "r1", true)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.False(t, mr.Exists(likedKey("ghost")))
}

func TestAddSwipe_ConcurrentSameItemOnlyOneWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice")

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.AddSwipe(ctx, "alice", "r1", i%2 == 0)
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadySwiped)
	}
	assert.Equal(t, 1, ok)
}

func TestConnectPartners(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice", "bob", "carol")

	linked, err := s.ConnectPartners(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, linked)
	linked, err = s.ConnectPartners(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, linked, "re-linking the same pair is a no-op")

	p, err := s.GetPartner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", p)
	p, err = s.GetPartner(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", p)

	for _, c := range []struct {
		a, b string
		want error
	}{
		{"carol", "alice", ErrAlreadyPartnered},
		{"carol", "carol", ErrSelfPartner},
		{"carol", "ghost", ErrUserNotFound},
	} {
		linked, err := s.ConnectPartners(ctx, c.a, c.b)
		assert.ErrorIs(t, err, c.want)
		assert.False(t, linked)
	}
}

func TestDisconnectPartner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice", "bob")
	_, err := s.ConnectPartners(ctx, "alice", "bob")
	require.NoError(t, err)

	former, err := s.DisconnectPartner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", former)

	for _, id := range []string{"alice", "bob"} {
		p, err := s.GetPartner(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, p, id)
	}

	former, err = s.DisconnectPartner(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, former)

	_, err = s.DisconnectPartner(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	linked, err := s.ConnectPartners(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, linked, "users can re-pair after a disconnect")
}

func TestDisconnectPartner_LeavesForeignLinkAlone(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice", "bob", "carol")
	_, err := s.ConnectPartners(ctx, "alice", "bob")
	require.NoError(t, err)
	// bob's side no longer points back at alice.
	mr.HSet(userKey("bob"), fieldPartner, "carol")

	former, err := s.DisconnectPartner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", former)
	assert.Equal(t, "", mr.HGet(userKey("alice"), fieldPartner))
	assert.Equal(t, "carol", mr.HGet(userKey("bob"), fieldPartner))
}

func TestDisconnectScript_RejectsStalePartner(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mustUsers(t, s, "alice", "bob", "carol")
	_, err := s.ConnectPartners(ctx, "alice", "bob")
	require.NoError(t, err)

	// A read that saw carol is rejected without writing either key.
	keys := []string{userKey("alice"), userKey("carol")}
	code, err := s.disconnectScript.Run(ctx, s.rdb, keys, "alice", "carol").Int()
	require.NoError(t, err)
	assert.Equal(t, -2, code)
	assert.Equal(t, "bob", mr.HGet(userKey("alice"), fieldPartner))
	assert.Equal(t, "alice", mr.HGet(userKey("bob"), fieldPartner))

	code, err = s.disconnectScript.Run(ctx, s.rdb, []string{userKey("ghost"), userKey("bob")}, "ghost", "bob").Int()
	require.NoError(t, err)
	assert.Equal(t, -1, code)
}
