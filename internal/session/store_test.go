package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, "ws-1"), mr
}

func TestPresenceCountsConnections(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "ws-1", p.Server)
	assert.Equal(t, 2, p.Connections)

	n, err = s.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	online, err := s.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	n, err = s.MarkOffline(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	online, err = s.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	p, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMarkOfflineUnknownUser(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.MarkOffline(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPresenceExpiresWithoutRefresh(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.MarkOnline(ctx, "alice")
	require.NoError(t, err)
	_, err = s.MarkOnline(ctx, "bob")
	require.NoError(t, err)

	mr.FastForward(PresenceTTL / 2)
	require.NoError(t, s.Refresh(ctx, "alice", "carol"))
	mr.FastForward(PresenceTTL/2 + time.Second)

	online, err := s.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	online, err = s.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
	assert.False(t, mr.Exists(presenceKey("carol")))
}
