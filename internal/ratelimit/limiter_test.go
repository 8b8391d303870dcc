package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAllowWithinWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewLimiter(rdb, zap.NewNop())
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	rem, err := l.Remaining(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, rem)

	ok, err = l.Allow(ctx, "bob", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemainingFreshKey(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewLimiter(rdb, zap.NewNop())
	rem, err := l.Remaining(context.Background(), "nobody", RuleSwipe)
	require.NoError(t, err)
	assert.Equal(t, RuleSwipe.Limit, rem)
}

func TestAllowFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	l := NewLimiter(rdb, zap.NewNop())
	ok, err := l.Allow(context.Background(), "alice", RuleSwipe)
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestSwipeRule(t *testing.T) {
	assert.Equal(t, RuleSwipe.Limit, SwipeRule(0).Limit)
	assert.Equal(t, 5, SwipeRule(5).Limit)
	assert.Equal(t, RuleSwipe.Key, SwipeRule(5).Key)
}
