// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Swipes are throttled per user and WebSocket
// handshakes per user or remote address.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:swipe:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSwipe allows 60 swipes per minute per user.
	RuleSwipe = Rule{Key: "rl:swipe:", Limit: 60, Window: time.Minute}

	// RuleConnect allows 20 WebSocket handshakes per minute per identity.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// SwipeRule returns RuleSwipe with the limit replaced when perMinute > 0.
func SwipeRule(perMinute int) Rule {
	r := RuleSwipe
	if perMinute > 0 {
		r.Limit = perMinute
	}
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	return &Limiter{client: client, log: log.Named("ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block swipes.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("GET failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
