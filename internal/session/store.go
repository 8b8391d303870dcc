// Package session tracks user presence in Redis: which users currently hold a
// live WebSocket connection, on which server instance, and how many.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a presence entry survives without a refresh,
	// so a crashed server does not leave users online forever.
	PresenceTTL = 2 * time.Minute
)

// Presence is a user's presence record as stored in Redis.
type Presence struct {
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`      // which WS server instance
	Connections int    `redis:"connections"` // live connections on Server
	LastSeen    int64  `redis:"last_seen"`   // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	now        func() time.Time
}

// NewStore creates a presence store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

func presenceKey(userID string) string { return PresencePrefix + userID }

// MarkOnline records one more live connection for the user and returns the
// connection count after the increment.
func (s *Store) MarkOnline(ctx context.Context, userID string) (int, error) {
	key := presenceKey(userID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "user_id", userID, "server", s.serverName, "last_seen", s.now().Unix())
	incr := pipe.HIncrBy(ctx, key, "connections", 1)
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("session: mark online %s: %w", userID, err)
	}
	return int(incr.Val()), nil
}

// MarkOffline drops one live connection and removes the record when none
// remain. It returns the remaining count.
func (s *Store) MarkOffline(ctx context.Context, userID string) (int, error) {
	n, err := markOfflineLua.Run(ctx, s.client, []string{presenceKey(userID)}, s.now().Unix(), int(PresenceTTL.Seconds())).Int()
	if err != nil {
		return 0, fmt.Errorf("session: mark offline %s: %w", userID, err)
	}
	return n, nil
}

var markOfflineLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local n = redis.call('HINCRBY', KEYS[1], 'connections', -1)
if n <= 0 then
    redis.call('DEL', KEYS[1])
    return 0
end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return n
`)

// IsOnline reports whether the user has at least one live connection on any
// server.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return p != nil && p.Connections > 0, nil
}

// Get retrieves a presence record. Returns nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, presenceKey(userID)).Scan(&p); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", userID, err)
	}
	if p.UserID == "" {
		return nil, nil
	}
	return &p, nil
}

// Refresh extends the TTL of each user's presence record. Servers call it
// periodically for users they hold connections for. Missing records are left
// absent.
func (s *Store) Refresh(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := strconv.FormatInt(s.now().Unix(), 10)
	ttl := int(PresenceTTL.Seconds())
	pipe := s.client.Pipeline()
	for _, id := range userIDs {
		pipe.Eval(ctx, refreshLua, []string{presenceKey(id)}, now, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh: %w", err)
	}
	return nil
}

const refreshLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`

// KeepAlive calls Refresh with the ids returned by users every interval until
// ctx is done.
func (s *Store) KeepAlive(ctx context.Context, interval time.Duration, users func() []string, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx, users()...); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
