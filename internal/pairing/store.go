// Package pairing stores users, their symmetric partner link and their
// per-user liked/disliked item sets in Redis:
//
//	user:<id>           hash  id, partner_id, created_at
//	user:<id>:liked     set   item ids
//	user:<id>:disliked  set   item ids
//
// Every mutation that must check-and-write runs as a single Lua script so
// concurrent requests cannot interleave between the check and the write.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	UserPrefix      = "user:"
	likedSuffix     = ":liked"
	dislikedSuffix  = ":disliked"
	fieldPartner    = "partner_id"
	fieldCreatedAt  = "created_at"
	fieldIdentifier = "id"
)

var (
	ErrUserNotFound     = errors.New("pairing: user not found")
	ErrAlreadySwiped    = errors.New("pairing: item already swiped")
	ErrAlreadyPartnered = errors.New("pairing: user already has a different partner")
	ErrSelfPartner      = errors.New("pairing: user cannot partner with themselves")
	ErrPartnerChanged   = errors.New("pairing: partner changed during disconnect")

	// ErrAlreadyLiked and ErrAlreadyDisliked name the set holding the item.
	// Both match ErrAlreadySwiped.
	ErrAlreadyLiked    = fmt.Errorf("%w: liked", ErrAlreadySwiped)
	ErrAlreadyDisliked = fmt.Errorf("%w: disliked", ErrAlreadySwiped)
)

// disconnectAttempts bounds the read-then-swap loop in DisconnectPartner.
const disconnectAttempts = 3

// User is the pairing view of an account.
type User struct {
	ID        string
	PartnerID string // empty when unpaired
	CreatedAt time.Time
}

// HasPartner reports whether the user is currently paired.
func (u *User) HasPartner() bool {
	return u.PartnerID != ""
}

// Store manages pairing state in Redis.
type Store struct {
	rdb              *redis.Client
	swipeScript      *redis.Script
	connectScript    *redis.Script
	disconnectScript *redis.Script
	now              func() time.Time
}

// NewStore creates a pairing store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:              rdb,
		swipeScript:      redis.NewScript(addSwipeLua),
		connectScript:    redis.NewScript(connectPartnersLua),
		disconnectScript: redis.NewScript(disconnectPartnerLua),
		now:              time.Now,
	}
}

func userKey(id string) string     { return UserPrefix + id }
func likedKey(id string) string    { return UserPrefix + id + likedSuffix }
func dislikedKey(id string) string { return UserPrefix + id + dislikedSuffix }

// EnsureUser creates the user record on first access. Existing records are
// left untouched.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	key := userKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, fieldIdentifier, userID)
	pipe.HSetNX(ctx, key, fieldCreatedAt, s.now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pairing: ensure user %s: %w", userID, err)
	}
	return nil
}

// GetUser returns the user record or ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	result, err := s.rdb.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pairing: get user %s: %w", userID, err)
	}
	if len(result) == 0 {
		return nil, ErrUserNotFound
	}
	createdAt, _ := strconv.ParseInt(result[fieldCreatedAt], 10, 64)
	return &User{
		ID:        userID,
		PartnerID: result[fieldPartner],
		CreatedAt: time.Unix(createdAt, 0),
	}, nil
}

// GetPartner returns the partner id, or "" when the user has none.
func (s *Store) GetPartner(ctx context.Context, userID string) (string, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.PartnerID, nil
}

// HasLiked reports whether itemID is in the user's liked set.
func (s *Store) HasLiked(ctx context.Context, userID, itemID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, likedKey(userID), itemID).Result()
	if err != nil {
		return false, fmt.Errorf("pairing: has liked %s/%s: %w", userID, itemID, err)
	}
	return ok, nil
}

// Liked returns every item the user has liked.
func (s *Store) Liked(ctx context.Context, userID string) ([]string, error) {
	items, err := s.rdb.SMembers(ctx, likedKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pairing: liked %s: %w", userID, err)
	}
	return items, nil
}

// AddSwipe atomically records a like or dislike. It fails with
// ErrAlreadyLiked or ErrAlreadyDisliked when the item is already in a set and
// with ErrUserNotFound when the user record is missing; neither case mutates.
func (s *Store) AddSwipe(ctx context.Context, userID, itemID string, liked bool) error {
	flag := "0"
	if liked {
		flag = "1"
	}
	keys := []string{userKey(userID), likedKey(userID), dislikedKey(userID)}
	code, err := s.swipeScript.Run(ctx, s.rdb, keys, itemID, flag).Int()
	if err != nil {
		return fmt.Errorf("pairing: add swipe %s/%s: %w", userID, itemID, err)
	}
	switch code {
	case 1:
		return nil
	case -1:
		return ErrUserNotFound
	case -2:
		return ErrAlreadyLiked
	case -3:
		return ErrAlreadyDisliked
	default:
		return fmt.Errorf("pairing: add swipe: unexpected result %d", code)
	}
}

// ConnectPartners links a and b symmetrically. linked is false when the two
// were already partners, in which case nothing is written; linking a user
// who has a different partner fails.
func (s *Store) ConnectPartners(ctx context.Context, a, b string) (linked bool, err error) {
	if a == b {
		return false, ErrSelfPartner
	}
	code, err := s.connectScript.Run(ctx, s.rdb, []string{userKey(a), userKey(b)}, a, b).Int()
	if err != nil {
		return false, fmt.Errorf("pairing: connect %s<->%s: %w", a, b, err)
	}
	switch code {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ErrUserNotFound
	case -2:
		return false, ErrAlreadyPartnered
	default:
		return false, fmt.Errorf("pairing: connect: unexpected result %d", code)
	}
}

// DisconnectPartner removes the link on both sides and returns the former
// partner id ("" when the user was not paired). The partner is read first so
// the script declares both keys it writes; if the link changes in between,
// the read is repeated.
func (s *Store) DisconnectPartner(ctx context.Context, userID string) (string, error) {
	for i := 0; i < disconnectAttempts; i++ {
		partner, err := s.GetPartner(ctx, userID)
		if err != nil {
			return "", err
		}
		if partner == "" {
			return "", nil
		}
		keys := []string{userKey(userID), userKey(partner)}
		code, err := s.disconnectScript.Run(ctx, s.rdb, keys, userID, partner).Int()
		if err != nil {
			return "", fmt.Errorf("pairing: disconnect %s: %w", userID, err)
		}
		switch code {
		case 1:
			return partner, nil
		case -1:
			return "", ErrUserNotFound
		case -2:
			continue
		default:
			return "", fmt.Errorf("pairing: disconnect: unexpected result %d", code)
		}
	}
	return "", fmt.Errorf("pairing: disconnect %s: %w", userID, ErrPartnerChanged)
}

// addSwipeLua returns 1 on success, -1 if the user is missing, -2 if the item
// is already liked, -3 if it is already disliked.
const addSwipeLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local item = ARGV[1]
if redis.call('SISMEMBER', KEYS[2], item) == 1 then return -2 end
if redis.call('SISMEMBER', KEYS[3], item) == 1 then return -3 end
if ARGV[2] == '1' then
    redis.call('SADD', KEYS[2], item)
else
    redis.call('SADD', KEYS[3], item)
end
return 1
`

// connectPartnersLua returns 1 when linked, 0 when already linked to each
// other, -1 if either user is missing, -2 if either has another partner.
const connectPartnersLua = `
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('EXISTS', KEYS[2]) == 0 then return -1 end
local pa = redis.call('HGET', KEYS[1], 'partner_id')
local pb = redis.call('HGET', KEYS[2], 'partner_id')
if pa == ARGV[2] and pb == ARGV[1] then return 0 end
if (pa and pa ~= '') or (pb and pb ~= '') then return -2 end
redis.call('HSET', KEYS[1], 'partner_id', ARGV[2])
redis.call('HSET', KEYS[2], 'partner_id', ARGV[1])
return 1
`

// disconnectPartnerLua clears the link between KEYS[1] (user ARGV[1]) and
// KEYS[2] (partner ARGV[2]). It returns 1 when cleared, -1 if the user is
// missing, -2 if the user's partner is no longer ARGV[2]. The partner side is
// only cleared while it still points back at the user.
const disconnectPartnerLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'partner_id') ~= ARGV[2] then return -2 end
redis.call('HSET', KEYS[1], 'partner_id', '')
if redis.call('HGET', KEYS[2], 'partner_id') == ARGV[1] then
    redis.call('HSET', KEYS[2], 'partner_id', '')
end
return 1
`
