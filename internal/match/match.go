// Package match owns match records: an unordered pair of users who both liked
// the same item, with a status lifecycle and an append-only status history.
// At most one match exists per (pair, item); stores enforce this with a
// single atomic insert-if-absent.
package match

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("match: not found")
	ErrInvalidPair = errors.New("match: a match needs two distinct users and an item")
)

// Match is a persisted mutual like. Users is kept in canonical order.
type Match struct {
	ID        string
	Users     [2]string
	ItemID    string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	History   []StatusChange
}

// StatusChange is one entry of the status history. From is empty for the
// initial entry.
type StatusChange struct {
	From Status
	To   Status
	At   time.Time
}

// HasUser reports whether userID is part of the match.
func (m *Match) HasUser(userID string) bool {
	return m.Users[0] == userID || m.Users[1] == userID
}

// PartnerOf returns the other user of the match.
func (m *Match) PartnerOf(userID string) (string, bool) {
	switch userID {
	case m.Users[0]:
		return m.Users[1], true
	case m.Users[1]:
		return m.Users[0], true
	}
	return "", false
}

// OrderPair returns the canonical ordering of an unordered pair.
func OrderPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

func validatePair(userA, userB, itemID string) error {
	if userA == "" || userB == "" || itemID == "" || userA == userB {
		return ErrInvalidPair
	}
	return nil
}

// Store persists matches.
type Store interface {
	// CreateIfAbsent returns the match for (userA, userB, itemID), creating it
	// in status matched when none exists. created is true only for the caller
	// whose insert won.
	CreateIfAbsent(ctx context.Context, userA, userB, itemID string) (m *Match, created bool, err error)
	// UpdateStatus applies an allowed transition and returns false, leaving
	// the status unchanged, for disallowed transitions and unknown ids.
	UpdateStatus(ctx context.Context, matchID string, to Status) (bool, error)
	Get(ctx context.Context, matchID string) (*Match, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*Match, error)
}
