package match

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists matches in PostgreSQL. Uniqueness of (pair, item)
// is enforced by the matches_pair_item_key constraint; CreateIfAbsent relies
// on it through a single INSERT ... ON CONFLICT statement.
type PostgresStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now, newID: uuid.NewString}
}

// The no-op DO UPDATE makes RETURNING yield the existing row on conflict;
// xmax = 0 only for a freshly inserted tuple.
const createIfAbsentQuery = `
INSERT INTO matches (id, user_low, user_high, item_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (user_low, user_high, item_id) DO UPDATE SET item_id = EXCLUDED.item_id
RETURNING id, user_low, user_high, item_id, status, created_at, updated_at, (xmax = 0) AS inserted`

const insertHistoryQuery = `
INSERT INTO match_status_history (match_id, from_status, to_status, changed_at)
VALUES ($1, $2, $3, $4)`

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, userA, userB, itemID string) (*Match, bool, error) {
	if err := validatePair(userA, userB, itemID); err != nil {
		return nil, false, err
	}
	low, high := OrderPair(userA, userB)
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("match: begin create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		m        Match
		status   string
		inserted bool
	)
	err = tx.QueryRowContext(ctx, createIfAbsentQuery,
		s.newID(), low, high, itemID, string(StatusMatched), now,
	).Scan(&m.ID, &m.Users[0], &m.Users[1], &m.ItemID, &status, &m.CreatedAt, &m.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("match: create if absent: %w", err)
	}
	m.Status = Status(status)

	if inserted {
		if _, err := tx.ExecContext(ctx, insertHistoryQuery, m.ID, "", string(StatusMatched), now); err != nil {
			return nil, false, fmt.Errorf("match: record initial status: %w", err)
		}
		m.History = []StatusChange{{To: StatusMatched, At: now}}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("match: commit create: %w", err)
	}
	return &m, inserted, nil
}

// The row lock in prev serializes concurrent transitions on one match so the
// status check and the write act as a compare-and-swap.
const updateStatusQuery = `
WITH prev AS (
    SELECT id, status FROM matches WHERE id = $1 FOR UPDATE
)
UPDATE matches m
SET status = $2, updated_at = $3
FROM prev
WHERE m.id = prev.id AND prev.status = ANY($4)
RETURNING prev.status`

func (s *PostgresStore) UpdateStatus(ctx context.Context, matchID string, to Status) (bool, error) {
	allowed := AllowedFrom(to)
	if len(allowed) == 0 {
		return false, nil
	}
	if _, err := uuid.Parse(matchID); err != nil {
		return false, nil
	}
	from := make([]string, len(allowed))
	for i, st := range allowed {
		from[i] = string(st)
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("match: begin update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prev string
	err = tx.QueryRowContext(ctx, updateStatusQuery, matchID, string(to), now, pq.Array(from)).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("match: update status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertHistoryQuery, matchID, prev, string(to), now); err != nil {
		return false, fmt.Errorf("match: record status change: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("match: commit update: %w", err)
	}
	return true, nil
}

const getQuery = `
SELECT id, user_low, user_high, item_id, status, created_at, updated_at
FROM matches
WHERE id = $1`

const historyQuery = `
SELECT from_status, to_status, changed_at
FROM match_status_history
WHERE match_id = $1
ORDER BY id`

func (s *PostgresStore) Get(ctx context.Context, matchID string) (*Match, error) {
	if _, err := uuid.Parse(matchID); err != nil {
		return nil, ErrNotFound
	}

	var (
		m      Match
		status string
	)
	err := s.db.QueryRowContext(ctx, getQuery, matchID).
		Scan(&m.ID, &m.Users[0], &m.Users[1], &m.ItemID, &status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("match: get %s: %w", matchID, err)
	}
	m.Status = Status(status)

	rows, err := s.db.QueryContext(ctx, historyQuery, matchID)
	if err != nil {
		return nil, fmt.Errorf("match: history %s: %w", matchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, to string
		var at time.Time
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, fmt.Errorf("match: scan history: %w", err)
		}
		m.History = append(m.History, StatusChange{From: Status(from), To: Status(to), At: at})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match: iterate history: %w", err)
	}
	return &m, nil
}

const listForUserQuery = `
SELECT id, user_low, user_high, item_id, status, created_at, updated_at
FROM matches
WHERE user_low = $1 OR user_high = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`

func (s *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]*Match, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listForUserQuery, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("match: list for %s: %w", userID, err)
	}
	defer rows.Close()

	out := make([]*Match, 0)
	for rows.Next() {
		var (
			m      Match
			status string
		)
		if err := rows.Scan(&m.ID, &m.Users[0], &m.Users[1], &m.ItemID, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("match: scan match: %w", err)
		}
		m.Status = Status(status)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match: iterate matches: %w", err)
	}
	return out, nil
}
