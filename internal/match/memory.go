package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store for tests and single-node development.
// The mutex makes the lookup and insert one atomic step.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]*Match
	byTriple map[string]string // user_low|user_high|item -> id
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Match),
		byTriple: make(map[string]string),
		now:      time.Now,
	}
}

func tripleKey(low, high, item string) string {
	return low + "|" + high + "|" + item
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, userA, userB, itemID string) (*Match, bool, error) {
	if err := validatePair(userA, userB, itemID); err != nil {
		return nil, false, err
	}
	low, high := OrderPair(userA, userB)
	key := tripleKey(low, high, itemID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byTriple[key]; ok {
		return clone(s.byID[id]), false, nil
	}

	now := s.now().UTC()
	m := &Match{
		ID:        uuid.NewString(),
		Users:     [2]string{low, high},
		ItemID:    itemID,
		Status:    StatusMatched,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []StatusChange{{To: StatusMatched, At: now}},
	}
	s.byID[m.ID] = m
	s.byTriple[key] = m.ID
	return clone(m), true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, matchID string, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[matchID]
	if !ok || !CanTransition(m.Status, to) {
		return false, nil
	}
	now := s.now().UTC()
	m.History = append(m.History, StatusChange{From: m.Status, To: to, At: now})
	m.Status = to
	m.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, matchID string) (*Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m), nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]*Match, error) {
	s.mu.Lock()
	out := make([]*Match, 0)
	for _, m := range s.byID {
		if m.HasUser(userID) {
			out = append(out, clone(m))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(m *Match) *Match {
	c := *m
	c.History = append([]StatusChange(nil), m.History...)
	return &c
}
