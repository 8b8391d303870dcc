// Package swipe turns individual like/pass actions into matches. A match is
// created when a user likes an item their partner has already liked; the
// insert is delegated to the match store, which guarantees at most one match
// per (pair, item) even when both partners swipe at the same moment.
package swipe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/eventbus"
	"github.com/mealmatch/realtime/internal/match"
	"github.com/mealmatch/realtime/internal/metrics"
	"github.com/mealmatch/realtime/internal/pairing"
)

var (
	ErrInvalidInput    = errors.New("swipe: user id and item id are required")
	ErrPartnerNotFound = errors.New("swipe: partner record not found")
	ErrItemNotFound    = errors.New("swipe: item not found")
	ErrTransient       = errors.New("swipe: storage temporarily unavailable")
)

// PairingStore is the subset of the pairing store the processor uses.
type PairingStore interface {
	AddSwipe(ctx context.Context, userID, itemID string, liked bool) error
	GetPartner(ctx context.Context, userID string) (string, error)
	HasLiked(ctx context.Context, userID, itemID string) (bool, error)
	ConnectPartners(ctx context.Context, a, b string) (linked bool, err error)
	DisconnectPartner(ctx context.Context, userID string) (string, error)
}

// ItemCatalog reports whether an item exists. It is optional.
type ItemCatalog interface {
	Exists(ctx context.Context, itemID string) (bool, error)
}

// Result is the outcome of RecordSwipe.
type Result struct {
	Matched bool
	MatchID string
}

// Processor records swipes and creates matches.
type Processor struct {
	pairs   PairingStore
	matches match.Store
	bus     *eventbus.Bus
	catalog ItemCatalog
	log     *zap.Logger

	retryDelay time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithItemCatalog makes RecordSwipe reject unknown items with ErrItemNotFound.
func WithItemCatalog(c ItemCatalog) Option {
	return func(p *Processor) { p.catalog = c }
}

// WithRetryDelay sets the pause before the single retry of a transient failure.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Processor) { p.retryDelay = d }
}

// NewProcessor wires a processor to its stores and the event bus.
func NewProcessor(pairs PairingStore, matches match.Store, bus *eventbus.Bus, log *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		pairs:      pairs,
		matches:    matches,
		bus:        bus,
		log:        log.Named("swipe"),
		retryDelay: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RecordSwipe stores the swipe and, for a like the partner shares, returns the
// match for (user, partner, item). NewMatch is published only by the call
// whose insert created the match.
func (p *Processor) RecordSwipe(ctx context.Context, userID, itemID string, liked bool) (Result, error) {
	if userID == "" || itemID == "" {
		return Result{}, ErrInvalidInput
	}
	start := time.Now()
	defer func() { metrics.SwipeLatency.Observe(time.Since(start).Seconds()) }()

	res, err := p.recordSwipe(ctx, userID, itemID, liked)
	switch {
	case err == nil && res.Matched:
		metrics.SwipesTotal.WithLabelValues("matched").Inc()
	case err == nil && liked:
		metrics.SwipesTotal.WithLabelValues("like").Inc()
	case err == nil:
		metrics.SwipesTotal.WithLabelValues("pass").Inc()
	case errors.Is(err, pairing.ErrAlreadySwiped):
		metrics.SwipesTotal.WithLabelValues("duplicate").Inc()
	default:
		metrics.SwipesTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (p *Processor) recordSwipe(ctx context.Context, userID, itemID string, liked bool) (Result, error) {
	if p.catalog != nil {
		var exists bool
		err := p.retry(ctx, "item lookup", func() error {
			var err error
			exists, err = p.catalog.Exists(ctx, itemID)
			return err
		})
		if err != nil {
			return Result{}, err
		}
		if !exists {
			return Result{}, ErrItemNotFound
		}
	}

	applied := pairing.ErrAlreadyDisliked
	if liked {
		applied = pairing.ErrAlreadyLiked
	}
	retried := false
	err := p.retry(ctx, "add swipe", func() error {
		err := p.pairs.AddSwipe(ctx, userID, itemID, liked)
		// A failed first attempt may still have been applied, but only if the
		// item landed in the set this swipe writes to.
		if retried && errors.Is(err, applied) {
			return nil
		}
		retried = true
		return err
	})
	if err != nil {
		return Result{}, err
	}
	if !liked {
		return Result{}, nil
	}

	var partnerID string
	err = p.retry(ctx, "get partner", func() error {
		var err error
		partnerID, err = p.pairs.GetPartner(ctx, userID)
		return err
	})
	if err != nil || partnerID == "" {
		return Result{}, err
	}

	err = p.retry(ctx, "partner lookup", func() error {
		_, err := p.pairs.GetPartner(ctx, partnerID)
		return err
	})
	if errors.Is(err, pairing.ErrUserNotFound) {
		p.log.Warn("partner reference points at a missing user",
			zap.String("user_id", userID), zap.String("partner_id", partnerID))
		return Result{}, ErrPartnerNotFound
	}
	if err != nil {
		return Result{}, err
	}

	var partnerLiked bool
	err = p.retry(ctx, "has liked", func() error {
		var err error
		partnerLiked, err = p.pairs.HasLiked(ctx, partnerID, itemID)
		return err
	})
	if err != nil || !partnerLiked {
		return Result{}, err
	}

	var (
		m       *match.Match
		created bool
	)
	err = p.retry(ctx, "create match", func() error {
		var err error
		m, created, err = p.matches.CreateIfAbsent(ctx, userID, partnerID, itemID)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	if created {
		metrics.MatchesCreated.Inc()
		p.log.Info("match created",
			zap.String("match_id", m.ID),
			zap.String("item_id", itemID),
			zap.Strings("users", m.Users[:]))
		p.bus.Publish(ctx, eventbus.Event{
			Kind:    eventbus.NewMatch,
			MatchID: m.ID,
			ItemID:  m.ItemID,
			Status:  string(m.Status),
			Users:   m.Users,
		})
	}
	return Result{Matched: true, MatchID: m.ID}, nil
}

// UpdateMatchStatus applies a status transition and publishes MatchUpdated
// when it was accepted. Disallowed transitions return false and no error.
func (p *Processor) UpdateMatchStatus(ctx context.Context, matchID string, to match.Status) (bool, error) {
	if matchID == "" || !to.Valid() {
		return false, ErrInvalidInput
	}
	var ok bool
	err := p.retry(ctx, "update status", func() error {
		var err error
		ok, err = p.matches.UpdateStatus(ctx, matchID, to)
		return err
	})
	if err != nil {
		return false, err
	}
	metrics.StatusTransitions.WithLabelValues(string(to), strconv.FormatBool(ok)).Inc()
	if !ok {
		return false, nil
	}

	m, err := p.matches.Get(ctx, matchID)
	if err != nil {
		p.log.Error("reload match after status change",
			zap.String("match_id", matchID), zap.Error(err))
		return true, nil
	}
	p.bus.Publish(ctx, eventbus.Event{
		Kind:    eventbus.MatchUpdated,
		MatchID: m.ID,
		ItemID:  m.ItemID,
		Status:  string(m.Status),
		Users:   m.Users,
	})
	return true, nil
}

// ConnectPartners links two users and publishes PartnerLinked when a new link
// was written.
func (p *Processor) ConnectPartners(ctx context.Context, a, b string) error {
	if a == "" || b == "" {
		return ErrInvalidInput
	}
	var linked, retried bool
	if err := p.retry(ctx, "connect partners", func() error {
		ok, err := p.pairs.ConnectPartners(ctx, a, b)
		// After a failed first attempt an existing link may be its own write.
		linked = ok || (retried && err == nil)
		retried = true
		return err
	}); err != nil {
		return err
	}
	if linked {
		p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.PartnerLinked, Users: [2]string{a, b}})
	}
	return nil
}

// DisconnectPartner unlinks the user from their partner, publishing
// PartnerUnlinked when a link existed.
func (p *Processor) DisconnectPartner(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	var former string
	if err := p.retry(ctx, "disconnect partner", func() error {
		var err error
		former, err = p.pairs.DisconnectPartner(ctx, userID)
		return err
	}); err != nil {
		return err
	}
	if former != "" {
		p.bus.Publish(ctx, eventbus.Event{Kind: eventbus.PartnerUnlinked, Users: [2]string{userID, former}})
	}
	return nil
}

// retry runs fn and, if it fails with a transient error, runs it once more.
// A second transient failure is wrapped in ErrTransient.
func (p *Processor) retry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !transient(err) {
		return err
	}
	p.log.Warn("transient storage error, retrying", zap.String("op", op), zap.Error(err))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.retryDelay):
	}

	err = fn()
	if err == nil || !transient(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

// transient reports whether err is a storage failure worth retrying rather
// than a domain outcome.
func transient(err error) bool {
	switch {
	case errors.Is(err, pairing.ErrUserNotFound),
		errors.Is(err, pairing.ErrAlreadySwiped),
		errors.Is(err, pairing.ErrAlreadyPartnered),
		errors.Is(err, pairing.ErrSelfPartner),
		errors.Is(err, match.ErrNotFound),
		errors.Is(err, match.ErrInvalidPair),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
