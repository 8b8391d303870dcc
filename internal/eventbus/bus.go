// Package eventbus is the in-process publish/subscribe channel that fans out
// match lifecycle events to interested subscribers (the notification
// dispatcher, the NATS relay, metrics).
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Kind enumerates the event kinds carried by the bus.
type Kind uint8

const (
	NewMatch Kind = iota + 1
	MatchUpdated
	PartnerLinked
	PartnerUnlinked
)

func (k Kind) String() string {
	switch k {
	case NewMatch:
		return "newMatch"
	case MatchUpdated:
		return "matchUpdated"
	case PartnerLinked:
		return "partnerLinked"
	case PartnerUnlinked:
		return "partnerUnlinked"
	default:
		return "unknown"
	}
}

// Event is the tagged union published on the bus. Fields not relevant to a
// kind are left empty: partner events carry only Users.
type Event struct {
	Kind    Kind
	MatchID string
	ItemID  string
	Status  string
	Users   [2]string
}

// Handler receives events. Handlers run on the publisher's goroutine.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id uint64
	fn Handler
}

// Bus keeps one ordered subscriber list per kind. It is safe for concurrent
// use; Publish delivers to a snapshot so handlers may (un)subscribe freely.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscription
	log    *zap.Logger
}

// New creates an empty Bus. A nil logger is replaced with a no-op logger.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs: make(map[Kind][]subscription),
		log:  log.Named("eventbus"),
	}
}

// Subscribe registers fn for kind and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(kind, id) })
	}
}

func (b *Bus) unsubscribe(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[kind]
	for i, s := range list {
		if s.id == id {
			next := make([]subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, kind)
			} else {
				b.subs[kind] = next
			}
			return
		}
	}
}

// Publish delivers ev to every subscriber of ev.Kind in subscription order
// and returns how many handlers completed without panicking.
func (b *Bus) Publish(ctx context.Context, ev Event) int {
	b.mu.RLock()
	list := b.subs[ev.Kind]
	b.mu.RUnlock()

	delivered := 0
	for _, s := range list {
		if b.call(ctx, s.fn, ev) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount returns the number of handlers registered for kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

func (b *Bus) call(ctx context.Context, fn Handler, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panicked",
				zap.Stringer("kind", ev.Kind),
				zap.Any("panic", r))
			ok = false
		}
	}()
	fn(ctx, ev)
	return true
}
