package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversInOrderToMatchingKindOnly(t *testing.T) {
	bus := New(nil)
	ctx := context.Background()

	var got []string
	bus.Subscribe(NewMatch, func(_ context.Context, ev Event) { got = append(got, "first:"+ev.MatchID) })
	bus.Subscribe(NewMatch, func(_ context.Context, ev Event) { got = append(got, "second:"+ev.MatchID) })
	bus.Subscribe(MatchUpdated, func(_ context.Context, ev Event) { got = append(got, "updated:"+ev.MatchID) })

	n := bus.Publish(ctx, Event{Kind: NewMatch, MatchID: "m1"})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first:m1", "second:m1"}, got)
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := New(nil)
	assert.Equal(t, 0, bus.Publish(context.Background(), Event{Kind: PartnerLinked}))
}

func TestUnsubscribe(t *testing.T) {
	bus := New(nil)
	calls := 0
	unsub := bus.Subscribe(MatchUpdated, func(context.Context, Event) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount(MatchUpdated))

	unsub()
	unsub()
	assert.Equal(t, 0, bus.SubscriberCount(MatchUpdated))

	bus.Publish(context.Background(), Event{Kind: MatchUpdated})
	assert.Equal(t, 0, calls)
}

func TestPublish_PanickingHandlerIsIsolated(t *testing.T) {
	bus := New(nil)
	reached := false
	bus.Subscribe(NewMatch, func(context.Context, Event) { panic("boom") })
	bus.Subscribe(NewMatch, func(context.Context, Event) { reached = true })

	n := bus.Publish(context.Background(), Event{Kind: NewMatch})
	assert.Equal(t, 1, n)
	assert.True(t, reached)
}

func TestSubscribeDuringPublish(t *testing.T) {
	bus := New(nil)
	ctx := context.Background()
	var late int32
	bus.Subscribe(NewMatch, func(context.Context, Event) {
		bus.Subscribe(NewMatch, func(context.Context, Event) { atomic.AddInt32(&late, 1) })
	})

	bus.Publish(ctx, Event{Kind: NewMatch})
	assert.EqualValues(t, 0, atomic.LoadInt32(&late), "handler added mid-publish must not see the current event")

	bus.Publish(ctx, Event{Kind: NewMatch})
	assert.EqualValues(t, 1, atomic.LoadInt32(&late))
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := New(nil)
	ctx := context.Background()
	var total int64

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(NewMatch, func(context.Context, Event) { atomic.AddInt64(&total, 1) })
			defer unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(ctx, Event{Kind: NewMatch})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.SubscriberCount(NewMatch))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "newMatch", NewMatch.String())
	assert.Equal(t, "matchUpdated", MatchUpdated.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
