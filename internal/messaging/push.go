package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/eventbus"
	"github.com/mealmatch/realtime/internal/protocol"
)

// Publisher is the publishing half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Pusher hands undeliverable envelopes to an external push worker by
// publishing them on push.<user_id>. Nothing is queued durably.
type Pusher struct {
	pub Publisher
}

// NewPusher creates a Pusher.
func NewPusher(pub Publisher) *Pusher {
	return &Pusher{pub: pub}
}

// NotifyOffline publishes env for userID.
func (p *Pusher) NotifyOffline(_ context.Context, userID string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(SubjectPush+"."+userID, data); err != nil {
		return fmt.Errorf("messaging: push %s: %w", userID, err)
	}
	return nil
}

// MatchEvent is the JSON form of a bus event on match.events.<kind>.
type MatchEvent struct {
	Kind    string   `json:"kind"`
	MatchID string   `json:"matchId,omitempty"`
	ItemID  string   `json:"itemId,omitempty"`
	Status  string   `json:"status,omitempty"`
	Users   []string `json:"users"`
}

// EventRelay republishes bus events on NATS for consumers outside this
// process, such as analytics or a future cross-server dispatcher.
type EventRelay struct {
	pub Publisher
	log *zap.Logger
}

// NewEventRelay creates an EventRelay.
func NewEventRelay(pub Publisher, log *zap.Logger) *EventRelay {
	return &EventRelay{pub: pub, log: log.Named("relay")}
}

// Attach subscribes the relay to every event kind. The returned function
// removes the subscriptions.
func (r *EventRelay) Attach(bus *eventbus.Bus) func() {
	kinds := []eventbus.Kind{eventbus.NewMatch, eventbus.MatchUpdated, eventbus.PartnerLinked, eventbus.PartnerUnlinked}
	unsubs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, bus.Subscribe(k, r.relay))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *EventRelay) relay(_ context.Context, ev eventbus.Event) {
	data, err := json.Marshal(MatchEvent{
		Kind:    ev.Kind.String(),
		MatchID: ev.MatchID,
		ItemID:  ev.ItemID,
		Status:  ev.Status,
		Users:   ev.Users[:],
	})
	if err != nil {
		r.log.Error("marshal event", zap.Error(err))
		return
	}
	subject := SubjectMatchEvents + "." + ev.Kind.String()
	if err := r.pub.Publish(subject, data); err != nil {
		r.log.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}
