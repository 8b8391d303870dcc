// Package notify routes server-originated events to the right users' live
// connections. It turns match events from the bus into newMatch/matchUpdate
// frames for both partners, announces partner presence, and relays
// partnerActivity frames between partners.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/eventbus"
	"github.com/mealmatch/realtime/internal/metrics"
	"github.com/mealmatch/realtime/internal/protocol"
	"github.com/mealmatch/realtime/internal/ws"
)

// Transport delivers frames to a user's live connections on this server.
type Transport interface {
	SendToUser(userID string, data []byte) int
	IsOnline(userID string) bool
}

// PartnerLookup resolves a user's partner; "" means unpaired.
type PartnerLookup interface {
	GetPartner(ctx context.Context, userID string) (string, error)
}

// Presence records cluster-wide online state.
type Presence interface {
	MarkOnline(ctx context.Context, userID string) (int, error)
	MarkOffline(ctx context.Context, userID string) (int, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// PushHook is told about match notifications that reached no live connection.
type PushHook interface {
	NotifyOffline(ctx context.Context, userID string, env protocol.Envelope) error
}

const hookTimeout = 3 * time.Second

// MaxActivityBytes caps the relayed partnerActivity value.
const MaxActivityBytes = 4096

// Codes carried in error frames sent back to a client.
const (
	ErrCodeInvalidPayload   = "invalid_payload"
	ErrCodeActivityTooLarge = "activity_too_large"
)

// Dispatcher sends envelopes to users and partners.
type Dispatcher struct {
	transport Transport
	partners  PartnerLookup
	presence  Presence
	push      PushHook
	log       *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPresence records online state in a shared store so partners connected
// to other servers are reported correctly.
func WithPresence(p Presence) Option { return func(d *Dispatcher) { d.presence = p } }

// WithPushHook sets the hook for undeliverable match notifications.
func WithPushHook(h PushHook) Option { return func(d *Dispatcher) { d.push = h } }

// NewDispatcher creates a Dispatcher.
func NewDispatcher(t Transport, partners PartnerLookup, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{transport: t, partners: partners, log: log.Named("notify")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendToUser writes env to every live connection of userID. It returns false,
// without error, when the user has no live connection or every write failed.
func (d *Dispatcher) SendToUser(userID string, env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		d.log.Error("encode envelope", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	n := d.transport.SendToUser(userID, data)
	switch {
	case n > 0:
		metrics.Deliveries.WithLabelValues(env.Type, "delivered").Inc()
		return true
	case d.transport.IsOnline(userID):
		metrics.Deliveries.WithLabelValues(env.Type, "failed").Inc()
		d.log.Debug("all writes failed", zap.String("user_id", userID), zap.String("type", env.Type))
	default:
		metrics.Deliveries.WithLabelValues(env.Type, "offline").Inc()
		d.log.Debug("user not connected", zap.String("user_id", userID), zap.String("type", env.Type))
	}
	return false
}

// SendToPartners sends env to both users and reports whether at least one
// received it.
func (d *Dispatcher) SendToPartners(a, b string, env protocol.Envelope) bool {
	okA := d.SendToUser(a, env)
	okB := d.SendToUser(b, env)
	return okA || okB
}

// Attach subscribes the dispatcher to match and partner events on bus. The
// returned function removes the subscriptions.
func (d *Dispatcher) Attach(bus *eventbus.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(eventbus.NewMatch, d.onNewMatch),
		bus.Subscribe(eventbus.MatchUpdated, d.onMatchUpdated),
		bus.Subscribe(eventbus.PartnerLinked, d.onPartnerLinked),
		bus.Subscribe(eventbus.PartnerUnlinked, d.onPartnerUnlinked),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (d *Dispatcher) onNewMatch(ctx context.Context, ev eventbus.Event) {
	env, err := protocol.NewEnvelope(protocol.TypeNewMatch, protocol.NewMatchPayload{
		MatchID: ev.MatchID,
		ItemID:  ev.ItemID,
		Users:   ev.Users[:],
	})
	if err != nil {
		d.log.Error("build newMatch", zap.Error(err))
		return
	}
	for _, user := range ev.Users {
		if d.SendToUser(user, env) || d.push == nil {
			continue
		}
		if err := d.push.NotifyOffline(ctx, user, env); err != nil {
			d.log.Warn("push hook failed", zap.String("user_id", user), zap.Error(err))
		}
	}
}

func (d *Dispatcher) onMatchUpdated(_ context.Context, ev eventbus.Event) {
	env, err := protocol.NewEnvelope(protocol.TypeMatchUpdate, protocol.MatchUpdatePayload{
		MatchID: ev.MatchID,
		ItemID:  ev.ItemID,
		Status:  ev.Status,
	})
	if err != nil {
		d.log.Error("build matchUpdate", zap.Error(err))
		return
	}
	d.SendToPartners(ev.Users[0], ev.Users[1], env)
}

func (d *Dispatcher) onPartnerLinked(ctx context.Context, ev eventbus.Event) {
	a, b := ev.Users[0], ev.Users[1]
	if d.online(ctx, b) {
		d.sendPresence(a, protocol.TypePartnerOnline, b)
	}
	if d.online(ctx, a) {
		d.sendPresence(b, protocol.TypePartnerOnline, a)
	}
}

func (d *Dispatcher) onPartnerUnlinked(_ context.Context, ev eventbus.Event) {
	a, b := ev.Users[0], ev.Users[1]
	d.sendPresence(a, protocol.TypePartnerOffline, b)
	d.sendPresence(b, protocol.TypePartnerOffline, a)
}

// HandleConnect is the ws OnConnect hook. The new connection receives
// connected; on the user's first connection the partner receives
// partnerOnline.
func (d *Dispatcher) HandleConnect(c *ws.Connection, first bool) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if d.presence != nil {
		n, err := d.presence.MarkOnline(ctx, c.UserID)
		if err != nil {
			d.log.Warn("mark online", zap.String("user_id", c.UserID), zap.Error(err))
		} else {
			first = n == 1
		}
	}

	partner := d.partnerOf(ctx, c.UserID)
	data, err := protocol.NewMessage(protocol.TypeConnected, protocol.ConnectedPayload{
		UserID:        c.UserID,
		PartnerOnline: partner != "" && d.online(ctx, partner),
	})
	if err == nil {
		if err := c.WriteMessage(data); err != nil {
			d.log.Debug("send connected", zap.String("conn_id", c.ID), zap.Error(err))
		}
	}

	if first && partner != "" {
		d.sendPresence(partner, protocol.TypePartnerOnline, c.UserID)
	}
}

// HandleDisconnect is the ws OnDisconnect hook. When the user's last
// connection goes away the partner receives partnerOffline.
func (d *Dispatcher) HandleDisconnect(c *ws.Connection, last bool) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if d.presence != nil {
		n, err := d.presence.MarkOffline(ctx, c.UserID)
		if err != nil {
			d.log.Warn("mark offline", zap.String("user_id", c.UserID), zap.Error(err))
		} else {
			last = n == 0
		}
	}
	if !last {
		return
	}
	if partner := d.partnerOf(ctx, c.UserID); partner != "" {
		d.sendPresence(partner, protocol.TypePartnerOffline, c.UserID)
	}
}

// Register installs the inbound handlers on md.
func (d *Dispatcher) Register(md *ws.MessageDispatcher) {
	md.Register(protocol.TypePartnerActivity, d.handlePartnerActivity)
}

// handlePartnerActivity forwards a client's activity frame to its partner,
// stamping the sender.
func (d *Dispatcher) handlePartnerActivity(c *ws.Connection, env protocol.Envelope) {
	var in protocol.PartnerActivityPayload
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&in); err != nil {
			d.log.Warn("dropping partnerActivity", zap.String("conn_id", c.ID), zap.Error(err))
			d.reject(c, ErrCodeInvalidPayload, "partnerActivity payload is not an object")
			return
		}
	}
	if len(in.Activity) > MaxActivityBytes {
		d.log.Warn("dropping partnerActivity",
			zap.String("conn_id", c.ID),
			zap.Int("bytes", len(in.Activity)),
			zap.Int("limit", MaxActivityBytes))
		d.reject(c, ErrCodeActivityTooLarge, fmt.Sprintf("activity exceeds %d bytes", MaxActivityBytes))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	partner := d.partnerOf(ctx, c.UserID)
	if partner == "" {
		d.log.Debug("partnerActivity from unpaired user", zap.String("user_id", c.UserID))
		return
	}

	out, err := protocol.NewEnvelope(protocol.TypePartnerActivity, protocol.PartnerActivityPayload{
		From:     c.UserID,
		Activity: in.Activity,
	})
	if err != nil {
		d.log.Error("build partnerActivity", zap.Error(err))
		return
	}
	d.SendToUser(partner, out)
}

// reject tells the sender its frame was discarded. The connection stays open.
func (d *Dispatcher) reject(c *ws.Connection, code, message string) {
	data, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		d.log.Error("build error frame", zap.Error(err))
		return
	}
	if err := c.WriteMessage(data); err != nil {
		d.log.Debug("send error frame failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
}

func (d *Dispatcher) sendPresence(to, msgType, about string) {
	env, err := protocol.NewEnvelope(msgType, protocol.PartnerPresencePayload{UserID: about})
	if err != nil {
		d.log.Error("build presence", zap.String("type", msgType), zap.Error(err))
		return
	}
	d.SendToUser(to, env)
}

func (d *Dispatcher) partnerOf(ctx context.Context, userID string) string {
	partner, err := d.partners.GetPartner(ctx, userID)
	if err != nil {
		d.log.Debug("partner lookup", zap.String("user_id", userID), zap.Error(err))
		return ""
	}
	return partner
}

func (d *Dispatcher) online(ctx context.Context, userID string) bool {
	if d.transport.IsOnline(userID) {
		return true
	}
	if d.presence == nil {
		return false
	}
	ok, err := d.presence.IsOnline(ctx, userID)
	if err != nil {
		d.log.Debug("presence lookup", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return ok
}
