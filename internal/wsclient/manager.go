// Package wsclient is the client side of the realtime channel: one logical
// connection per process that reconnects with exponential backoff, keeps the
// link warm with pings and queues outbound frames while disconnected.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/metrics"
	"github.com/mealmatch/realtime/internal/protocol"
)

// ErrDisconnected is returned to Connect callers when Disconnect interrupts
// the attempt.
var ErrDisconnected = errors.New("wsclient: disconnected")

// TokenSource supplies the bearer token for each connection attempt.
type TokenSource func(ctx context.Context) (string, error)

// Config holds the manager tuning knobs.
type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration // 0 disables half-open detection
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration
}

// DefaultConfig returns the default configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    30 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectDelay:    30 * time.Second,
	}
}

type stopper interface{ Stop() bool }

type attempt struct {
	done chan struct{}
	err  error
}

// Manager owns the realtime connection.
type Manager struct {
	config Config
	dialer Dialer
	tokens TokenSource
	log    *zap.Logger

	afterFunc func(time.Duration, func()) stopper
	newTicker func(time.Duration) (<-chan time.Time, func())
	now       func() time.Time

	mu         sync.Mutex
	state      State
	attempts   int
	gen        uint64
	conn       Transport
	pending    *attempt
	queue      [][]byte
	flushing   bool
	timer      stopper
	stopBeat   chan struct{}
	lastFrame  time.Time
	listeners  map[EventKind]map[uint64]Listener
	listenerID uint64

	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenSource sets where the manager gets its bearer token.
func WithTokenSource(ts TokenSource) Option { return func(m *Manager) { m.tokens = ts } }

// WithDialer replaces the gobwas dialer.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

// NewManager creates a disconnected Manager.
func NewManager(config Config, log *zap.Logger, opts ...Option) *Manager {
	def := DefaultConfig(config.URL)
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = def.MaxReconnectDelay
	}

	m := &Manager{
		config: config,
		dialer: GobwasDialer{},
		log:    log.Named("wsclient"),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
		now:       time.Now,
		listeners: make(map[EventKind]map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of frames waiting for a connection.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// On registers fn for kind and returns a function that removes it.
func (m *Manager) On(kind EventKind, fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenerID++
	id := m.listenerID
	if m.listeners[kind] == nil {
		m.listeners[kind] = make(map[uint64]Listener)
	}
	m.listeners[kind][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[kind], id)
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	fns := make([]Listener, 0, len(m.listeners[ev.Kind]))
	for _, fn := range m.listeners[ev.Kind] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("listener panic", zap.Stringer("event", ev.Kind), zap.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}

// Connect opens the connection. It returns immediately when already
// connected and joins an attempt already in flight. A failed attempt enters
// the reconnect cycle.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		a := m.pending
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	a := &attempt{done: make(chan struct{})}
	m.pending = a
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	t, err := m.dial(ctx)

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect ran while dialing.
		m.mu.Unlock()
		if t != nil {
			_ = t.Close(CloseNormal, "client disconnect")
		}
		return ErrDisconnected
	}
	if err != nil {
		m.state = StateDisconnected
		m.finish(a, err)
		m.mu.Unlock()
		m.log.Warn("connect failed", zap.Error(err))
		m.emit(Event{Kind: EventError, Err: err})
		m.scheduleReconnect()
		return err
	}

	m.gen++
	gen = m.gen
	m.conn = t
	m.state = StateConnected
	m.attempts = 0
	m.lastFrame = m.now()
	m.stopBeat = make(chan struct{})
	stop := m.stopBeat
	m.finish(a, nil)
	m.mu.Unlock()

	m.log.Info("connected", zap.String("url", m.config.URL))
	go m.readLoop(gen, t)
	go m.heartbeat(gen, stop)
	m.flush(gen)
	m.emit(Event{Kind: EventConnected})
	return nil
}

// finish resolves a pending attempt. Caller holds m.mu.
func (m *Manager) finish(a *attempt, err error) {
	if m.pending != a {
		return
	}
	a.err = err
	close(a.done)
	m.pending = nil
}

func (m *Manager) dial(ctx context.Context) (Transport, error) {
	target := m.config.URL
	if m.tokens != nil {
		token, err := m.tokens(ctx)
		if err != nil {
			m.log.Warn("token unavailable, dialing without it", zap.Error(err))
			token = ""
		}
		if token != "" {
			u, err := url.Parse(target)
			if err != nil {
				return nil, fmt.Errorf("wsclient: parse url: %w", err)
			}
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}
	return m.dialer.Dial(ctx, target)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Read()
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.lastFrame = m.now()
		m.mu.Unlock()

		env, err := protocol.Decode(data)
		if err != nil {
			m.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		m.emit(Event{Kind: kindFor(env.Type), Envelope: env})
	}
}

// handleClose tears down connection gen. Closes of an older connection are
// ignored.
func (m *Manager) handleClose(gen uint64, err error) {
	code, reason := CloseAbnormal, err.Error()
	var ce *CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Reason
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.conn = nil
	m.state = StateDisconnected
	m.stopHeartbeat()
	m.mu.Unlock()

	m.log.Info("disconnected", zap.Int("code", code), zap.String("reason", reason))
	m.emit(Event{Kind: EventDisconnected, Code: code, Reason: reason})
	if code != CloseNormal && code != CloseGoingAway {
		m.scheduleReconnect()
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.config.MaxReconnectAttempts {
		m.state = StateError
		attempts := m.attempts
		m.mu.Unlock()
		m.log.Error("giving up reconnecting", zap.Int("attempts", attempts))
		m.emit(Event{Kind: EventMaxReconnectAttemptsReached})
		return
	}
	m.attempts++
	delay := m.backoff(m.attempts)
	m.state = StateReconnecting
	gen := m.gen
	m.timer = m.afterFunc(delay, func() { m.reconnect(gen) })
	attempt := m.attempts
	m.mu.Unlock()

	metrics.ClientReconnects.Inc()
	m.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()
	_ = m.Connect(context.Background())
}

// backoff returns base*2^(attempt-1), capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.config.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.config.MaxReconnectDelay {
			return m.config.MaxReconnectDelay
		}
	}
	if d > m.config.MaxReconnectDelay {
		return m.config.MaxReconnectDelay
	}
	return d
}

// ResetReconnectAttempts clears the attempt counter and leaves the error
// state so a later Connect or Send can reconnect.
func (m *Manager) ResetReconnectAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = 0
	if m.state == StateError {
		m.state = StateDisconnected
	}
}

// Send writes env when connected. Otherwise env is queued and, if the
// manager is idle, a connection attempt starts in the background. Queued
// frames are not an error.
func (m *Manager) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateConnected && !m.flushing && len(m.queue) == 0 {
		conn := m.conn
		m.mu.Unlock()
		if err := m.write(conn, data); err != nil {
			m.log.Debug("send failed, queued", zap.String("type", env.Type), zap.Error(err))
			m.mu.Lock()
			m.queue = append(m.queue, data)
			m.mu.Unlock()
		}
		return nil
	}
	m.queue = append(m.queue, data)
	connected, idle, gen := m.state == StateConnected, m.state == StateDisconnected, m.gen
	m.mu.Unlock()

	switch {
	case connected:
		m.flush(gen)
	case idle:
		go func() { _ = m.Connect(context.Background()) }()
	}
	return nil
}

// flush drains the queue in order. A failed write puts the frame back at the
// front and stops.
func (m *Manager) flush(gen uint64) {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.gen != gen || m.state != StateConnected || len(m.queue) == 0 {
			m.flushing = false
			m.mu.Unlock()
			return
		}
		data := m.queue[0]
		m.queue = m.queue[1:]
		conn := m.conn
		m.mu.Unlock()

		if err := m.write(conn, data); err != nil {
			m.mu.Lock()
			m.queue = append([][]byte{data}, m.queue...)
			m.flushing = false
			m.mu.Unlock()
			m.log.Debug("flush stopped", zap.Error(err))
			return
		}
	}
}

func (m *Manager) write(t Transport, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.Write(data)
}

func (m *Manager) heartbeat(gen uint64, stop <-chan struct{}) {
	tick, stopTick := m.newTicker(m.config.HeartbeatInterval)
	defer stopTick()
	for {
		select {
		case <-stop:
			return
		case <-tick:
			m.ping(gen)
		}
	}
}

func (m *Manager) ping(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	sentAt := m.now()
	m.mu.Unlock()

	data, err := protocol.NewMessage(protocol.TypePing, nil)
	if err != nil {
		return
	}
	if err := m.write(conn, data); err != nil {
		m.log.Debug("ping failed", zap.Error(err))
		return
	}
	if m.config.PongTimeout > 0 {
		m.afterFunc(m.config.PongTimeout, func() { m.checkPong(gen, conn, sentAt) })
	}
}

// checkPong forces a reconnect when nothing arrived since the ping.
func (m *Manager) checkPong(gen uint64, conn Transport, sentAt time.Time) {
	m.mu.Lock()
	stale := m.gen == gen && m.state == StateConnected && m.lastFrame.Before(sentAt)
	m.mu.Unlock()
	if !stale {
		return
	}
	m.log.Warn("no frame since ping, reconnecting", zap.Duration("timeout", m.config.PongTimeout))
	// Tear down first so the read loop's own close report is ignored.
	m.handleClose(gen, &CloseError{Code: CloseHeartbeatTimeout, Reason: "heartbeat timeout"})
	_ = conn.Close(CloseHeartbeatTimeout, "heartbeat timeout")
}

// stopHeartbeat stops the ping loop. Caller holds m.mu.
func (m *Manager) stopHeartbeat() {
	if m.stopBeat != nil {
		close(m.stopBeat)
		m.stopBeat = nil
	}
}

// Disconnect closes the connection with a normal closure, cancels any
// pending reconnect, drops queued frames and suppresses automatic
// reconnects.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopHeartbeat()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.attempts = m.config.MaxReconnectAttempts
	m.queue = nil
	conn := m.conn
	m.conn = nil
	m.gen++
	m.state = StateDisconnected
	if m.pending != nil {
		m.finish(m.pending, ErrDisconnected)
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
			m.log.Debug("close", zap.Error(err))
		}
		m.emit(Event{Kind: EventDisconnected, Code: CloseNormal, Reason: "client disconnect"})
	}
}

// Close disconnects. It satisfies io.Closer.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}
