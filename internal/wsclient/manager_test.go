package wsclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/protocol"
)

type fakeTransport struct {
	in     chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	out    [][]byte
	fail   bool
	closed int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 16),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (f *fakeTransport) Read() ([]byte, error) {
	select {
	case d := <-f.in:
		return d, nil
	case err := <-f.errs:
		return nil, err
	case <-f.done:
		return nil, net.ErrClosed
	}
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.out = append(f.out, data)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	f.closed = code
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeTransport) closeCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, d := range f.out {
		env, err := protocol.Decode(d)
		if err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func (f *fakeTransport) serverClose(code int) {
	f.errs <- &CloseError{Code: code, Reason: "server"}
}

type fakeDialer struct {
	mu    sync.Mutex
	gate  chan struct{}
	conns []*fakeTransport
	urls  []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	t := d.conns[0]
	d.conns = d.conns[1:]
	return t, nil
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
	ticks  chan time.Time
	nowMs  atomic.Int64
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		out = append(out, t.d)
	}
	return out
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func newTestManager(t *testing.T, d *fakeDialer, mutate func(*Config)) (*Manager, *fakeClock) {
	t.Helper()
	config := DefaultConfig("ws://example.test/ws")
	if mutate != nil {
		mutate(&config)
	}
	m := NewManager(config, zap.NewNop(),
		WithDialer(d),
		WithTokenSource(func(context.Context) (string, error) { return "abc", nil }),
	)
	t.Cleanup(m.Disconnect)
	return m, useFakeClock(m)
}

func useFakeClock(m *Manager) *fakeClock {
	clock := &fakeClock{ticks: make(chan time.Time, 1)}
	m.afterFunc = clock.afterFunc
	m.newTicker = func(time.Duration) (<-chan time.Time, func()) { return clock.ticks, func() {} }
	m.now = func() time.Time { return time.UnixMilli(clock.nowMs.Add(1)) }
	return clock
}

func envelope(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, nil)
	require.NoError(t, err)
	return env
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestSendWhileDisconnectedQueuesAndConnects(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{gate: make(chan struct{}), conns: []*fakeTransport{tr}}
	m, _ := newTestManager(t, d, nil)

	require.NoError(t, m.Send(envelope(t, "a")))
	require.NoError(t, m.Send(envelope(t, "b")))
	require.NoError(t, m.Send(envelope(t, "c")))
	assert.Equal(t, 3, m.QueueLen())

	close(d.gate)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.QueueLen() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a", "b", "c"}, tr.writtenTypes())
	assert.Equal(t, []string{"ws://example.test/ws?token=abc"}, d.dialedURLs())
}

func TestFailedFlushKeepsOrder(t *testing.T) {
	tr := newFakeTransport()
	tr.setFail(true)
	d := &fakeDialer{gate: make(chan struct{}), conns: []*fakeTransport{tr}}
	m, _ := newTestManager(t, d, nil)
	connected := &eventLog{}
	m.On(EventConnected, connected.record)

	require.NoError(t, m.Send(envelope(t, "a")))
	require.NoError(t, m.Send(envelope(t, "b")))
	close(d.gate)
	require.Eventually(t, func() bool { return len(connected.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, m.QueueLen(), "failed frame goes back to the front")

	tr.setFail(false)
	require.NoError(t, m.Send(envelope(t, "c")))
	assert.Equal(t, []string{"a", "b", "c"}, tr.writtenTypes())
	assert.Equal(t, 0, m.QueueLen())
}

func TestSendWhileConnectedWritesImmediately(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()), "connect is idempotent")

	require.NoError(t, m.Send(envelope(t, "x")))
	assert.Equal(t, []string{"x"}, tr.writtenTypes())

	tr.setFail(true)
	require.NoError(t, m.Send(envelope(t, "y")))
	assert.Equal(t, 1, m.QueueLen())
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	for _, code := range []int{CloseNormal, CloseGoingAway} {
		tr := newFakeTransport()
		m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
		events := &eventLog{}
		m.On(EventDisconnected, events.record)
		require.NoError(t, m.Connect(context.Background()))

		tr.serverClose(code)
		require.Eventually(t, func() bool { return len(events.all()) == 1 }, time.Second, 5*time.Millisecond)

		assert.Equal(t, StateDisconnected, m.State())
		assert.Equal(t, code, events.all()[0].Code)
		assert.Zero(t, clock.count(), "no reconnect for code %d", code)
	}
}

func TestAbnormalCloseBacksOffUntilMax(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{conns: []*fakeTransport{tr}}
	m, clock := newTestManager(t, d, nil)
	events := &eventLog{}
	m.On(EventMaxReconnectAttemptsReached, events.record)
	require.NoError(t, m.Connect(context.Background()))

	tr.serverClose(CloseAbnormal)
	require.Eventually(t, func() bool { return clock.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReconnecting, m.State())

	// Every reconnect fails; each failure schedules the next attempt.
	for i := 0; i < 5; i++ {
		clock.last().f()
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, clock.delays())
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, []EventKind{EventMaxReconnectAttemptsReached}, events.kinds())
	assert.Equal(t, 6, d.dials())

	// No automatic reconnect from the error state.
	require.NoError(t, m.Send(envelope(t, "later")))
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 5, clock.count())

	m.ResetReconnectAttempts()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestBackoffIsCapped(t *testing.T) {
	m := NewManager(DefaultConfig("ws://x"), zap.NewNop())
	assert.Equal(t, time.Second, m.backoff(1))
	assert.Equal(t, 2*time.Second, m.backoff(2))
	assert.Equal(t, 16*time.Second, m.backoff(5))
	assert.Equal(t, 30*time.Second, m.backoff(6))
	assert.Equal(t, 30*time.Second, m.backoff(20))
}

func TestSuccessfulReconnectResetsAttempts(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{first, second}}, nil)
	require.NoError(t, m.Connect(context.Background()))

	first.serverClose(CloseAbnormal)
	require.Eventually(t, func() bool { return clock.count() == 1 }, time.Second, 5*time.Millisecond)
	clock.last().f()
	assert.Equal(t, StateConnected, m.State())

	second.serverClose(CloseAbnormal)
	require.Eventually(t, func() bool { return clock.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, time.Second, clock.last().d, "attempt counter restarted")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{conns: []*fakeTransport{tr, newFakeTransport()}}
	m, clock := newTestManager(t, d, nil)
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(envelope(t, "x")))

	tr.serverClose(CloseAbnormal)
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Send(envelope(t, "queued")))
	assert.Equal(t, 1, m.QueueLen())

	m.Disconnect()
	timer := clock.last()
	assert.True(t, timer.stopped.Load())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Zero(t, m.QueueLen())

	// A timer that fired anyway is a no-op.
	timer.f()
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnectClosesNormally(t *testing.T) {
	tr := newFakeTransport()
	m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
	events := &eventLog{}
	m.On(EventDisconnected, events.record)
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()

	assert.Equal(t, CloseNormal, tr.closeCode())
	assert.Equal(t, StateDisconnected, m.State())
	require.Len(t, events.all(), 1)
	assert.Equal(t, CloseNormal, events.all()[0].Code)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, events.all(), 1, "read loop exit is not reported twice")
	assert.Zero(t, clock.count())
}

func TestDisconnectDuringDial(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{gate: make(chan struct{}), conns: []*fakeTransport{tr}}
	m, _ := newTestManager(t, d, nil)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	close(d.gate)
	assert.ErrorIs(t, <-errc, ErrDisconnected)
	assert.Equal(t, StateDisconnected, m.State())
	require.Eventually(t, func() bool { return tr.closeCode() == CloseNormal }, time.Second, 5*time.Millisecond)
}

func TestConnectJoinsAttemptInFlight(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{gate: make(chan struct{}), conns: []*fakeTransport{tr}}
	m, clock := newTestManager(t, d, nil)

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, 5*time.Millisecond)

	// A joiner that gives up leaves the attempt alone.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Connect(ctx), context.Canceled)
	assert.Equal(t, StateConnecting, m.State())

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(d.gate)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, d.dials())
	assert.Zero(t, clock.count())
}

func TestInboundFramesBecomeEvents(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
	events := &eventLog{}
	for _, k := range []EventKind{EventSessionReady, EventNewMatch, EventPartnerOnline, EventPong, EventMessage} {
		m.On(k, events.record)
	}
	off := m.On(EventPartnerOffline, events.record)
	off()
	require.NoError(t, m.Connect(context.Background()))

	for _, frame := range []string{
		`{"type":"connected","payload":{"userId":"alice","partnerOnline":true}}`,
		`{"type":"newMatch","payload":{"matchId":"m1","itemId":"r1","users":["alice","bob"]}}`,
		`not json`,
		`{"type":"partnerOffline","payload":{"userId":"bob"}}`,
		`{"type":"somethingNew"}`,
		`{"type":"pong"}`,
	} {
		tr.in <- []byte(frame)
	}

	require.Eventually(t, func() bool { return len(events.all()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventKind{EventSessionReady, EventNewMatch, EventMessage, EventPong}, events.kinds())

	var p protocol.NewMatchPayload
	require.NoError(t, events.all()[1].Envelope.DecodePayload(&p))
	assert.Equal(t, "m1", p.MatchID)
	assert.Equal(t, "somethingNew", events.all()[2].Envelope.Type)
	assert.Equal(t, StateConnected, m.State(), "malformed frames do not close the connection")
}

func TestServerErrorFrameIsNotLocalError(t *testing.T) {
	tr := newFakeTransport()
	m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
	local, remote := &eventLog{}, &eventLog{}
	m.On(EventError, local.record)
	m.On(EventServerError, remote.record)
	require.NoError(t, m.Connect(context.Background()))

	tr.in <- []byte(`{"type":"error","payload":{"code":"activity_too_large","message":"too big"}}`)

	require.Eventually(t, func() bool { return len(remote.all()) == 1 }, time.Second, 5*time.Millisecond)
	var p protocol.ErrorPayload
	require.NoError(t, remote.all()[0].Envelope.DecodePayload(&p))
	assert.Equal(t, "activity_too_large", p.Code)
	assert.Empty(t, local.all())
	assert.Equal(t, StateConnected, m.State())
	assert.Zero(t, clock.count())
	assert.Equal(t, "serverError", EventServerError.String())
}

func TestHeartbeatSendsPing(t *testing.T) {
	tr := newFakeTransport()
	m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
	require.NoError(t, m.Connect(context.Background()))

	clock.ticks <- time.Now()
	require.Eventually(t, func() bool { return len(tr.writtenTypes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.TypePing}, tr.writtenTypes())
	assert.Zero(t, clock.count(), "no pong deadline by default")
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	tr := newFakeTransport()
	m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, func(c *Config) {
		c.PongTimeout = 5 * time.Second
	})
	require.NoError(t, m.Connect(context.Background()))

	clock.ticks <- time.Now()
	require.Eventually(t, func() bool { return clock.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5*time.Second, clock.last().d)

	clock.last().f()
	assert.Equal(t, CloseHeartbeatTimeout, tr.closeCode())
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, time.Second, clock.last().d)
}

func TestPongTimeoutSatisfiedByTraffic(t *testing.T) {
	tr := newFakeTransport()
	m, clock := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, func(c *Config) {
		c.PongTimeout = 5 * time.Second
	})
	pongs := &eventLog{}
	m.On(EventPong, pongs.record)
	require.NoError(t, m.Connect(context.Background()))

	clock.ticks <- time.Now()
	require.Eventually(t, func() bool { return clock.count() == 1 }, time.Second, 5*time.Millisecond)
	tr.in <- []byte(`{"type":"pong"}`)
	require.Eventually(t, func() bool { return len(pongs.all()) == 1 }, time.Second, 5*time.Millisecond)

	clock.last().f()
	assert.Equal(t, StateConnected, m.State())
	assert.Zero(t, tr.closeCode())
}

func TestListenerPanicIsContained(t *testing.T) {
	tr := newFakeTransport()
	m, _ := newTestManager(t, &fakeDialer{conns: []*fakeTransport{tr}}, nil)
	m.On(EventConnected, func(Event) { panic("boom") })
	called := false
	m.On(EventConnected, func(Event) { called = true })

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, called)
}

func TestConnectFailureSchedulesReconnect(t *testing.T) {
	m, clock := newTestManager(t, &fakeDialer{}, nil)
	errs := &eventLog{}
	m.On(EventError, errs.record)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, []time.Duration{time.Second}, clock.delays())
	assert.Len(t, errs.all(), 1)
}

func TestTokenFailureDialsWithoutToken(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{conns: []*fakeTransport{tr}}
	m, _ := newTestManager(t, d, nil)
	m.tokens = func(context.Context) (string, error) { return "", errors.New("expired") }

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []string{"ws://example.test/ws"}, d.dialedURLs())
}
