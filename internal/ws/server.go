// Package ws serves the realtime WebSocket endpoint: it authenticates and
// upgrades handshakes, keeps a per-user registry of live connections, reads
// frames through an epoll-driven worker pool and hands them to a dispatcher.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/metrics"
	"github.com/mealmatch/realtime/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AllowAnonymous bool          // trust ?user_id= when no valid token is presented
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	UserID(token string) (string, error)
}

// Limiter throttles handshakes per identity.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Hooks are the application callbacks invoked by the server. OnConnect and
// OnDisconnect run synchronously on the accepting or removing goroutine.
type Hooks struct {
	OnConnect    func(c *Connection, first bool)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection, last bool)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP requests, registers connections with the poller, and
// dispatches ready connections to a bounded worker pool for frame reading.
// It implements http.Handler so it can be mounted on any router.
type Server struct {
	config  ServerConfig
	auth    Authenticator
	limiter Limiter
	hooks   Hooks
	log     *zap.Logger

	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. auth may be nil only when AllowAnonymous is set.
func NewServer(config ServerConfig, auth Authenticator, hooks Hooks, log *zap.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		auth:       auth,
		hooks:      hooks,
		log:        log.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// SetLimiter enables handshake rate limiting.
func (s *Server) SetLimiter(l Limiter) { s.limiter = l }

// SetHooks replaces the application callbacks. It must be called before Start.
func (s *Server) SetHooks(h Hooks) { s.hooks = h }

// Start initializes the poller and starts the event loop and heartbeat. It
// returns immediately; HTTP serving is the caller's concern.
func (s *Server) Start(hb HeartbeatConfig) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, hb)

	s.log.Info("server started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// ServeHTTP authenticates and upgrades a handshake request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.epoll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.authenticate(r)
	if err != nil {
		s.log.Debug("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.limiter != nil {
		ok, _ := s.limiter.Allow(r.Context(), userID, ratelimit.RuleConnect)
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := NewConnection(uuid.NewString(), userID, s.epoll.Wrap(netConn), s.config.WriteTimeout)
	first := s.conns.Add(c)
	if err := s.epoll.Add(c.Conn); err != nil {
		s.log.Error("epoll add failed", zap.String("conn_id", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()
	if first {
		metrics.OnlineUsers.Inc()
	}

	s.log.Info("connection opened",
		zap.String("conn_id", c.ID),
		zap.String("user_id", userID),
		zap.Int("fd", c.Fd),
		zap.Int("total", s.conns.Count()))

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c, first)
	}
}

// authenticate resolves the handshake's user from ?token=, an Authorization
// bearer header, or, when anonymous access is allowed, ?user_id=.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	var authErr error
	if token != "" && s.auth != nil {
		userID, err := s.auth.UserID(token)
		if err == nil {
			return userID, nil
		}
		authErr = err
	}
	if s.config.AllowAnonymous {
		if id := r.URL.Query().Get("user_id"); id != "" {
			return id, nil
		}
	}
	if authErr != nil {
		return "", authErr
	}
	return "", errors.New("ws: no credential presented")
}

// HealthStatus describes the server for health checks.
type HealthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Uptime      string `json:"uptime"`
}

// Health returns the current connection counts and uptime.
func (s *Server) Health() HealthStatus {
	return HealthStatus{
		Status:      "ok",
		Connections: s.conns.Count(),
		Users:       s.conns.UserCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
}

// startEventLoop runs the poller wait loop. Each ready connection is read by
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				s.log.Error("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled without blocking on a data frame that may never arrive.
// Read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// handleControl consumes a control frame payload so the next header starts
// on a frame boundary. Pings are answered with a pong carrying the same
// payload; a close frame is echoed before the connection is removed.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	switch header.OpCode {
	case ws.OpPing:
		if err := c.WriteControl(ws.OpPong, payload); err != nil {
			s.log.Debug("pong failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
		}
	case ws.OpClose:
		var body []byte
		if code, _ := ws.ParseCloseFrameData(payload); code != 0 {
			body = ws.NewCloseFrameBody(code, "")
		}
		_ = c.WriteControl(ws.OpClose, body)
		s.RemoveConnection(c)
	}
}

// RemoveConnection removes a connection from the poller and the registry and
// closes it. Concurrent removals of the same connection run the disconnect
// hook once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	removed, last := s.conns.Remove(c.ID)
	if removed == nil {
		return
	}
	metrics.ConnectionsTotal.Dec()
	if last {
		metrics.OnlineUsers.Dec()
	}

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c, last)
	}

	s.log.Info("connection closed",
		zap.String("conn_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// SendToUser writes data to every live connection of userID and returns the
// number of successful writes.
func (s *Server) SendToUser(userID string, data []byte) int {
	return s.conns.SendToUser(userID, data)
}

// IsOnline reports whether userID holds a live connection on this server.
func (s *Server) IsOnline(userID string) bool {
	return s.conns.HasUser(userID)
}

// Connections returns the registry for external access (heartbeat, presence
// refresh).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and closes every connection with a
// going-away close frame.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down")
		close(s.done)

		body := ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")
		for _, c := range s.conns.All() {
			_ = c.WriteControl(ws.OpClose, body)
			s.RemoveConnection(c)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
		s.log.Info("server stopped, all connections closed")
	})
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
