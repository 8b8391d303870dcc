package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection
// with a write mutex for serializing outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // authenticated user
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor, -1 when unavailable
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	lastSeen     atomic.Int64
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

// NewConnection wraps an upgraded net.Conn for userID.
func NewConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Touch records inbound activity.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last inbound frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.WriteControl(ws.OpPing, nil)
}

// WriteControl sends one control frame (ping, pong or close) under the write
// mutex.
func (c *Connection) WriteControl(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	return ws.WriteFrame(c.Conn, ws.NewFrame(op, true, payload))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// connection ID, by underlying net.Conn (for poller lookups) and by user.
// A user may hold several connections at once (multiple devices or tabs).
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection // user_id -> conn_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection and reports whether it is the user's first live
// connection.
func (cm *ConnectionManager) Add(conn *Connection) (first bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	set, ok := cm.byUser[conn.UserID]
	if !ok {
		set = make(map[string]*Connection)
		cm.byUser[conn.UserID] = set
	}
	set[conn.ID] = conn
	return len(set) == 1
}

// Remove unregisters a connection by ID and closes it. It returns the removed
// connection (nil if it was already gone) and whether it was the user's last
// live connection.
func (cm *ConnectionManager) Remove(id string) (conn *Connection, last bool) {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if set := cm.byUser[conn.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(cm.byUser, conn.UserID)
				last = true
			}
		}
	}
	cm.mu.Unlock()

	if !ok {
		return nil, false
	}
	_ = conn.Close()
	return conn, last
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// ForUser returns a snapshot of the user's live connections.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	set := cm.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}

// HasUser reports whether the user has at least one live connection.
func (cm *ConnectionManager) HasUser(userID string) bool {
	cm.mu.RLock()
	_, ok := cm.byUser[userID]
	cm.mu.RUnlock()
	return ok
}

// Users returns the ids of all connected users.
func (cm *ConnectionManager) Users() []string {
	cm.mu.RLock()
	users := make([]string, 0, len(cm.byUser))
	for id := range cm.byUser {
		users = append(users, id)
	}
	cm.mu.RUnlock()
	return users
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// UserCount returns the number of users with at least one connection.
func (cm *ConnectionManager) UserCount() int {
	cm.mu.RLock()
	n := len(cm.byUser)
	cm.mu.RUnlock()
	return n
}

// SendToUser writes data to every live connection of the user and returns how
// many writes succeeded. Failed connections are left for the read loop and
// heartbeat to evict.
func (cm *ConnectionManager) SendToUser(userID string, data []byte) int {
	delivered := 0
	for _, c := range cm.ForUser(userID) {
		if err := c.WriteMessage(data); err == nil {
			delivered++
		}
	}
	return delivered
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
