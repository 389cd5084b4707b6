package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames. It satisfies registry.Conn.
type Connection struct {
	ID        string    // connection ID (UUID), unique per socket
	Username  string    // owner, fixed at upgrade time
	Token     string    // session token presented at upgrade time
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups, -1 when unknown
	CreatedAt time.Time // when the connection was established

	rd           io.Reader // frame source; a buffered view of Conn on non-linux
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
	lastActive   int64      // unix nanos of the last frame received
	closeOnce    sync.Once
	server       *Server
}

func newConnection(id, username, token string, conn net.Conn, s *Server) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Username:  username,
		Token:     token,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: now,
		rd:        conn,
		server:    s,
	}
	if s != nil {
		c.writeTimeout = s.config.WriteTimeout
	}
	c.Touch()
	return c
}

// ConnID returns the connection ID.
func (c *Connection) ConnID() string { return c.ID }

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last frame received.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Send writes data as a text frame, bounded by the server's write timeout.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteMessage sends a WebSocket text frame without a deadline.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close tears the connection down. When the connection belongs to a server it
// is removed from epoll and the connection manager first.
func (c *Connection) Close() error {
	if c.server != nil {
		c.server.RemoveConnection(c)
		return nil
	}
	return c.closeNet()
}

func (c *Connection) closeNet() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of the server's sockets keyed
// by connection ID. The user-level view lives in the connection registry.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes the underlying network
// connection. Returns true if the connection was found and removed, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		_ = conn.closeNet()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
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
