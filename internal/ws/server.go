// Package ws handles WebSocket connection management, including authenticated
// upgrades of HTTP connections, an epoll-driven read loop with a bounded
// worker pool, and dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/model"
	"github.com/taptext/chat/internal/ratelimit"
	"github.com/taptext/chat/internal/registry"
	"github.com/taptext/chat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted client data frame
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  16 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Core is the part of the engine the transport drives.
type Core interface {
	ValidateSession(ctx context.Context, token string) (*model.User, error)
	OnConnect(ctx context.Context, token string, c registry.Conn) (*model.User, error)
	OnDisconnect(username string, c registry.Conn) bool
	OnSubmit(ctx context.Context, token, recipient, body, originID string) (model.Message, error)
	OnHistoryRequest(ctx context.Context, token, other string, all bool) ([]model.Message, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP connections, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	core       Core
	limiter    *ratelimit.Limiter
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	routes     map[string]http.Handler             // extra routes served next to /ws
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received from a
// client. limiter may be nil.
func NewServer(config ServerConfig, core Core, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		core:       core,
		limiter:    limiter,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		routes:     make(map[string]http.Handler),
		done:       make(chan struct{}),
	}
}

// Handle serves h on pattern next to /ws and /health. It must be called before
// Start or Handler.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes[pattern] = h
}

// Open creates the epoll instance and starts the event loop and heartbeat.
func (s *Server) Open() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	if s.config.Heartbeat.Interval > 0 {
		StartHeartbeat(s, s.config.Heartbeat)
	}
	return nil
}

// Handler returns the HTTP handler serving /ws, /health and the extra routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start opens the server and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it with the gobwas/ws
// zero-copy upgrader and registers the connection with the engine and epoll.
// Authentication happens before the upgrade so a bad token gets a plain 401.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ip := clientIP(r)
	if ok, _ := s.limiter.Allow(ctx, ip, ratelimit.RuleConnect); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(s.limiter.RetryAfter(ctx, ip, ratelimit.RuleConnect)))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := session.FromRequest(r, true)
	u, err := s.core.ValidateSession(ctx, token)
	if err != nil {
		if !apperr.Is(err, apperr.KindAuth) {
			log.Printf("ws: session lookup failed: %v", err)
		}
		http.Error(w, apperr.UserMessage(err), apperr.HTTPStatus(err))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.NewString(), u.Username, token, conn, s)
	s.conns.Add(c)

	if _, err := s.core.OnConnect(context.Background(), token, c); err != nil {
		log.Printf("ws: register conn=%s user=%s failed: %v", c.ID, c.Username, err)
		s.conns.Remove(c.ID)
		return
	}

	if err := s.epoll.Add(c); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, c.Username, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
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
			}
			if isEINTR(err) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, c := range conns {
			c := c

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, oversized frame) the connection is
// removed.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
			c.writeMu.Unlock()
			if err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame too large conn=%s user=%s len=%d", c.ID, c.Username, header.Length)
		s.RemoveConnection(c)
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

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll, the connection manager
// and the engine's registry, and closes the underlying network connection.
// Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}

	if !s.conns.Remove(c.ID) {
		return
	}

	if c.Username != "" && s.core != nil {
		s.core.OnDisconnect(c.Username, c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.Username, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP returns the host part of the request's remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
