//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const waitTimeoutMs = 200

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of spawning a goroutine per connection, we register file descriptors
// with the kernel and get notified only when data is ready to read.
type Epoll struct {
	fd          int                 // epoll file descriptor
	connections map[int]*Connection // fd -> connection
	mu          sync.RWMutex        // protects connections map
	events      []unix.EpollEvent   // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]*Connection),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection with epoll for read readiness notifications on
// EPOLLIN and EPOLLHUP.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("epoll: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[c.Fd] = c
	e.mu.Unlock()
	return nil
}

// Remove unregisters a connection from epoll. It must run before the socket
// is closed, otherwise the fd may already belong to a new connection.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	cur, ok := e.connections[c.Fd]
	if ok && cur == c {
		delete(e.connections, c.Fd)
	}
	e.mu.Unlock()

	if !ok || cur != c {
		return nil
	}
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op: level-triggered epoll reports the fd again on its own.
func (e *Epoll) Resume(*Connection) {}

// Wait blocks until one or more registered connections are ready for reading
// or the wait times out, in which case it returns an empty slice.
// Connections removed between epoll_wait returning and the lookup are
// skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, c)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = make(map[int]*Connection)
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

// isEINTR reports an interrupted epoll_wait, expected during signal handling.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
