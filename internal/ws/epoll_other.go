//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a buffered reader; a monitor goroutine peeks one byte
// to detect readiness without consuming it and then waits until the server
// has finished reading before peeking again.
type Epoll struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c. Frames must afterwards be read through c.rd.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.rd = br
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.resume[c] = resume
	e.mu.Unlock()

	go e.monitor(c, br, resume)
	return nil
}

func (e *Epoll) monitor(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// A read deadline left over from the last frame; try again.
			_ = c.Conn.SetReadDeadline(time.Time{})
			continue
		}

		select {
		case e.readyCh <- c:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of c look for the next frame.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[c]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	ch, ok := e.resume[c]
	delete(e.resume, c)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// collects every other ready connection without blocking.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []*Connection{first}
	for {
		select {
		case c := <-e.readyCh:
			conns = append(conns, c)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is not needed by the goroutine-based fallback.
func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
