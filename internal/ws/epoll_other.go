//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines. Connections are wrapped in a
// buffered reader; a monitor goroutine peeks for data and reports the
// connection ready, then waits for Resume before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type peekConn struct {
	net.Conn
	br     *bufio.Reader
	resume chan struct{}
	stop   chan struct{}
	closed sync.Once
}

func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a connection whose reads go through the buffer the monitor
// peeks on. The server must use the returned conn for all I/O.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{
		Conn:   conn,
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Add starts monitoring a connection previously returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return net.ErrClosed
	}
	e.mu.Lock()
	e.conns[conn] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.br.Peek(1)
		select {
		case e.readyCh <- pc:
		case <-pc.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-pc.resume:
		case <-pc.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame once the worker has
// finished reading from conn.
func (e *Epoll) Resume(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	pc, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		pc.closed.Do(func() { close(pc.stop) })
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

// socketFD is unavailable on the fallback path.
func socketFD(net.Conn) int {
	return -1
}
