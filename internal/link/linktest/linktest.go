// Package linktest provides in-memory link sockets for tests.
package linktest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"netual/internal/link"
	"netual/internal/netpath"
)

var ErrDialRefused = errors.New("linktest: dial refused")

// Paths is a fixed netpath.Enumerator.
type Paths []netpath.Path

func (p Paths) Paths() ([]netpath.Path, error) { return p, nil }

// FailingPaths is an enumerator that always fails.
type FailingPaths struct{ Err error }

func (f FailingPaths) Paths() ([]netpath.Path, error) { return nil, f.Err }

// MakePaths returns loopback paths with the given names.
func MakePaths(names ...string) Paths {
	out := make(Paths, 0, len(names))
	for _, n := range names {
		out = append(out, netpath.Path{Name: n, Class: netpath.ClassStatic, LocalIP: net.IPv4(127, 0, 0, 1)})
	}
	return out
}

// Conn is an in-memory link.Conn. Frames written are recorded; frames
// pushed with Deliver are returned by ReadPacket.
type Conn struct {
	Name string

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	gate     chan struct{}

	rx        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	dialer    *Dialer
}

func newConn(name string, d *Dialer) *Conn {
	return &Conn{
		Name:   name,
		rx:     make(chan []byte, 1024),
		closed: make(chan struct{}),
		dialer: d,
	}
}

// FailWrites makes every later Write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Block makes Write wait until the returned release func is called.
func (c *Conn) Block() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	gate, err := c.gate, c.writeErr
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.closed:
			return net.ErrClosed
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), p...))
	c.mu.Unlock()
	return nil
}

// Written returns copies of every frame written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// Deliver queues a datagram for ReadPacket.
func (c *Conn) Deliver(frame []byte) {
	c.rx <- append([]byte(nil), frame...)
}

func (c *Conn) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-c.rx:
		return copy(buf, p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	case <-t.C:
		return 0, link.ErrNoData
	}
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.dialer != nil {
			c.dialer.open.Add(-1)
		}
	})
	return nil
}

// Dialer hands out Conns and counts how many are open.
type Dialer struct {
	mu    sync.Mutex
	fail  map[string]bool
	conns map[string]*Conn
	open  atomic.Int32

	// Hold, when set, is waited on by Dial until closed or ctx ends.
	Hold chan struct{}
}

func NewDialer(failing ...string) *Dialer {
	d := &Dialer{fail: map[string]bool{}, conns: map[string]*Conn{}}
	for _, n := range failing {
		d.fail[n] = true
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, p netpath.Path) (link.Conn, error) {
	if d.Hold != nil {
		select {
		case <-d.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[p.Name] {
		return nil, ErrDialRefused
	}
	c := newConn(p.Name, d)
	d.conns[p.Name] = c
	d.open.Add(1)
	return c, nil
}

// Conn returns the most recent Conn dialed for the named path.
func (d *Dialer) Conn(name string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[name]
}

// Open is the number of Conns not yet closed.
func (d *Dialer) Open() int { return int(d.open.Load()) }
