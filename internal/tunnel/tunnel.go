// Package tunnel wraps the virtual network interface that carries the
// device's IP traffic.
package tunnel

import (
	"errors"
	"io"
	"sync"

	"netual/internal/config"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("tunnel: closed")

// Options describe the TUN device to create.
type Options struct {
	Name   string
	CIDR   string
	MTU    int
	Routes []string
}

func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Name:   cfg.TunName,
		CIDR:   cfg.TunCIDR,
		MTU:    cfg.MTU,
		Routes: cfg.Routes,
	}
}

// Session is one open TUN device. Read is meant for a single reader;
// Write may be called from any number of goroutines.
type Session struct {
	dev  io.ReadWriteCloser
	name string

	wmu    sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an already configured device.
func NewSession(dev io.ReadWriteCloser, name string) *Session {
	return &Session{dev: dev, name: name}
}

func (s *Session) Name() string { return s.name }

func (s *Session) Read(p []byte) (int, error) {
	return s.dev.Read(p)
}

// Write writes one whole packet.
func (s *Session) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.dev.Write(p)
}

// Close releases the device and unblocks a pending Read. Safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.dev.Close()
		s.wmu.Lock()
		s.closed = true
		s.wmu.Unlock()
	})
	return s.closeErr
}
