package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"netual/internal/netpath"
)

var errManagerClosed = errors.New("link: manager closed")

// Manager opens one Link per path and owns them until CloseAll.
type Manager struct {
	enum      netpath.Enumerator
	dialer    Dialer
	queueSize int
	log       logrus.FieldLogger

	mu     sync.RWMutex
	links  []*Link // replaced on change, never mutated in place
	closed bool
}

func NewManager(enum netpath.Enumerator, dialer Dialer, queueSize int, log logrus.FieldLogger) *Manager {
	return &Manager{
		enum:      enum,
		dialer:    dialer,
		queueSize: queueSize,
		log:       log,
	}
}

// Enumerate returns the currently active paths.
func (m *Manager) Enumerate() ([]netpath.Path, error) {
	return m.enum.Paths()
}

// Open enumerates the active paths and opens a link on each. Paths that
// fail to open are logged and skipped. It returns ErrNoLinksAvailable when
// no link could be opened.
func (m *Manager) Open(ctx context.Context) ([]*Link, error) {
	paths, err := m.enum.Paths()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate paths: %w", ErrNoLinksAvailable, err)
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			m.CloseAll()
			return nil, err
		}
		if _, err := m.Add(ctx, p); err != nil {
			m.log.WithField("link", p.Name).Warnf("path init failed: %v", err)
		}
	}
	links := m.Links()
	if len(links) == 0 {
		return nil, ErrNoLinksAvailable
	}
	if err := ctx.Err(); err != nil {
		m.CloseAll()
		return nil, err
	}
	return links, nil
}

// Add opens a link on p. A path whose name is already open is rejected
// with ErrDuplicatePath.
func (m *Manager) Add(ctx context.Context, p netpath.Path) (*Link, error) {
	m.mu.RLock()
	closed := m.closed
	dup := m.lookup(p.Name) != nil
	m.mu.RUnlock()
	if closed {
		return nil, errManagerClosed
	}
	if dup {
		return nil, ErrDuplicatePath
	}

	conn, err := m.dialer.Dial(ctx, p)
	if err != nil {
		return nil, err
	}
	l := newLink(p, conn, m.queueSize, m.log)

	m.mu.Lock()
	if m.closed || m.lookup(p.Name) != nil {
		closed := m.closed
		m.mu.Unlock()
		_ = l.Close()
		if closed {
			return nil, errManagerClosed
		}
		return nil, ErrDuplicatePath
	}
	next := make([]*Link, 0, len(m.links)+1)
	next = append(next, m.links...)
	m.links = append(next, l)
	m.mu.Unlock()

	m.log.WithField("link", p.Name).Infof("link up local=%s", conn.LocalAddr())
	return l, nil
}

// Remove closes the named link and forgets it.
func (m *Manager) Remove(name string) (*Link, bool) {
	m.mu.Lock()
	var removed *Link
	next := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		if l.Name() == name {
			removed = l
			continue
		}
		next = append(next, l)
	}
	if removed == nil {
		m.mu.Unlock()
		return nil, false
	}
	m.links = next
	m.mu.Unlock()

	if err := removed.Close(); err != nil {
		m.log.WithField("link", name).Debugf("close: %v", err)
	}
	m.log.WithField("link", name).Infof("link down")
	return removed, true
}

// Links returns the open links. The slice must not be modified.
func (m *Manager) Links() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.links
}

func (m *Manager) lookup(name string) *Link {
	for _, l := range m.links {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

// CloseAll closes every link. Individual close errors are logged, never
// returned; later Add calls fail. Safe to call more than once.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = nil
	m.closed = true
	m.mu.Unlock()

	for _, l := range links {
		if err := l.Close(); err != nil {
			m.log.WithField("link", l.Name()).Debugf("close: %v", err)
		}
	}
}
