// Package link owns the per-path datagram sockets of one connection
// attempt. Each Link has a bounded transmit queue drained by its own
// writer goroutine so that a slow path never delays the others.
package link

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"netual/internal/netpath"
)

var (
	ErrNoLinksAvailable = errors.New("link: no links available")
	ErrLinkClosed       = errors.New("link: closed")
	ErrQueueFull        = errors.New("link: transmit queue full")
	ErrDuplicatePath    = errors.New("link: path already open")

	// ErrNoData is returned by Conn.ReadPacket when the poll interval
	// elapsed without a datagram.
	ErrNoData = errors.New("link: no data")
)

// Conn is a datagram endpoint connected to the server over one path.
type Conn interface {
	Write(p []byte) error
	ReadPacket(buf []byte, timeout time.Duration) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Dialer opens a Conn on a path.
type Dialer interface {
	Dial(ctx context.Context, p netpath.Path) (Conn, error)
}

type State int32

const (
	Opening State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Stats is a point-in-time copy of a link's counters.
type Stats struct {
	TxPackets    uint64 `json:"tx_packets"`
	TxBytes      uint64 `json:"tx_bytes"`
	TxErrors     uint64 `json:"tx_errors"`
	TxDrops      uint64 `json:"tx_drops"`
	RxPackets    uint64 `json:"rx_packets"`
	RxBytes      uint64 `json:"rx_bytes"`
	RxDuplicates uint64 `json:"rx_duplicates"`
	RxStale      uint64 `json:"rx_stale"`
	RxMalformed  uint64 `json:"rx_malformed"`
	RxForeign    uint64 `json:"rx_foreign"`
}

type Link struct {
	path netpath.Path
	conn Conn
	log  logrus.FieldLogger

	state     atomic.Int32
	txq       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	writer    sync.WaitGroup

	txPackets, txBytes, txErrors, txDrops                             atomic.Uint64
	rxPackets, rxBytes, rxDuplicates, rxStale, rxMalformed, rxForeign atomic.Uint64
}

func newLink(p netpath.Path, conn Conn, queueSize int, log logrus.FieldLogger) *Link {
	if queueSize <= 0 {
		queueSize = 1
	}
	l := &Link{
		path: p,
		conn: conn,
		log:  log.WithField("link", p.Name),
		txq:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
	l.state.Store(int32(Opening))
	l.writer.Add(1)
	go l.writeLoop()
	l.state.Store(int32(Open))
	return l
}

func (l *Link) Name() string          { return l.path.Name }
func (l *Link) Path() netpath.Path    { return l.path }
func (l *Link) LocalAddr() net.Addr   { return l.conn.LocalAddr() }
func (l *Link) State() State          { return State(l.state.Load()) }
func (l *Link) Done() <-chan struct{} { return l.done }

// Enqueue offers a frame for transmission without blocking. The frame must
// not be modified afterwards; it may be shared with other links.
func (l *Link) Enqueue(frame []byte) error {
	if l.State() != Open {
		return ErrLinkClosed
	}
	select {
	case l.txq <- frame:
		return nil
	case <-l.done:
		return ErrLinkClosed
	default:
		l.txDrops.Add(1)
		return ErrQueueFull
	}
}

func (l *Link) writeLoop() {
	defer l.writer.Done()
	for {
		select {
		case <-l.done:
			return
		case frame := <-l.txq:
			if err := l.conn.Write(frame); err != nil {
				l.txErrors.Add(1)
				if l.State() == Open {
					l.log.Debugf("write failed: %v", err)
				}
				continue
			}
			l.txPackets.Add(1)
			l.txBytes.Add(uint64(len(frame)))
		}
	}
}

// ReadPacket reads one datagram, waiting at most timeout. It returns
// ErrNoData when nothing arrived and ErrLinkClosed once the link is closed.
func (l *Link) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	if l.State() == Closed {
		return 0, ErrLinkClosed
	}
	n, err := l.conn.ReadPacket(buf, timeout)
	if err != nil && l.State() == Closed {
		return 0, ErrLinkClosed
	}
	return n, err
}

func (l *Link) RecordRx(n int) {
	l.rxPackets.Add(1)
	l.rxBytes.Add(uint64(n))
}

func (l *Link) RecordDuplicate() { l.rxDuplicates.Add(1) }
func (l *Link) RecordStale()     { l.rxStale.Add(1) }
func (l *Link) RecordMalformed() { l.rxMalformed.Add(1) }

// RecordForeign counts a frame carrying another session's id.
func (l *Link) RecordForeign() { l.rxForeign.Add(1) }

func (l *Link) Snapshot() Stats {
	return Stats{
		TxPackets:    l.txPackets.Load(),
		TxBytes:      l.txBytes.Load(),
		TxErrors:     l.txErrors.Load(),
		TxDrops:      l.txDrops.Load(),
		RxPackets:    l.rxPackets.Load(),
		RxBytes:      l.rxBytes.Load(),
		RxDuplicates: l.rxDuplicates.Load(),
		RxStale:      l.rxStale.Load(),
		RxMalformed:  l.rxMalformed.Load(),
		RxForeign:    l.rxForeign.Load(),
	}
}

// Close closes the socket and stops the writer. Safe to call repeatedly;
// later calls return the first result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.state.Store(int32(Closed))
		close(l.done)
		l.closeErr = l.conn.Close()
		l.writer.Wait()
	})
	return l.closeErr
}
