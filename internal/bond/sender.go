package bond

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"netual/internal/link"
	"netual/internal/wire"
)

// ErrTunnelRead ends the sender when the tunnel fails while it is running.
var ErrTunnelRead = errors.New("bond: tunnel read failed")

// LinkSet is the current set of open links.
type LinkSet interface {
	Links() []*link.Link
}

// Sender reads packets from the tunnel and offers each one, framed with a
// fresh sequence number, to every open link.
type Sender struct {
	SessionID uint32
	Tunnel    io.Reader
	Links     LinkSet
	MTU       int
	Log       logrus.FieldLogger

	seq     uint32
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Sent is the number of packets at least one link accepted.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Dropped is the number of packets no link accepted.
func (s *Sender) Dropped() uint64 { return s.dropped.Load() }

// Run loops until ctx ends (nil) or the tunnel read fails (ErrTunnelRead).
// Cancelling ctx alone does not unblock a pending read; the caller closes
// the tunnel for that.
func (s *Sender) Run(ctx context.Context) error {
	mtu := s.MTU
	if mtu <= 0 {
		mtu = wire.DefaultMTU
	}
	buf := make([]byte, mtu)
	for {
		n, err := s.Tunnel.Read(buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTunnelRead, err)
		}
		if n == 0 {
			continue
		}
		frame := wire.Encode(s.SessionID, s.seq, buf[:n])
		s.fanOut(s.seq, frame)
		s.seq++
	}
}

func (s *Sender) fanOut(seq uint32, frame []byte) int {
	links := s.Links.Links()
	accepted := 0
	var via, failed []string
	for _, l := range links {
		if err := l.Enqueue(frame); err != nil {
			failed = append(failed, l.Name()+"="+err.Error())
			continue
		}
		accepted++
		via = append(via, l.Name())
	}
	if accepted == 0 {
		s.dropped.Add(1)
		s.Log.Warnf("packet %d dropped: no link accepted (%d links)", seq, len(links))
		return 0
	}
	s.sent.Add(1)
	if len(failed) > 0 {
		s.Log.Debugf("packet %d sent via %s, failed %s", seq, strings.Join(via, ","), strings.Join(failed, ","))
	} else {
		s.Log.Debugf("packet %d sent via %s (%d bytes)", seq, strings.Join(via, ","), len(frame))
	}
	return accepted
}
