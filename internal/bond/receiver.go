package bond

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"netual/internal/link"
	"netual/internal/wire"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	readErrorBackoff    = 10 * time.Millisecond
)

// PacketWriter is the tunnel's write side. Implementations serialize
// concurrent writes.
type PacketWriter interface {
	Write(p []byte) (int, error)
}

// Receiver reads frames from one link and writes the first copy of each
// packet to the tunnel.
type Receiver struct {
	SessionID    uint32
	Link         *link.Link
	Window       *Window
	Tunnel       PacketWriter
	PollInterval time.Duration
	MTU          int
	Log          logrus.FieldLogger
}

// Run loops until ctx ends or the link is closed. Read errors never end it.
func (r *Receiver) Run(ctx context.Context) {
	poll := r.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	mtu := r.MTU
	if mtu <= 0 {
		mtu = wire.DefaultMTU
	}
	log := r.Log.WithField("link", r.Link.Name())
	buf := make([]byte, mtu+wire.HeaderSize+64)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := r.Link.ReadPacket(buf, poll)
		switch {
		case err == nil:
		case errors.Is(err, link.ErrNoData):
			continue
		case errors.Is(err, link.ErrLinkClosed):
			return
		default:
			log.Debugf("read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-r.Link.Done():
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		r.handle(buf[:n], log)
	}
}

func (r *Receiver) handle(data []byte, log logrus.FieldLogger) {
	frame, err := wire.Decode(data)
	if err != nil {
		r.Link.RecordMalformed()
		return
	}
	if frame.SessionID != r.SessionID {
		r.Link.RecordForeign()
		log.Debugf("frame for session %d discarded (active %d)", frame.SessionID, r.SessionID)
		return
	}
	r.Link.RecordRx(len(data))
	if len(frame.Payload) == 0 {
		return
	}
	switch r.Window.Check(frame.Sequence) {
	case Duplicate:
		r.Link.RecordDuplicate()
		return
	case Stale:
		r.Link.RecordStale()
		log.Debugf("packet %d older than dedup window", frame.Sequence)
		return
	}
	if _, err := r.Tunnel.Write(frame.Payload); err != nil {
		log.Debugf("tunnel write failed for packet %d: %v", frame.Sequence, err)
		return
	}
	log.Debugf("packet %d delivered (%d bytes)", frame.Sequence, len(frame.Payload))
}
