package link

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"netual/internal/netpath"
)

type udpConn struct {
	c *net.UDPConn
}

func (u *udpConn) Write(p []byte) error {
	_, err := u.c.Write(p)
	return err
}

func (u *udpConn) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	if err := u.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := u.c.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrNoData
		}
		return 0, err
	}
	return n, nil
}

func (u *udpConn) LocalAddr() net.Addr { return u.c.LocalAddr() }
func (u *udpConn) Close() error        { return u.c.Close() }

// UDPDialer carries frames as plain UDP datagrams to Remote.
type UDPDialer struct {
	Remote string
	Log    logrus.FieldLogger
}

func (d UDPDialer) Dial(ctx context.Context, p netpath.Path) (Conn, error) {
	c, pinned, err := netpath.DialUDP(ctx, p, d.Remote)
	if err != nil {
		return nil, err
	}
	if !pinned && p.Interface != "" && d.Log != nil {
		d.Log.WithField("link", p.Name).Debugf("interface binding refused, using source address %s", p.LocalIP)
	}
	return &udpConn{c: c}, nil
}
