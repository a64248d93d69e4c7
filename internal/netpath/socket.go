package netpath

import (
	"context"
	"net"
)

// DialUDP opens a connected UDP socket to raddr whose source is the path's
// local address. pinned reports whether the kernel also accepted the
// interface binding.
func DialUDP(ctx context.Context, p Path, raddr string) (conn *net.UDPConn, pinned bool, err error) {
	d := net.Dialer{
		LocalAddr: &net.UDPAddr{IP: p.LocalIP, Port: 0},
		Control:   deviceControl(p.Interface, &pinned),
	}
	c, err := d.DialContext(ctx, "udp4", raddr)
	if err != nil {
		return nil, false, err
	}
	return c.(*net.UDPConn), pinned, nil
}

// ListenUDP opens an unconnected UDP socket on the path, for transports that
// manage their own peer addressing.
func ListenUDP(ctx context.Context, p Path) (conn *net.UDPConn, pinned bool, err error) {
	lc := net.ListenConfig{Control: deviceControl(p.Interface, &pinned)}
	laddr := (&net.UDPAddr{IP: p.LocalIP, Port: 0}).String()
	c, err := lc.ListenPacket(ctx, "udp4", laddr)
	if err != nil {
		return nil, false, err
	}
	return c.(*net.UDPConn), pinned, nil
}
