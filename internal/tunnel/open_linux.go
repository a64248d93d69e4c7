//go:build linux

package tunnel

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Open creates the TUN device and assigns its address, MTU and routes.
func Open(opts Options) (*Session, error) {
	ifce, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: opts.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", opts.Name, err)
	}
	if err := configure(ifce.Name(), opts); err != nil {
		_ = ifce.Close()
		return nil, err
	}
	return NewSession(ifce, ifce.Name()), nil
}

func configure(name string, opts Options) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link not found: %w", err)
	}
	if opts.MTU > 0 {
		if err := netlink.LinkSetMTU(l, opts.MTU); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	if opts.CIDR != "" {
		addr, err := netlink.ParseAddr(opts.CIDR)
		if err != nil {
			return fmt.Errorf("addr parse: %w", err)
		}
		if addr.IP.To4() == nil {
			return fmt.Errorf("tun_cidr %s: ipv4 only", opts.CIDR)
		}
		if err := netlink.AddrReplace(l, addr); err != nil {
			return fmt.Errorf("addr set: %w", err)
		}
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	for _, r := range opts.Routes {
		_, dst, err := net.ParseCIDR(r)
		if err != nil {
			return fmt.Errorf("route parse: %w", err)
		}
		if dst.IP.To4() == nil {
			continue
		}
		rt := &netlink.Route{LinkIndex: l.Attrs().Index, Dst: dst}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("route add %s: %w", r, err)
		}
	}
	return nil
}
