//go:build linux

package netpath

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/vishvananda/netlink"
)

func isWireless(name string) bool {
	_, err := os.Stat(filepath.Join("/sys/class/net", name, "wireless"))
	return err == nil
}

func (e *NetlinkEnumerator) Paths() ([]Path, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}

	var out []Path
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
			continue
		}
		if l.Type() == "tuntap" || e.excluded(attrs.Name) {
			continue
		}
		class, ok := classify(attrs.Name, isWireless(attrs.Name))
		if !ok || !e.allowed(class) {
			continue
		}

		addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		var local net.IP
		for _, a := range addrs {
			if a.IPNet != nil && usableIPv4(a.IP) {
				local = a.IP.To4()
				break
			}
		}
		if local == nil {
			continue
		}

		out = append(out, Path{
			Name:      string(class) + ":" + attrs.Name,
			Class:     class,
			Interface: attrs.Name,
			LocalIP:   local,
		})
	}
	sortPaths(out)
	return out, nil
}

// Watch coalesces netlink link and address updates into a single
// notification channel.
func (e *NetlinkEnumerator) Watch(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	addrCh := make(chan netlink.AddrUpdate, 16)
	linkCh := make(chan netlink.LinkUpdate, 16)

	if err := netlink.AddrSubscribe(addrCh, done); err != nil {
		close(done)
		return nil, err
	}
	if err := netlink.LinkSubscribe(linkCh, done); err != nil {
		close(done)
		return nil, err
	}

	out := make(chan struct{}, 1)
	notify := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				close(done)
				return
			case _, ok := <-addrCh:
				if !ok {
					addrCh = nil
					continue
				}
				notify()
			case _, ok := <-linkCh:
				if !ok {
					linkCh = nil
					continue
				}
				notify()
			}
		}
	}()
	return out, nil
}
