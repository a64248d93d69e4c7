// Package netpath enumerates the physical network paths a link can be
// opened on and pins datagram sockets to one of them.
package netpath

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"netual/internal/config"
)

// Class is the transport technology behind a path.
type Class string

const (
	ClassWiFi     Class = "wifi"
	ClassCellular Class = "cellular"
	ClassEthernet Class = "ethernet"
	ClassStatic   Class = "static"
)

// Path is one physical route to the server.
type Path struct {
	Name      string // unique, e.g. "wifi:wlan0"
	Class     Class
	Interface string // may be empty for a bare bind address
	LocalIP   net.IP
}

func (p Path) String() string {
	if p.LocalIP == nil {
		return p.Name
	}
	return fmt.Sprintf("%s(%s)", p.Name, p.LocalIP)
}

// Enumerator returns the currently active paths.
type Enumerator interface {
	Paths() ([]Path, error)
}

// Watcher is implemented by enumerators that can signal path changes.
// The channel is closed when ctx ends.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// classify maps an interface to a transport class by sysfs hint and name.
func classify(name string, wireless bool) (Class, bool) {
	switch {
	case wireless, strings.HasPrefix(name, "wl"):
		return ClassWiFi, true
	case strings.HasPrefix(name, "wwan"),
		strings.HasPrefix(name, "rmnet"),
		strings.HasPrefix(name, "ccmni"),
		strings.HasPrefix(name, "usb"),
		strings.HasPrefix(name, "ppp"):
		return ClassCellular, true
	case strings.HasPrefix(name, "eth"),
		strings.HasPrefix(name, "en"),
		strings.HasPrefix(name, "em"):
		return ClassEthernet, true
	}
	return "", false
}

func usableIPv4(ip net.IP) bool {
	ip = ip.To4()
	return ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

func sortPaths(paths []Path) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].Name < paths[j].Name })
}

// StaticEnumerator serves paths pinned in the config file. Paths whose
// interface has no usable address right now are omitted.
type StaticEnumerator struct {
	Configured []config.PathConfig
}

func (s StaticEnumerator) Paths() ([]Path, error) {
	var out []Path
	for _, pc := range s.Configured {
		ifName, ip, err := ResolveBind(pc.Bind)
		if err != nil {
			continue
		}
		out = append(out, Path{
			Name:      pc.Name,
			Class:     Class(pc.Class),
			Interface: ifName,
			LocalIP:   ip,
		})
	}
	return out, nil
}

// ResolveBind turns "if:<name>" or an IP literal into an interface name
// (possibly empty) and a local IPv4 address.
func ResolveBind(value string) (string, net.IP, error) {
	if strings.HasPrefix(value, "if:") {
		ifName := strings.TrimPrefix(value, "if:")
		iface, err := net.InterfaceByName(ifName)
		if err != nil {
			return "", nil, err
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return "", nil, err
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if usableIPv4(ipNet.IP) {
				return ifName, ipNet.IP.To4(), nil
			}
		}
		return "", nil, fmt.Errorf("no ipv4 found on %s", ifName)
	}
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return "", nil, fmt.Errorf("invalid bind: %s", value)
	}
	return "", ip.To4(), nil
}

// New picks the static enumerator when paths are configured and netlink
// discovery otherwise.
func New(cfg *config.Config) Enumerator {
	if len(cfg.Paths) > 0 {
		return StaticEnumerator{Configured: cfg.Paths}
	}
	classes := make([]Class, 0, len(cfg.Transports))
	for _, t := range cfg.Transports {
		classes = append(classes, Class(t))
	}
	return &NetlinkEnumerator{Classes: classes, Exclude: []string{cfg.TunName}}
}

// NetlinkEnumerator discovers paths from the kernel's link and address
// tables. Only classes listed in Classes are reported; interfaces named in
// Exclude (the tunnel itself) are skipped.
type NetlinkEnumerator struct {
	Classes []Class
	Exclude []string
}

func (e *NetlinkEnumerator) allowed(c Class) bool {
	for _, want := range e.Classes {
		if want == c {
			return true
		}
	}
	return false
}

func (e *NetlinkEnumerator) excluded(name string) bool {
	for _, ex := range e.Exclude {
		if ex == name {
			return true
		}
	}
	return false
}
