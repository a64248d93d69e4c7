//go:build linux

package netpath

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// deviceControl pins the socket to ifName with SO_BINDTODEVICE. Without
// CAP_NET_RAW the kernel refuses; the socket then keeps only its source
// address binding and *pinned stays false.
func deviceControl(ifName string, pinned *bool) func(network, address string, c syscall.RawConn) error {
	if ifName == "" {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.BindToDevice(int(fd), ifName)
		}); err != nil {
			return err
		}
		if errors.Is(serr, unix.EPERM) {
			return nil
		}
		if serr == nil {
			*pinned = true
		}
		return serr
	}
}
