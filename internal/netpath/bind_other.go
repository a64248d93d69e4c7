//go:build !linux

package netpath

import "syscall"

func deviceControl(ifName string, pinned *bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
