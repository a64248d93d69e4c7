//go:build !linux

package tunnel

import (
	"fmt"
	"runtime"
)

func Open(opts Options) (*Session, error) {
	return nil, fmt.Errorf("tun %s: unsupported on %s", opts.Name, runtime.GOOS)
}
