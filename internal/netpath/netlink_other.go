//go:build !linux

package netpath

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("netpath: path discovery requires linux, configure paths explicitly")

func (e *NetlinkEnumerator) Paths() ([]Path, error) {
	return nil, errUnsupported
}

func (e *NetlinkEnumerator) Watch(ctx context.Context) (<-chan struct{}, error) {
	return nil, errUnsupported
}
