// Package registrar performs the one-shot control-channel handshake that
// obtains a session id from the server.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"netual/internal/wire"
)

// ErrRegistration covers every way a registration attempt can fail:
// timeout, transport error, empty or malformed response.
var ErrRegistration = errors.New("registration failed")

// maxResponse bounds the single read of the server reply.
const maxResponse = 1024

// Register dials addr (host:port of the control endpoint), sends REGISTER
// and parses the reply. timeout bounds the whole exchange. The connection
// is always closed before returning. There is no retry.
func Register(ctx context.Context, addr string, timeout time.Duration) (uint32, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("%w: dial %s: %w", ErrRegistration, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write([]byte(wire.RegisterRequest)); err != nil {
		return 0, fmt.Errorf("%w: write: %w", ErrRegistration, err)
	}

	buf := make([]byte, maxResponse)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = errors.New("empty response")
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return 0, fmt.Errorf("%w: read: %w", ErrRegistration, err)
	}

	id, err := wire.ParseSessionResponse(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	return id, nil
}

// Registrar binds Register to a fixed control port and timeout.
type Registrar struct {
	ControlPort int
	Timeout     time.Duration
}

// Register registers with server (host or IP, without port).
func (r Registrar) Register(ctx context.Context, server string) (uint32, error) {
	return Register(ctx, net.JoinHostPort(server, fmt.Sprintf("%d", r.ControlPort)), r.Timeout)
}
