package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Control channel messages. One short-lived TCP connection per registration.
const (
	RegisterRequest = "REGISTER\n"
	registerVerb    = "REGISTER"
	sessionPrefix   = "SESSION_ID:"
)

// ErrBadSessionResponse is returned for anything that is not SESSION_ID:<n>
// with n a non-zero uint32.
var ErrBadSessionResponse = errors.New("wire: bad session response")

// IsRegisterRequest reports whether a control message asks for a session.
func IsRegisterRequest(msg []byte) bool {
	return strings.HasPrefix(string(msg), registerVerb)
}

// FormatSessionResponse renders the server's reply to REGISTER.
func FormatSessionResponse(id uint32) string {
	return fmt.Sprintf("%s%d\n", sessionPrefix, id)
}

// ParseSessionResponse extracts the session id from a control reply.
func ParseSessionResponse(resp []byte) (uint32, error) {
	s := string(resp)
	if !strings.HasPrefix(s, sessionPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrBadSessionResponse, s)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(s, sessionPrefix))
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadSessionResponse, s)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: zero session id", ErrBadSessionResponse)
	}
	return uint32(n), nil
}
