// Package deviceproto defines the boundary to the encrypted key-value
// protocol the appliances speak, and ships a default dialer for it.
// The interfaces fix the three outcomes a connection attempt can
// have: success, generic failure, and authentication failure (stale
// local key).
package deviceproto

import (
	"context"
	"errors"
)

// ErrAuthFailed is returned when the device rejects the supplied local
// key. Distinguishable from transport failures; it is the signal that
// the device was re-paired and holds a new key.
var ErrAuthFailed = errors.New("device rejected local key")

// Session is an established exchange with one appliance, either
// direct or through the cloud relay.
type Session interface {
	// Ping verifies the session is still usable.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sessions to an appliance. Implementations must honor
// the context deadline; no unbounded waits.
type Dialer interface {
	// DialLocal opens a direct session using the stored symmetric key.
	DialLocal(ctx context.Context, addr, deviceID, localKey string) (Session, error)

	// DialCloud opens a relayed session through the vendor cloud using
	// an account access token.
	DialCloud(ctx context.Context, endpoint, accessToken, deviceID string) (Session, error)
}

// IsAuthFailure reports whether err is the protocol's authentication
// failure signal.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}
