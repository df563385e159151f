package correlator

import (
	"errors"

	"github.com/nerrad567/fleetdash/internal/bus"
)

// Exchange outcomes other than success. Use errors.Is to tell them apart.
var (
	// ErrNotConnected is the bus error, re-exported so callers of this
	// package need not import bus to recognise it.
	ErrNotConnected = bus.ErrNotConnected

	// ErrTimeout is returned when no matching reply arrived in time.
	ErrTimeout = errors.New("correlator: exchange timed out")

	// ErrSuperseded is returned to a caller whose pending exchange was
	// replaced by a newer request for the same key. It is not a failure.
	ErrSuperseded = errors.New("correlator: superseded by newer request")

	// ErrStopped is returned for exchanges pending when Stop was called and
	// for requests issued afterwards.
	ErrStopped = errors.New("correlator: stopped")

	// ErrDecode wraps reply payloads the codec could not decode.
	ErrDecode = bus.ErrDecode

	// ErrInvalidKey is returned for an empty correlation key.
	ErrInvalidKey = errors.New("correlator: key cannot be empty")

	// ErrInvalidBatch is returned for a batch with no exchanges.
	ErrInvalidBatch = errors.New("correlator: batch count must be positive")
)

// IsBenign reports whether err is an expected outcome that callers should
// not surface as a failure. Supersession is the only such outcome.
func IsBenign(err error) bool {
	return errors.Is(err, ErrSuperseded)
}
