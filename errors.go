package utmnet

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the codec and the transports.
var (
	// ErrFraming is returned for short reads and malformed frames.
	ErrFraming = errors.New("malformed frame")
	// ErrSerialization is returned when an envelope or payload cannot be
	// (de)serialized.
	ErrSerialization = errors.New("malformed payload")
	// ErrInvalidHandler is returned when no handler is provided.
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrAlreadyRunning is returned by Run on a transport that is serving.
	ErrAlreadyRunning = errors.New("transport already running")
	// ErrTransportStopped is returned when operating on a stopped transport.
	ErrTransportStopped = errors.New("transport stopped")
)

// BindError is returned when a transport cannot acquire its socket. There is
// no degraded mode for a transport without a port, so callers usually treat
// it as fatal.
type BindError struct {
	Network string
	Addr    string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s %s: %v", e.Network, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
