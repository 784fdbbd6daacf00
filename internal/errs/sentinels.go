// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinels across protocol/repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation in the local store.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConnect indicates a network or handshake failure while opening a
	// router session. Retryable by the caller.
	ErrConnect = errors.New("connect failed")

	// ErrAuth indicates the router rejected the configured credentials.
	// Not retryable without a configuration change.
	ErrAuth = errors.New("authentication rejected")

	// ErrTimeout indicates a deadline elapsed while waiting for a reply.
	// The session stays usable; a late reply for the abandoned tag is dropped.
	ErrTimeout = errors.New("timeout")

	// ErrConnClosed indicates the session was torn down while a call was pending.
	ErrConnClosed = errors.New("connection closed")

	// ErrDuplicate indicates the router reported "already have" for a create.
	// Sync and voucher logic treat it as non-fatal.
	ErrDuplicate = errors.New("duplicate on router")

	// ErrInvalidState indicates an illegal lifecycle transition attempt.
	ErrInvalidState = errors.New("invalid state transition")
)

// DeviceError carries a command rejection reported by the router itself
// (a !trap or !fatal reply). Message is the device's error text verbatim.
type DeviceError struct {
	Message  string
	Category int
	Fatal    bool
}

func (e *DeviceError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("device fatal: %s", e.Message)
	}
	return fmt.Sprintf("device error: %s", e.Message)
}

// IsDeviceDuplicate reports whether err is a device rejection meaning
// "entity already exists". RouterOS phrases these as "already have ...".
func IsDeviceDuplicate(err error) bool {
	var de *DeviceError
	return errors.As(err, &de) && strings.Contains(de.Message, "already have")
}
