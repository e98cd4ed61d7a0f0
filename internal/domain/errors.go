package domain

import "errors"

// Error kinds shared across packages. Callers classify wrapped errors
// with errors.Is to decide between rejecting input, re-authenticating
// and reconnect-with-retry.
var (
	// ErrValidation marks input rejected before any network effect.
	ErrValidation = errors.New("validation error")

	// ErrAuthentication marks login transport, status or shape failures.
	ErrAuthentication = errors.New("authentication error")

	// ErrProtocol marks a malformed or unexpected reply on an otherwise
	// healthy connection.
	ErrProtocol = errors.New("protocol error")

	// ErrConnection marks transport-level open, send or receive failures.
	ErrConnection = errors.New("connection error")
)
