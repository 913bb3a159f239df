package types

import "errors"

// Configuration-time errors. These abort startup and are never defaulted away.
var (
	ErrInvalidDescriptor    = errors.New("invalid descriptor")
	ErrResourceMismatch     = errors.New("resource mismatch")
	ErrDuplicateGroupName   = errors.New("duplicate task group name")
	ErrMissingRequiredValue = errors.New("missing required value")
)

// Runtime errors.
var (
	// ErrRegistrationFailure is reported by the scheduling engine and is terminal
	ErrRegistrationFailure = errors.New("registration failure")

	// ErrUncaughtFault wraps panics and unexpected errors raised by the process
	ErrUncaughtFault = errors.New("uncaught fault")

	// ErrAddressInUse is returned when the control surface cannot bind its listener
	ErrAddressInUse = errors.New("address in use")
)
