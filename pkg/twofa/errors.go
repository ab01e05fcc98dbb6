package twofa

import "errors"

var (
	// ErrConfigNotFound is returned when no two-factor configuration exists
	// for the requested user.
	ErrConfigNotFound = errors.New("two-factor configuration not found")

	// ErrAlreadyEnabled is returned when setup or enable is attempted while
	// two-factor authentication is already pending or active for the user.
	ErrAlreadyEnabled = errors.New("two-factor authentication already enabled")

	// ErrNotEnabled is returned when an operation requires an enabled
	// configuration but the user's two-factor authentication is not active.
	ErrNotEnabled = errors.New("two-factor authentication not enabled")

	// ErrNotSetUp is returned when setup verification is attempted before
	// setup has been started.
	ErrNotSetUp = errors.New("two-factor authentication not set up")

	// ErrLocked is returned while the configuration is locked out after too
	// many failed verification attempts.
	ErrLocked = errors.New("two-factor authentication locked")

	// ErrInvalidCode is returned when a submitted passcode or backup code
	// does not verify.
	ErrInvalidCode = errors.New("invalid two-factor code")

	// ErrInvalidTransition is returned when a status transition is requested
	// from a state the configuration is not in.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMethodNotSupported is returned for delivery methods the service
	// cannot issue challenges for.
	ErrMethodNotSupported = errors.New("two-factor method not supported")
)
