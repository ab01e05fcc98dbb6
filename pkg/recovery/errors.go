package recovery

import "errors"

var (
	// ErrRequestNotFound is returned when no recovery request exists for
	// the given identifier.
	ErrRequestNotFound = errors.New("recovery request not found")

	// ErrRequestExpired is returned when the request's expiry passed before
	// it was resolved.
	ErrRequestExpired = errors.New("recovery request expired")

	// ErrAlreadyProcessed is returned when the request already reached a
	// terminal status.
	ErrAlreadyProcessed = errors.New("recovery request already processed")

	// ErrRequestPending is returned when a user already has an open
	// recovery request.
	ErrRequestPending = errors.New("recovery request already pending")

	// ErrInvalidApprovalCode is returned when the submitted approval code
	// does not match the request.
	ErrInvalidApprovalCode = errors.New("invalid approval code")
)
