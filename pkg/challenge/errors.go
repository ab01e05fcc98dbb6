package challenge

import "errors"

var (
	// ErrChallengeNotFound is returned when no challenge exists for the
	// given identifier.
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrChallengeExpired is returned when the challenge's expiry has
	// passed before a successful verification.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrChallengeConsumed is returned when the challenge already reached a
	// terminal status and cannot be verified again.
	ErrChallengeConsumed = errors.New("challenge already consumed")
)
