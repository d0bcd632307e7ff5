package domain

import "errors"

// Error taxonomy shared across the monitoring core.
var (
	// ErrNotFound signals an unknown tourist, alert, zone or rule ID.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition signals an illegal alert status change.
	ErrInvalidTransition = errors.New("invalid alert transition")

	// ErrInvalidInput signals malformed input such as NaN coordinates
	// or a non-positive zone radius.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable signals a failed store, catalog or directory call.
	ErrUnavailable = errors.New("upstream unavailable")
)
