package queue

import "errors"

// Sentinel errors for the queue layer.
var (
	// ErrStoreUnavailable wraps backend failures from the event store.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrRunInProgress is returned when a run cannot acquire the batch lease.
	ErrRunInProgress = errors.New("another batch run holds the lease")
)
