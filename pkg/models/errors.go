package models

import "errors"

// Error taxonomy shared across the pipeline. Components wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	// ErrSourceUnavailable marks a transient upstream failure; the adapter
	// retries with backoff.
	ErrSourceUnavailable = errors.New("upstream source unavailable")

	// ErrSourceProtocol marks an encoding or version mismatch that will not
	// heal without operator action; the adapter enters FAILED.
	ErrSourceProtocol = errors.New("upstream protocol error")

	// ErrStoreUnavailable marks a transient store lock or I/O failure;
	// writes are retried with backoff before surfacing.
	ErrStoreUnavailable = errors.New("analytics store unavailable")

	// ErrStoreIntegrity marks a schema mismatch. Fatal to the process.
	ErrStoreIntegrity = errors.New("analytics store integrity error")

	// ErrInsufficientInputData means prevout resolution failed where the
	// classifier needed it; classification degrades instead of erroring.
	ErrInsufficientInputData = errors.New("insufficient input data")

	// ErrConfig marks invalid startup configuration. Fatal.
	ErrConfig = errors.New("invalid configuration")
)
