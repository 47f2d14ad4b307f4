package fleet

import "errors"

// Sentinel error kinds. Callers classify failures with errors.Is; the API
// layer maps each kind to an HTTP status.
var (
	// ErrInvalid marks a request that fails validation.
	ErrInvalid = errors.New("invalid request")

	// ErrNotFound marks a worker or stream that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInactive marks an operation against a worker that is not active.
	ErrInactive = errors.New("worker inactive")

	// ErrNoCapacity marks a placement that found no free slots.
	ErrNoCapacity = errors.New("no capacity")

	// ErrAlreadyAssigned marks an insert that lost the one-active-row-per-stream
	// race to a concurrent writer.
	ErrAlreadyAssigned = errors.New("stream already assigned")

	// ErrUnavailable marks a storage failure that persisted through retries.
	// Safe to retry after a pause.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInternal marks an unexpected failure.
	ErrInternal = errors.New("internal error")
)

// traceKind names the sentinel class of err for span attributes, using the
// same taxonomy the control API serves in its error envelope.
func traceKind(err error) (kind string, retryable bool) {
	switch {
	case errors.Is(err, ErrInvalid):
		return "invalid_argument", false
	case errors.Is(err, ErrNotFound):
		return "not_found", false
	case errors.Is(err, ErrInactive), errors.Is(err, ErrNoCapacity), errors.Is(err, ErrAlreadyAssigned):
		return "conflict", false
	case errors.Is(err, ErrUnavailable):
		return "unavailable", true
	default:
		return "internal", false
	}
}
