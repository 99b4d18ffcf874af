package domain

import "errors"

var (
	// ErrTransientFetch marks network, rate-limit and upstream 5xx failures.
	// The id is skipped for this run and retried by the next one.
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrNotFound is returned by lookups for an unknown external id.
	ErrNotFound = errors.New("item not found")

	// ErrStorageWrite wraps failed item writes and update batches.
	ErrStorageWrite = errors.New("storage write error")

	// ErrImmutableField is returned when a write names a field that cannot change.
	ErrImmutableField = errors.New("field is immutable or unknown")

	// ErrSchedulerStart is returned when the scheduler cannot be started.
	ErrSchedulerStart = errors.New("scheduler start error")
)

// StorageError describes a failed write. It matches ErrStorageWrite with
// errors.Is and unwraps to the driver error.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return e.Op + ": " + ErrStorageWrite.Error() + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageWrite
}

// IsRetryableStorageError reports whether err is a StorageError that may
// succeed on a later attempt.
func IsRetryableStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable
}
