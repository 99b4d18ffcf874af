package postgres

import (
	"database/sql/driver"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"hn_syncer/internal/domain"
)

// IsRetryable reports whether a failed statement may succeed if attempted
// again: lost connections, serialization failures, deadlocks and resource
// exhaustion. Constraint and syntax errors are not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return errors.Is(err, driver.ErrBadConn)
	}

	code := string(pqErr.Code)
	switch {
	case pgerrcode.IsConnectionException(code),
		pgerrcode.IsTransactionRollback(code),
		pgerrcode.IsInsufficientResources(code):
		return true
	case code == pgerrcode.AdminShutdown, code == pgerrcode.CannotConnectNow:
		return true
	default:
		return false
	}
}

func writeError(op string, err error) error {
	return &domain.StorageError{Op: op, Retryable: IsRetryable(err), Err: err}
}
