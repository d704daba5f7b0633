package database

import (
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
	"github.com/ruralpay/walletledger/internal/apperr"
)

// Postgres SQLSTATE codes the ledger reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// IsTransient reports whether err is a lock or deadlock failure that a fresh
// transaction attempt may succeed past.
func IsTransient(err error) bool {
	if apperr.KindOf(err) == apperr.KindTransient {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
	}
	return false
}

func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == codeUniqueViolation
}

// IsConnectionError reports a failure to reach the database at all. It is
// only safe to retry when it happens before the transaction began.
func IsConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
