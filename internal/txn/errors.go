package txn

import (
	"errors"

	"daybook/internal/kv"
)

// Failure taxonomy for write transactions.
//
// Callers should use [errors.Is] to check error types. Nothing from this
// package propagates as a panic; every storage failure is converted into one
// of these typed results at the manager boundary.
var (
	// ErrQuotaExceeded indicates the medium rejected the write due to
	// capacity. Aliases [kv.ErrQuotaExceeded] so either sentinel matches.
	ErrQuotaExceeded = kv.ErrQuotaExceeded

	// ErrSerialization indicates the document could not be serialized.
	ErrSerialization = errors.New("txn: cannot serialize document")

	// ErrVerification indicates the read-back after a store did not match
	// what was written. The write was rolled back.
	ErrVerification = errors.New("txn: post-write verification mismatch")

	// ErrRollbackFailed indicates a failed write whose rollback also failed:
	// both the live and the backup copy are now gone. Fatal; callers must
	// force read-only mode. Only reset can recover.
	ErrRollbackFailed = errors.New("txn: rollback failed, live and backup copies lost")
)
