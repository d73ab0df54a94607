package txn

import "errors"

// Sentinel errors realizing the §7 error taxonomy rows owned by the
// transaction coordinator.
var (
	ErrWALIOError             = errors.New("txn: WAL I/O error")
	ErrGraphInvariantViolation = errors.New("txn: graph invariant violation")
	ErrAckFailure             = errors.New("txn: ack failure reported by editor")
	ErrAckTimeout             = errors.New("txn: ack deadline exceeded")
)
