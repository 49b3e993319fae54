package settlement

import "errors"

// Named failure reasons, mirroring the ledger contract's error surface.
// Authorization and validation failures are caller errors and are never
// retried; state-conflict failures are recoverable only with different input.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRoot       = errors.New("invalid root")
	ErrCommitmentUsed    = errors.New("commitment already used")
	ErrInvalidProof      = errors.New("invalid proof")
	ErrEmptyProof        = errors.New("empty proof")
	ErrBatchTooLarge     = errors.New("batch too large")
	ErrLengthMismatch    = errors.New("length mismatch")
	ErrZeroAddress       = errors.New("zero address")
	ErrPaused            = errors.New("contract paused")
	ErrNoPendingTransfer = errors.New("no pending ownership transfer")
	ErrExecutorExists    = errors.New("executor already authorized")
	ErrExecutorNotFound  = errors.New("executor not found")
)
