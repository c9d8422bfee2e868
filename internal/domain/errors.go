package domain

import "errors"

// Client errors: returned synchronously and never retried.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrSameAccount        = errors.New("cannot transfer to the same account")
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrTransferConflict   = errors.New("transfer id reused with different parameters")
	ErrTransferInProgress = errors.New("transfer is already being processed")
	ErrMissingTransferID  = errors.New("transfer id is required")
	ErrTransferReversed   = errors.New("transfer debit was already reversed")
)

// Store and coordination errors.
var (
	ErrPersistenceFailure    = errors.New("persistence failure")
	ErrTransferInconsistency = errors.New("transfer inconsistency")
	ErrSequenceConflict      = errors.New("event sequence conflict")
	ErrCorruptLog            = errors.New("event log is not contiguous")
	ErrTransferExists        = errors.New("transfer already exists")
	ErrInvalidTransition     = errors.New("invalid transfer state transition")
)

// IsClientError reports whether err is a validation or business-rule failure
// that retrying cannot fix.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount,
		ErrInsufficientFunds,
		ErrUnknownAccount,
		ErrSameAccount,
		ErrTransferNotFound,
		ErrTransferConflict,
		ErrMissingTransferID,
		ErrTransferReversed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
