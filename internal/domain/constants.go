package domain

// EventKind identifies the kind of fact recorded in an account's event log.
type EventKind string

const (
	EventDeposited        EventKind = "deposited"
	EventWithdrawn        EventKind = "withdrawn"
	EventTransferOut      EventKind = "transfer_out"
	EventTransferIn       EventKind = "transfer_in"
	EventTransferReversed EventKind = "transfer_reversed"
)

// IsValid reports whether k is one of the known event kinds.
func (k EventKind) IsValid() bool {
	switch k {
	case EventDeposited, EventWithdrawn, EventTransferOut, EventTransferIn, EventTransferReversed:
		return true
	}
	return false
}

// IsCredit reports whether events of this kind increase the balance.
func (k EventKind) IsCredit() bool {
	return k == EventDeposited || k == EventTransferIn || k == EventTransferReversed
}

// Transfer saga statuses.
const (
	TransferStatusInitiated     = "INITIATED"
	TransferStatusDebitApplied  = "DEBIT_APPLIED"
	TransferStatusReversing     = "REVERSING"
	TransferStatusCompleted     = "COMPLETED"
	TransferStatusDebitReversed = "DEBIT_REVERSED"
	TransferStatusFailed        = "FAILED"
)

// IsTerminalTransferStatus reports whether no further transitions are allowed.
func IsTerminalTransferStatus(status string) bool {
	return status == TransferStatusCompleted || status == TransferStatusFailed
}

// Account command names used for metrics and logs.
const (
	CommandDeposit            = "deposit"
	CommandWithdraw           = "withdraw"
	CommandTransferOut        = "transfer_out"
	CommandTransferIn         = "transfer_in"
	CommandReverseTransferOut = "reverse_transfer_out"
)
