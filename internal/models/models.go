package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
)

// Event is one immutable entry in an account's log. EventID is unique per
// command invocation, so an append whose acknowledgement was lost can be
// recognized in the log.
type Event struct {
	AccountID        string           `json:"account_id"`
	Seq              uint64           `json:"seq"`
	Kind             domain.EventKind `json:"kind"`
	Amount           decimal.Decimal  `json:"amount"`
	RelatedAccountID string           `json:"related_account_id,omitempty"`
	TransferID       string           `json:"transfer_id,omitempty"`
	EventID          string           `json:"event_id,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

type Transfer struct {
	ID            string          `json:"id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"` // INITIATED, DEBIT_APPLIED, REVERSING, COMPLETED, DEBIT_REVERSED, FAILED
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SameRequest reports whether t was created for the same movement of funds.
func (t *Transfer) SameRequest(from, to string, amount decimal.Decimal) bool {
	return t.FromAccountID == from && t.ToAccountID == to && t.Amount.Equal(amount)
}

type TransferTransition struct {
	TransferID string    `json:"transfer_id"`
	PrevStatus string    `json:"prev_status"`
	NextStatus string    `json:"next_status"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type BalanceView struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Version   uint64          `json:"version"`
}

type HistoryEntry struct {
	EventKind        domain.EventKind `json:"event_kind"`
	Amount           decimal.Decimal  `json:"amount"`
	RelatedAccountID string           `json:"related_account_id,omitempty"`
	TransferID       string           `json:"transfer_id,omitempty"`
	Sequence         uint64           `json:"sequence"`
	Timestamp        time.Time        `json:"timestamp"`
}

// NewHistoryEntry projects an event into its read-model shape.
func NewHistoryEntry(e Event) HistoryEntry {
	return HistoryEntry{
		EventKind:        e.Kind,
		Amount:           e.Amount,
		RelatedAccountID: e.RelatedAccountID,
		TransferID:       e.TransferID,
		Sequence:         e.Seq,
		Timestamp:        e.Timestamp,
	}
}
