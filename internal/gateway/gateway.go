// Package gateway is the boundary the transfer coordinator uses to reach
// account aggregates.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Accounts applies the per-account halves of a transfer. Every call is
// idempotent on transferID.
type Accounts interface {
	ApplyTransferOut(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal, transferID string) (uint64, error)
	ApplyTransferIn(ctx context.Context, toAccountID, fromAccountID string, amount decimal.Decimal, transferID string) (uint64, error)
	ReverseTransferOut(ctx context.Context, fromAccountID, transferID string) (uint64, error)
}
