package service

import (
	"context"
	"time"

	"github.com/ayo6706/account-eventsourcing/internal/models"
)

// TransferStore persists transfer saga records and their transition history.
// TransitionTransfer is a compare-and-set on the current status.
type TransferStore interface {
	CreateTransfer(ctx context.Context, t *models.Transfer) error
	GetTransfer(ctx context.Context, id string) (*models.Transfer, error)
	TransitionTransfer(ctx context.Context, id, from, to, reason string, at time.Time) (*models.Transfer, error)
	ListTransfersByStatus(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Transfer, error)
	ListTransferTransitions(ctx context.Context, id string) ([]models.TransferTransition, error)
}

// EventReader exposes an account's durable log for reconciliation.
type EventReader interface {
	ReadAll(ctx context.Context, accountID string) ([]models.Event, error)
}

// BalanceCache is an optional read model for balances.
type BalanceCache interface {
	Get(ctx context.Context, accountID string) (*models.BalanceView, bool)
	Put(ctx context.Context, view models.BalanceView)
	Invalidate(ctx context.Context, accountID string)
}
