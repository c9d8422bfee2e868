// Package repository holds the durable backends for account event logs and
// transfer saga records: Postgres (pgx), SQLite (modernc) and in-memory.
package repository

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

// ErrStoreUnavailable marks a transient backend failure. Callers may retry.
var ErrStoreUnavailable = errors.New("store unavailable")

const transferColumns = `id, from_account_id, to_account_id, amount_micros, status, reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func validateAppend(evt models.Event) error {
	if evt.AccountID == "" {
		return fmt.Errorf("append event: %w", domain.ErrUnknownAccount)
	}
	if evt.Seq == 0 {
		return fmt.Errorf("append event: sequence must start at 1")
	}
	if !evt.Kind.IsValid() {
		return fmt.Errorf("append event: unknown kind %q", evt.Kind)
	}
	return nil
}

func sequenceConflict(accountID string, want, head uint64) error {
	return fmt.Errorf("%w: account %s expected seq %d, log head is %d", domain.ErrSequenceConflict, accountID, want, head)
}

func invalidTransition(id, current, from, to string) error {
	return fmt.Errorf("%w: transfer %s is %s, cannot move %s -> %s", domain.ErrInvalidTransition, id, current, from, to)
}

func transferNotFound(id string) error {
	return fmt.Errorf("%w: %s", domain.ErrTransferNotFound, id)
}

func hasStatus(statuses []string, status string) bool {
	return len(statuses) == 0 || slices.Contains(statuses, status)
}
