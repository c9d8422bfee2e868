package account

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

// Deposit credits amount and returns the new event's sequence number.
func (a *Aggregate) Deposit(ctx context.Context, amount decimal.Decimal) (uint64, error) {
	return a.execute(ctx, domain.CommandDeposit, func() (decision, error) {
		if err := domain.ValidateAmount(amount); err != nil {
			return decision{}, err
		}
		return decision{event: models.Event{Kind: domain.EventDeposited, Amount: amount}}, nil
	})
}

// Withdraw debits amount. The log is unchanged when funds are insufficient.
func (a *Aggregate) Withdraw(ctx context.Context, amount decimal.Decimal) (uint64, error) {
	return a.execute(ctx, domain.CommandWithdraw, func() (decision, error) {
		if err := a.checkDebit(amount); err != nil {
			return decision{}, err
		}
		return decision{event: models.Event{Kind: domain.EventWithdrawn, Amount: amount}}, nil
	})
}

// ApplyTransferOut debits the source side of a transfer. Applying the same
// transferID again returns the sequence number of the recorded debit, or
// domain.ErrTransferReversed once that debit has been reversed.
func (a *Aggregate) ApplyTransferOut(ctx context.Context, toAccountID string, amount decimal.Decimal, transferID string) (uint64, error) {
	return a.execute(ctx, domain.CommandTransferOut, func() (decision, error) {
		if transferID == "" {
			return decision{}, domain.ErrMissingTransferID
		}
		if m := a.marks[transferID]; m != nil && m.outSeq != 0 {
			if m.reversedSeq != 0 {
				return decision{}, fmt.Errorf("%w: %s on account %s", domain.ErrTransferReversed, transferID, a.id)
			}
			return decision{seq: m.outSeq}, nil
		}
		if err := domain.ValidateAccountID(toAccountID); err != nil {
			return decision{}, err
		}
		if err := a.checkDebit(amount); err != nil {
			return decision{}, err
		}
		return decision{event: models.Event{
			Kind:             domain.EventTransferOut,
			Amount:           amount,
			RelatedAccountID: toAccountID,
			TransferID:       transferID,
		}}, nil
	})
}

// ApplyTransferIn credits the destination side of a transfer, once per transferID.
func (a *Aggregate) ApplyTransferIn(ctx context.Context, fromAccountID string, amount decimal.Decimal, transferID string) (uint64, error) {
	return a.execute(ctx, domain.CommandTransferIn, func() (decision, error) {
		if transferID == "" {
			return decision{}, domain.ErrMissingTransferID
		}
		if m := a.marks[transferID]; m != nil && m.inSeq != 0 {
			return decision{seq: m.inSeq}, nil
		}
		if err := domain.ValidateAccountID(fromAccountID); err != nil {
			return decision{}, err
		}
		if err := domain.ValidateAmount(amount); err != nil {
			return decision{}, err
		}
		return decision{event: models.Event{
			Kind:             domain.EventTransferIn,
			Amount:           amount,
			RelatedAccountID: fromAccountID,
			TransferID:       transferID,
		}}, nil
	})
}

// ReverseTransferOut credits back the amount of a recorded transfer debit.
// It fails with domain.ErrTransferNotFound when no such debit exists and is a
// no-op returning the earlier sequence number when already reversed.
func (a *Aggregate) ReverseTransferOut(ctx context.Context, transferID string) (uint64, error) {
	return a.execute(ctx, domain.CommandReverseTransferOut, func() (decision, error) {
		m := a.marks[transferID]
		if m == nil || m.outSeq == 0 {
			return decision{}, fmt.Errorf("%w: no debit for %s on account %s", domain.ErrTransferNotFound, transferID, a.id)
		}
		if m.reversedSeq != 0 {
			return decision{seq: m.reversedSeq}, nil
		}
		return decision{event: models.Event{
			Kind:             domain.EventTransferReversed,
			Amount:           m.outAmount,
			RelatedAccountID: m.outTo,
			TransferID:       transferID,
		}}, nil
	})
}

func (a *Aggregate) checkDebit(amount decimal.Decimal) error {
	if err := domain.ValidateAmount(amount); err != nil {
		return err
	}
	if amount.GreaterThan(a.balance) {
		return fmt.Errorf("%w: account %s has %s, needs %s", domain.ErrInsufficientFunds, a.id, a.balance.String(), amount.String())
	}
	return nil
}
