package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInjected is returned for failures simulated by Faulty.
var ErrInjected = errors.New("gateway temporarily unavailable")

// Faulty wraps Accounts and injects failures for chaos and saga testing.
type Faulty struct {
	next Accounts

	// FailureRate is the probability (0.0 to 1.0) that a credit fails before reaching the account.
	FailureRate float64
	// Latency is added before every call.
	Latency time.Duration

	mu              sync.Mutex
	failCredits     int
	loseDebitAcks   int
	failReversals   int
	loseReverseAcks int
	creditCallCount int
}

func NewFaulty(next Accounts) *Faulty {
	return &Faulty{next: next}
}

// FailNextCredits makes the next n credits fail without being applied.
func (f *Faulty) FailNextCredits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCredits = n
}

// LoseNextDebitAcks applies the next n debits but reports them as failed,
// as if the response was lost on the way back.
func (f *Faulty) LoseNextDebitAcks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loseDebitAcks = n
}

// FailNextReversals makes the next n reversals fail without being applied.
func (f *Faulty) FailNextReversals(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReversals = n
}

// LoseNextReversalAcks applies the next n reversals but reports them as failed.
func (f *Faulty) LoseNextReversalAcks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loseReverseAcks = n
}

// CreditCalls reports how many credits were attempted through f.
func (f *Faulty) CreditCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creditCallCount
}

func (f *Faulty) ApplyTransferOut(ctx context.Context, fromAccountID, toAccountID string, amount decimal.Decimal, transferID string) (uint64, error) {
	if err := f.delay(ctx); err != nil {
		return 0, err
	}
	seq, err := f.next.ApplyTransferOut(ctx, fromAccountID, toAccountID, amount, transferID)
	if err != nil {
		return seq, err
	}
	if f.take(&f.loseDebitAcks) {
		return 0, fmt.Errorf("debit %s: %w", transferID, ErrInjected)
	}
	return seq, nil
}

func (f *Faulty) ApplyTransferIn(ctx context.Context, toAccountID, fromAccountID string, amount decimal.Decimal, transferID string) (uint64, error) {
	f.mu.Lock()
	f.creditCallCount++
	f.mu.Unlock()

	if err := f.delay(ctx); err != nil {
		return 0, err
	}
	if f.take(&f.failCredits) || (f.FailureRate > 0 && rand.Float64() < f.FailureRate) {
		return 0, fmt.Errorf("credit %s: %w", transferID, ErrInjected)
	}
	return f.next.ApplyTransferIn(ctx, toAccountID, fromAccountID, amount, transferID)
}

func (f *Faulty) ReverseTransferOut(ctx context.Context, fromAccountID, transferID string) (uint64, error) {
	if err := f.delay(ctx); err != nil {
		return 0, err
	}
	if f.take(&f.failReversals) {
		return 0, fmt.Errorf("reverse %s: %w", transferID, ErrInjected)
	}
	seq, err := f.next.ReverseTransferOut(ctx, fromAccountID, transferID)
	if err != nil {
		return seq, err
	}
	if f.take(&f.loseReverseAcks) {
		return 0, fmt.Errorf("reverse %s: %w", transferID, ErrInjected)
	}
	return seq, nil
}

func (f *Faulty) take(counter *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *counter <= 0 {
		return false
	}
	*counter--
	return true
}

func (f *Faulty) delay(ctx context.Context) error {
	if f.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway call canceled: %w", ctx.Err())
	}
}
