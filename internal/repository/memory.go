package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

// MemoryStore keeps logs and transfers in process memory. It is used by tests
// and by the "memory" backend; nothing survives a restart.
type MemoryStore struct {
	mu          sync.Mutex
	events      map[string][]models.Event
	transfers   map[string]models.Transfer
	transitions map[string][]models.TransferTransition

	failAppends int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]models.Event),
		transfers:   make(map[string]models.Transfer),
		transitions: make(map[string][]models.TransferTransition),
	}
}

// FailNextAppends makes the next n appends fail with ErrStoreUnavailable
// without persisting anything.
func (s *MemoryStore) FailNextAppends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = n
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Append(ctx context.Context, evt models.Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateAppend(evt); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends > 0 {
		s.failAppends--
		return 0, fmt.Errorf("append event: %w", ErrStoreUnavailable)
	}

	log := s.events[evt.AccountID]
	head := uint64(len(log))
	if evt.Seq != head+1 {
		return 0, sequenceConflict(evt.AccountID, evt.Seq, head)
	}
	s.events[evt.AccountID] = append(log, evt)
	return evt.Seq, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, accountID string) ([]models.Event, error) {
	return s.ReadFrom(ctx, accountID, 0)
}

// ReadFrom returns the events with a sequence number greater than afterSeq.
func (s *MemoryStore) ReadFrom(ctx context.Context, accountID string, afterSeq uint64) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[accountID]
	if afterSeq >= uint64(len(log)) {
		return nil, nil
	}
	return slices.Clone(log[afterSeq:]), nil
}

func (s *MemoryStore) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[t.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrTransferExists, t.ID)
	}
	s.transfers[t.ID] = *t
	s.transitions[t.ID] = append(s.transitions[t.ID], models.TransferTransition{
		TransferID: t.ID,
		NextStatus: t.Status,
		Reason:     t.Reason,
		At:         t.CreatedAt,
	})
	return nil
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, transferNotFound(id)
	}
	return &t, nil
}

// TransitionTransfer moves a transfer from one status to the next only when
// its current status is from, and records the transition.
func (s *MemoryStore) TransitionTransfer(ctx context.Context, id, from, to, reason string, at time.Time) (*models.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, transferNotFound(id)
	}
	if t.Status != from {
		return nil, invalidTransition(id, t.Status, from, to)
	}
	t.Status = to
	if reason != "" {
		t.Reason = reason
	}
	t.UpdatedAt = at
	s.transfers[id] = t
	s.transitions[id] = append(s.transitions[id], models.TransferTransition{
		TransferID: id,
		PrevStatus: from,
		NextStatus: to,
		Reason:     reason,
		At:         at,
	})
	return &t, nil
}

func (s *MemoryStore) ListTransfersByStatus(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Transfer
	for _, t := range s.transfers {
		if !hasStatus(statuses, t.Status) || !t.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListTransferTransitions(ctx context.Context, id string) ([]models.TransferTransition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[id]; !ok {
		return nil, transferNotFound(id)
	}
	return slices.Clone(s.transitions[id]), nil
}
