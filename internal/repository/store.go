package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const pgUniqueViolation = "23505"

// PostgresStore persists event logs and transfers in Postgres.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store wrapper around a pgx connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// RunInTx executes fn within a database transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Append inserts evt only if it directly follows the current log head.
func (s *PostgresStore) Append(ctx context.Context, evt models.Event) (uint64, error) {
	if err := validateAppend(evt); err != nil {
		return 0, err
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO account_events (account_id, seq, kind, amount_micros, related_account_id, transfer_id, event_id, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM account_events WHERE account_id = $1) = $2 - 1
	`, evt.AccountID, int64(evt.Seq), string(evt.Kind), domain.ToMicros(evt.Amount),
		evt.RelatedAccountID, evt.TransferID, evt.EventID, evt.Timestamp.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, sequenceConflict(evt.AccountID, evt.Seq, evt.Seq)
		}
		return 0, fmt.Errorf("append event: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return 0, s.conflict(ctx, evt)
	}
	return evt.Seq, nil
}

func (s *PostgresStore) conflict(ctx context.Context, evt models.Event) error {
	var head int64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM account_events WHERE account_id = $1`, evt.AccountID).Scan(&head); err != nil {
		return fmt.Errorf("%w: account %s at seq %d", domain.ErrSequenceConflict, evt.AccountID, evt.Seq)
	}
	return sequenceConflict(evt.AccountID, evt.Seq, uint64(head))
}

func (s *PostgresStore) ReadAll(ctx context.Context, accountID string) ([]models.Event, error) {
	return s.ReadFrom(ctx, accountID, 0)
}

func (s *PostgresStore) ReadFrom(ctx context.Context, accountID string, afterSeq uint64) ([]models.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT account_id, seq, kind, amount_micros, related_account_id, transfer_id, event_id, created_at
		FROM account_events
		WHERE account_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, accountID, int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e      models.Event
			seq    int64
			kind   string
			micros int64
		)
		if err := rows.Scan(&e.AccountID, &seq, &kind, &micros, &e.RelatedAccountID, &e.TransferID, &e.EventID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = domain.EventKind(kind)
		e.Amount = domain.FromMicros(micros)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	return s.RunInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO transfers (`+transferColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, t.ID, t.FromAccountID, t.ToAccountID, domain.ToMicros(t.Amount), t.Status, t.Reason, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", domain.ErrTransferExists, t.ID)
			}
			return fmt.Errorf("insert transfer: %w", err)
		}
		return insertTransitionPg(ctx, tx, models.TransferTransition{
			TransferID: t.ID,
			NextStatus: t.Status,
			Reason:     t.Reason,
			At:         t.CreatedAt,
		})
	})
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	t, err := scanTransferPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transferNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) TransitionTransfer(ctx context.Context, id, from, to, reason string, at time.Time) (*models.Transfer, error) {
	var out *models.Transfer
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE transfers
			SET status = $3, reason = COALESCE(NULLIF($4::text, ''), reason), updated_at = $5
			WHERE id = $1 AND status = $2
			RETURNING `+transferColumns, id, from, to, reason, at.UTC())
		t, err := scanTransferPg(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM transfers WHERE id = $1`, id).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return transferNotFound(id)
			}
			if err != nil {
				return fmt.Errorf("get transfer status: %w", err)
			}
			return invalidTransition(id, current, from, to)
		}
		if err != nil {
			return fmt.Errorf("update transfer status: %w", err)
		}

		if err := insertTransitionPg(ctx, tx, models.TransferTransition{
			TransferID: id,
			PrevStatus: from,
			NextStatus: to,
			Reason:     reason,
			At:         at,
		}); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListTransfersByStatus(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, statuses, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransferPg(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransferTransitions(ctx context.Context, id string) ([]models.TransferTransition, error) {
	if _, err := s.GetTransfer(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
		SELECT transfer_id, prev_status, next_status, reason, created_at
		FROM transfer_transitions
		WHERE transfer_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transfer transitions: %w", err)
	}
	defer rows.Close()

	var out []models.TransferTransition
	for rows.Next() {
		var tr models.TransferTransition
		if err := rows.Scan(&tr.TransferID, &tr.PrevStatus, &tr.NextStatus, &tr.Reason, &tr.At); err != nil {
			return nil, fmt.Errorf("scan transfer transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func insertTransitionPg(ctx context.Context, tx pgx.Tx, tr models.TransferTransition) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO transfer_transitions (transfer_id, prev_status, next_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tr.TransferID, tr.PrevStatus, tr.NextStatus, tr.Reason, tr.At.UTC()); err != nil {
		return fmt.Errorf("insert transfer transition: %w", err)
	}
	return nil
}

func scanTransferPg(row rowScanner) (*models.Transfer, error) {
	var (
		t      models.Transfer
		micros int64
	)
	if err := row.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &micros, &t.Status, &t.Reason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Amount = domain.FromMicros(micros)
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
