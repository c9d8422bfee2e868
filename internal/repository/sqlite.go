package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore persists event logs and transfers in an embedded SQLite file.
// Writes are serialized through a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close is nil-safe so callers can defer it in all startup paths.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, evt models.Event) (uint64, error) {
	if err := validateAppend(evt); err != nil {
		return 0, err
	}

	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		var head int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM account_events WHERE account_id = ?`, evt.AccountID,
		).Scan(&head); err != nil {
			return fmt.Errorf("read log head: %w", err)
		}
		if uint64(head)+1 != evt.Seq {
			return sequenceConflict(evt.AccountID, evt.Seq, uint64(head))
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_events (account_id, seq, kind, amount_micros, related_account_id, transfer_id, event_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, evt.AccountID, int64(evt.Seq), string(evt.Kind), domain.ToMicros(evt.Amount),
			evt.RelatedAccountID, evt.TransferID, evt.EventID, toMillis(evt.Timestamp))
		if err != nil {
			if isConstraintError(err) {
				return sequenceConflict(evt.AccountID, evt.Seq, uint64(head))
			}
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		if isBusyError(err) {
			return 0, fmt.Errorf("append event: %w: %v", ErrStoreUnavailable, err)
		}
		return 0, err
	}
	return evt.Seq, nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context, accountID string) ([]models.Event, error) {
	return s.ReadFrom(ctx, accountID, 0)
}

func (s *SQLiteStore) ReadFrom(ctx context.Context, accountID string, afterSeq uint64) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, seq, kind, amount_micros, related_account_id, transfer_id, event_id, created_at
		FROM account_events
		WHERE account_id = ? AND seq > ?
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
			millis int64
		)
		if err := rows.Scan(&e.AccountID, &seq, &kind, &micros, &e.RelatedAccountID, &e.TransferID, &e.EventID, &millis); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Kind = domain.EventKind(kind)
		e.Amount = domain.FromMicros(micros)
		e.Timestamp = fromMillis(millis)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transfers (`+transferColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.FromAccountID, t.ToAccountID, domain.ToMicros(t.Amount), t.Status, t.Reason,
			toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: %s", domain.ErrTransferExists, t.ID)
			}
			return fmt.Errorf("insert transfer: %w", err)
		}
		return insertTransitionSQLite(ctx, tx, models.TransferTransition{
			TransferID: t.ID,
			NextStatus: t.Status,
			Reason:     t.Reason,
			At:         t.CreatedAt,
		})
	})
}

func (s *SQLiteStore) GetTransfer(ctx context.Context, id string) (*models.Transfer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id)
	t, err := scanTransferSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transferNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) TransitionTransfer(ctx context.Context, id, from, to, reason string, at time.Time) (*models.Transfer, error) {
	var out *models.Transfer
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTransferSQLite(tx.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return transferNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("get transfer: %w", err)
		}
		if t.Status != from {
			return invalidTransition(id, t.Status, from, to)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE transfers
			SET status = ?, reason = CASE WHEN ? = '' THEN reason ELSE ? END, updated_at = ?
			WHERE id = ? AND status = ?
		`, to, reason, reason, toMillis(at), id, from); err != nil {
			return fmt.Errorf("update transfer status: %w", err)
		}
		if err := insertTransitionSQLite(ctx, tx, models.TransferTransition{
			TransferID: id,
			PrevStatus: from,
			NextStatus: to,
			Reason:     reason,
			At:         at,
		}); err != nil {
			return err
		}

		t.Status = to
		if reason != "" {
			t.Reason = reason
		}
		t.UpdatedAt = fromMillis(toMillis(at))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) ListTransfersByStatus(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE updated_at < ?`
	args := []any{toMillis(updatedBefore)}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY updated_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransferSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTransferTransitions(ctx context.Context, id string) ([]models.TransferTransition, error) {
	if _, err := s.GetTransfer(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transfer_id, prev_status, next_status, reason, created_at
		FROM transfer_transitions
		WHERE transfer_id = ?
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transfer transitions: %w", err)
	}
	defer rows.Close()

	var out []models.TransferTransition
	for rows.Next() {
		var (
			tr     models.TransferTransition
			millis int64
		)
		if err := rows.Scan(&tr.TransferID, &tr.PrevStatus, &tr.NextStatus, &tr.Reason, &millis); err != nil {
			return nil, fmt.Errorf("scan transfer transition: %w", err)
		}
		tr.At = fromMillis(millis)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func insertTransitionSQLite(ctx context.Context, tx *sql.Tx, tr models.TransferTransition) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_transitions (transfer_id, prev_status, next_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, tr.TransferID, tr.PrevStatus, tr.NextStatus, tr.Reason, toMillis(tr.At)); err != nil {
		return fmt.Errorf("insert transfer transition: %w", err)
	}
	return nil
}

func scanTransferSQLite(row rowScanner) (*models.Transfer, error) {
	var (
		t                  models.Transfer
		micros             int64
		createdAt, updated int64
	)
	if err := row.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &micros, &t.Status, &t.Reason, &createdAt, &updated); err != nil {
		return nil, err
	}
	t.Amount = domain.FromMicros(micros)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
