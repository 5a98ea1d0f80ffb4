// Package journal persists ledger records to SQLite and loads them back for
// recovery.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/database"
	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/modules/ledger"
)

// Repository is the durable ledger journal. Every record is appended to the
// ordered journal table and projected into accounts, orders and fills in
// the same transaction.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a journal repository on a migrated database
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "journal").Logger(),
	}
}

// Append implements ledger.Journal
func (r *Repository) Append(ctx context.Context, rec ledger.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}

	err = database.WithTransaction(ctx, r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO journal (account_id, version, kind, order_id, payload, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.AccountID, rec.Version, string(rec.Event.Kind), nullString(rec.Event.OrderID), string(payload), rec.RecordedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert journal entry: %w", err)
		}

		if err := projectAccount(ctx, tx, rec); err != nil {
			return err
		}
		if rec.Order != nil {
			if err := upsertOrder(ctx, tx, *rec.Order); err != nil {
				return err
			}
		}
		if rec.Event.Fill != nil {
			if err := insertFill(ctx, tx, *rec.Event.Fill, rec.AccountID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append %s for %s: %w", rec.Event.Kind, rec.AccountID, err)
	}
	return nil
}

func projectAccount(ctx context.Context, tx *sql.Tx, rec ledger.Record) error {
	at := rec.RecordedAt.UnixMilli()
	if rec.Event.Kind == ledger.EventAccountOpened {
		if rec.Event.InitialCash == nil {
			return fmt.Errorf("%w: account_opened without initial cash", ledger.ErrInvalidEvent)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (account_id, initial_cash, cash, version, frozen, opened_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)
		`, rec.AccountID, rec.Event.InitialCash.String(), rec.Cash.String(), rec.Version, at, at)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET cash = ?, version = ?, frozen = ?, updated_at = ?
		WHERE account_id = ?
	`, rec.Cash.String(), rec.Version, boolToInt(rec.Frozen), at, rec.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update account %s: %w", rec.AccountID, domain.ErrUnknownAccount)
	}
	return nil
}

func upsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (order_id, account_id, request_id, symbol, side, type, quantity,
		                    filled_quantity, status, reason, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			filled_quantity = excluded.filled_quantity,
			status = excluded.status,
			reason = excluded.reason,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`,
		o.ID,
		o.AccountID,
		o.RequestID,
		o.Symbol,
		string(o.Side),
		o.Kind.TypeName(),
		o.Quantity.String(),
		o.FilledQuantity().String(),
		string(o.Status),
		nullString(string(o.Reason)),
		string(payload),
		o.CreatedAt.UnixMilli(),
		o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.ID, err)
	}
	return nil
}

func insertFill(ctx context.Context, tx *sql.Tx, f domain.Fill, accountID string) error {
	if f.AccountID != "" {
		accountID = f.AccountID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fills (fill_id, order_id, account_id, symbol, side, quantity, price, fee, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID,
		f.OrderID,
		accountID,
		f.Symbol,
		string(f.Side),
		f.Quantity.String(),
		f.Price.String(),
		f.Fee.String(),
		f.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fill %s: %w", f.ID, err)
	}
	return nil
}

// Load returns every journal record in append order
func (r *Repository) Load(ctx context.Context) ([]ledger.Record, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `SELECT seq, payload FROM journal ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		var rec ledger.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %d: %w", seq, err)
		}
		rec.Seq = seq
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	r.log.Debug().Int("records", len(records)).Msg("Journal loaded")
	return records, nil
}

// ListOrders returns the persisted orders of an account, oldest first
func (r *Repository) ListOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT payload FROM orders WHERE account_id = ? ORDER BY created_at, order_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var o domain.Order
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("failed to decode order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListFills returns the persisted fills of an account, oldest first
func (r *Repository) ListFills(ctx context.Context, accountID string) ([]domain.Fill, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT fill_id, order_id, account_id, symbol, side, quantity, price, fee, executed_at
		FROM fills WHERE account_id = ? ORDER BY executed_at, fill_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Count returns the number of journal entries
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count journal entries: %w", err)
	}
	return n, nil
}
