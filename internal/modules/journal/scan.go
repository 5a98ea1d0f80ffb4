package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

func scanFill(rows *sql.Rows) (domain.Fill, error) {
	var (
		f               domain.Fill
		side            string
		qty, price, fee string
		executedAt      int64
	)
	if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Symbol, &side, &qty, &price, &fee, &executedAt); err != nil {
		return domain.Fill{}, fmt.Errorf("failed to scan fill: %w", err)
	}

	var err error
	if f.Quantity, err = decimal.NewFromString(qty); err != nil {
		return domain.Fill{}, fmt.Errorf("failed to parse fill quantity %q: %w", qty, err)
	}
	if f.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Fill{}, fmt.Errorf("failed to parse fill price %q: %w", price, err)
	}
	if f.Fee, err = decimal.NewFromString(fee); err != nil {
		return domain.Fill{}, fmt.Errorf("failed to parse fill fee %q: %w", fee, err)
	}
	f.Side = domain.Side(side)
	f.Timestamp = time.UnixMilli(executedAt).UTC()
	return f, nil
}

// nullString converts empty strings to NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
