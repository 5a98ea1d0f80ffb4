package pricefeed

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradecore/internal/domain"
)

// Built-in provider formats
const (
	// ProviderSimple: {"symbol":"AAPL","price":"150.00","ts":1700000000000}
	ProviderSimple = "simple"
	// ProviderCompact: {"S":"AAPL","p":150.0,"t":"2024-01-02T15:04:05Z"}
	ProviderCompact = "compact"
)

type simpleTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     int64           `json:"ts"`
}

func normalizeSimple(payload []byte) (domain.Quote, error) {
	var t simpleTick
	if err := json.Unmarshal(payload, &t); err != nil {
		return domain.Quote{}, err
	}
	var ts time.Time
	if t.TS > 0 {
		ts = time.UnixMilli(t.TS)
	}
	return domain.Quote{Symbol: t.Symbol, Price: t.Price, Timestamp: ts}, nil
}

type compactTick struct {
	S string          `json:"S"`
	P decimal.Decimal `json:"p"`
	T time.Time       `json:"t"`
}

func normalizeCompact(payload []byte) (domain.Quote, error) {
	var t compactTick
	if err := json.Unmarshal(payload, &t); err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{Symbol: t.S, Price: t.P, Timestamp: t.T}, nil
}
