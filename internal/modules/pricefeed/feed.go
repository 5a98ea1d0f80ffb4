// Package pricefeed normalizes provider ticks into quotes and drops
// duplicate or out-of-order observations per symbol.
package pricefeed

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/domain"
)

// RawTick is an unparsed market data message from one provider
type RawTick struct {
	Provider   string    `json:"provider"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Normalizer converts a provider payload into a quote
type Normalizer interface {
	Normalize(payload []byte) (domain.Quote, error)
}

// NormalizerFunc adapts a function to the Normalizer interface
type NormalizerFunc func(payload []byte) (domain.Quote, error)

// Normalize calls f(payload)
func (f NormalizerFunc) Normalize(payload []byte) (domain.Quote, error) {
	return f(payload)
}

// ErrUnknownProvider is returned for ticks from an unregistered provider
var ErrUnknownProvider = errors.New("unknown market data provider")

// Stats counts tick outcomes since startup
type Stats struct {
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	Malformed  uint64 `json:"malformed"`
	Symbols    int    `json:"symbols"`
}

type symbolState struct {
	mu   sync.Mutex
	last domain.Quote
}

// Feed owns the last accepted quote for every symbol
type Feed struct {
	mu          sync.RWMutex
	symbols     map[string]*symbolState
	normalizers map[string]Normalizer

	accepted   atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64

	log zerolog.Logger
}

// NewFeed creates a feed with the built-in provider formats registered
func NewFeed(log zerolog.Logger) *Feed {
	f := &Feed{
		symbols:     make(map[string]*symbolState),
		normalizers: make(map[string]Normalizer),
		log:         log.With().Str("component", "price_feed").Logger(),
	}
	f.Register(ProviderSimple, NormalizerFunc(normalizeSimple))
	f.Register(ProviderCompact, NormalizerFunc(normalizeCompact))
	return f
}

// Register adds or replaces the normalizer for a provider
func (f *Feed) Register(provider string, n Normalizer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.normalizers[strings.ToLower(provider)] = n
}

// Providers returns the registered provider names
func (f *Feed) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.normalizers))
	for name := range f.normalizers {
		out = append(out, name)
	}
	return out
}

// Ingest normalizes tick and returns the quote if it is newer than the last
// accepted quote for its symbol. Malformed ticks are logged and dropped.
func (f *Feed) Ingest(tick RawTick) (domain.Quote, bool) {
	q, err := f.normalize(tick)
	if err != nil {
		f.malformed.Add(1)
		f.log.Warn().
			Err(err).
			Str("provider", tick.Provider).
			Int("payload_bytes", len(tick.Payload)).
			Msg("Dropping malformed tick")
		return domain.Quote{}, false
	}

	state := f.state(q.Symbol)
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.last.IsZero() && !q.Timestamp.After(state.last.Timestamp) {
		f.duplicates.Add(1)
		f.log.Debug().
			Str("symbol", q.Symbol).
			Time("timestamp", q.Timestamp).
			Time("last_seen", state.last.Timestamp).
			Msg("Dropping stale tick")
		return domain.Quote{}, false
	}

	state.last = q
	f.accepted.Add(1)
	return q, true
}

// Last returns the most recent accepted quote for symbol
func (f *Feed) Last(symbol string) (domain.Quote, bool) {
	f.mu.RLock()
	state, ok := f.symbols[symbol]
	f.mu.RUnlock()
	if !ok {
		return domain.Quote{}, false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.last, !state.last.IsZero()
}

// Stats returns tick counters
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	symbols := len(f.symbols)
	f.mu.RUnlock()

	return Stats{
		Accepted:   f.accepted.Load(),
		Duplicates: f.duplicates.Load(),
		Malformed:  f.malformed.Load(),
		Symbols:    symbols,
	}
}

func (f *Feed) normalize(tick RawTick) (domain.Quote, error) {
	f.mu.RLock()
	n, ok := f.normalizers[strings.ToLower(tick.Provider)]
	f.mu.RUnlock()
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: %q", ErrUnknownProvider, tick.Provider)
	}

	q, err := n.Normalize(tick.Payload)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("failed to normalize %s tick: %w", tick.Provider, err)
	}

	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	switch {
	case q.Symbol == "":
		return domain.Quote{}, errors.New("tick has no symbol")
	case !q.Price.IsPositive():
		return domain.Quote{}, fmt.Errorf("tick for %s has non-positive price %s", q.Symbol, q.Price)
	case q.Timestamp.IsZero():
		return domain.Quote{}, fmt.Errorf("tick for %s has no timestamp", q.Symbol)
	}
	q.Timestamp = q.Timestamp.UTC()
	return q, nil
}

func (f *Feed) state(symbol string) *symbolState {
	f.mu.RLock()
	state, ok := f.symbols[symbol]
	f.mu.RUnlock()
	if ok {
		return state
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok = f.symbols[symbol]; !ok {
		state = &symbolState{}
		f.symbols[symbol] = state
	}
	return state
}
