package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/events"
)

func newTestBroadcaster(queue int) *Broadcaster {
	return New(queue, zerolog.New(nil).Level(zerolog.Disabled))
}

func quoteData(price int64) events.EventData {
	return &events.QuoteData{Quote: domain.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(price), Timestamp: time.Now()}}
}

func drain(sub *Subscription) []Envelope {
	var out []Envelope
	for env := range sub.Events() {
		out = append(out, env)
	}
	return out
}

type fakeBaseline struct {
	mu   sync.Mutex
	data map[string]events.EventData
	err  error
}

func (f *fakeBaseline) WithBaseline(topic string, fn func(events.EventData)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	fn(f.data[topic])
	return nil
}

func TestPublish_SequencesPerTopic(t *testing.T) {
	b := newTestBroadcaster(8)

	// Sequence advances even with nobody listening
	b.Publish("symbol:AAPL", quoteData(1))
	b.Publish("symbol:AAPL", quoteData(2))
	assert.Equal(t, uint64(2), b.Seq("symbol:AAPL"))
	assert.Equal(t, uint64(0), b.Seq("symbol:MSFT"))

	sub, err := b.Subscribe("symbol:aapl")
	require.NoError(t, err)
	assert.Equal(t, "symbol:AAPL", sub.Topic)

	b.Publish("symbol:AAPL", quoteData(3))
	b.Publish("symbol:MSFT", quoteData(4))
	b.Unsubscribe(sub)

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, events.QuoteUpdated, got[0].Type)
	assert.False(t, got[0].Resync)
	assert.Equal(t, uint64(1), b.Seq("symbol:MSFT"))
}

func TestSubscribe_ResyncBaseline(t *testing.T) {
	b := newTestBroadcaster(8)
	snap := &events.SnapshotData{PortfolioSnapshot: domain.PortfolioSnapshot{AccountID: "acc", Version: 7}}
	b.SetBaseline(&fakeBaseline{data: map[string]events.EventData{"account:acc": snap}})

	for i := 0; i < 4; i++ {
		b.Publish("account:acc", snap)
	}

	sub, err := b.Subscribe("account:acc")
	require.NoError(t, err)
	b.Publish("account:acc", snap)
	b.Unsubscribe(sub)

	got := drain(sub)
	require.Len(t, got, 2)
	assert.True(t, got[0].Resync)
	assert.Equal(t, events.PortfolioSnapshot, got[0].Type)
	assert.Equal(t, uint64(4), got[0].Seq)
	assert.Equal(t, uint64(5), got[1].Seq, "first live envelope follows the resync")

	// Topics without state get no resync
	quiet, err := b.Subscribe("symbol:TSLA")
	require.NoError(t, err)
	b.Unsubscribe(quiet)
	assert.Empty(t, drain(quiet))
}

func TestSubscribe_Errors(t *testing.T) {
	b := newTestBroadcaster(8)
	_, err := b.Subscribe("quotes")
	assert.ErrorIs(t, err, domain.ErrInvalidTopic)

	_, err = b.Subscribe("account:")
	assert.ErrorIs(t, err, domain.ErrInvalidTopic)

	missing := errors.New("unknown account")
	b.SetBaseline(&fakeBaseline{err: missing})
	_, err = b.Subscribe("account:ghost")
	assert.ErrorIs(t, err, missing)
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestPublish_BackpressureDisconnects(t *testing.T) {
	b := newTestBroadcaster(2)
	slow, err := b.Subscribe("symbol:AAPL")
	require.NoError(t, err)
	fast, err := b.Subscribe("symbol:AAPL")
	require.NoError(t, err)

	received := make(chan []Envelope)
	go func() { received <- drain(fast) }()

	for i := int64(1); i <= 3; i++ {
		b.Publish("symbol:AAPL", quoteData(i))
		// let the fast reader keep up
		time.Sleep(10 * time.Millisecond)
	}

	got := drain(slow)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
	assert.Equal(t, events.Disconnected, got[2].Type)
	assert.Equal(t, events.DisconnectBackpressure, got[2].Data.(*events.DisconnectedData).Reason)

	st := b.Stats()
	assert.Equal(t, int64(1), st.Backpressured)
	assert.Equal(t, 1, st.Subscribers)

	// Publishing after the disconnect must not touch the closed channel
	b.Publish("symbol:AAPL", quoteData(4))
	b.Unsubscribe(slow)

	b.Unsubscribe(fast)
	fastGot := <-received
	require.Len(t, fastGot, 4)
	for i, env := range fastGot {
		assert.Equal(t, uint64(i+1), env.Seq)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := newTestBroadcaster(4)
	sub, err := b.Subscribe("account:acc")
	require.NoError(t, err)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	b.Publish("account:acc", quoteData(1))

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestClose_SendsShutdown(t *testing.T) {
	b := newTestBroadcaster(4)
	sub, err := b.Subscribe("symbol:AAPL")
	require.NoError(t, err)

	b.Close()
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, events.DisconnectShutdown, got[0].Data.(*events.DisconnectedData).Reason)
	b.Unsubscribe(sub)
}

func TestPublish_ConcurrentSubscribersSeeGaplessSequence(t *testing.T) {
	b := newTestBroadcaster(1024)
	const n = 500

	var wg sync.WaitGroup
	results := make([][]Envelope, 4)
	subs := make([]*Subscription, len(results))
	for i := range subs {
		sub, err := b.Subscribe("symbol:AAPL")
		require.NoError(t, err)
		subs[i] = sub
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = drain(subs[i])
		}(i)
	}

	var pub sync.WaitGroup
	for p := 0; p < 5; p++ {
		pub.Add(1)
		go func() {
			defer pub.Done()
			for i := 0; i < n/5; i++ {
				b.Publish("symbol:AAPL", quoteData(int64(i)))
			}
		}()
	}
	pub.Wait()
	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
	wg.Wait()

	for _, got := range results {
		require.Len(t, got, n)
		for i, env := range got {
			assert.Equal(t, uint64(i+1), env.Seq)
		}
	}
}
