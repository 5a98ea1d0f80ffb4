package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout        = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 1 * time.Minute
)

// TickSink receives raw ticks read from an upstream connection
type TickSink interface {
	IngestTick(tick RawTick)
}

// TickSinkFunc adapts a function to the TickSink interface
type TickSinkFunc func(tick RawTick)

// IngestTick calls f(tick)
func (f TickSinkFunc) IngestTick(tick RawTick) {
	f(tick)
}

// Stream reads ticks from an upstream market data WebSocket and hands
// them to a sink, reconnecting with exponential backoff.
type Stream struct {
	url      string
	provider string
	sink     TickSink
	now      func() time.Time
	log      zerolog.Logger
}

// NewStream creates a stream client for one upstream URL and provider format
func NewStream(url, provider string, sink TickSink, log zerolog.Logger) *Stream {
	return &Stream{
		url:      url,
		provider: provider,
		sink:     sink,
		now:      time.Now,
		log:      log.With().Str("component", "market_data_stream").Str("provider", provider).Logger(),
	}
}

// Run connects and reads until ctx is cancelled
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			s.log.Info().Msg("Market data stream stopped")
			return nil
		}

		if err == nil {
			attempt = 0
		} else {
			attempt++
		}
		delay := backoff(attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Market data stream disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial market data stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.log.Info().Str("url", s.url).Msg("Connected to market data stream")

	for {
		msgType, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("failed to read market data: %w", err)
		}
		if msgType != websocket.MessageText {
			s.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}
		s.sink.IngestTick(RawTick{Provider: s.provider, Payload: message, ReceivedAt: s.now()})
	}
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return baseReconnectDelay
	}
	delay := baseReconnectDelay
	for i := 1; i < attempt && delay < maxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}
