package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"

	"github.com/aristath/tradecore/internal/domain"
	"github.com/aristath/tradecore/internal/events"
	"github.com/aristath/tradecore/internal/modules/broadcast"
	tradinghandlers "github.com/aristath/tradecore/internal/modules/trading/handlers"
)

// Stream encodings selected with ?encoding=
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Control frame types sent in reply to client ops
const (
	FrameSubscribed   = "SUBSCRIBED"
	FrameUnsubscribed = "UNSUBSCRIBED"
	FramePong         = "PONG"
	FrameError        = "ERROR"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamOutboxSize   = 64
)

// Subscriber is the part of the broadcaster the stream needs
type Subscriber interface {
	Subscribe(topic string) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

// StreamHandler serves GET /api/stream over WebSocket. Each connection may
// hold any number of topic subscriptions; account topics are limited to the
// account in the X-Account-ID header.
type StreamHandler struct {
	bus Subscriber
	log zerolog.Logger
}

// NewStreamHandler creates a stream handler on top of the broadcaster
func NewStreamHandler(bus Subscriber, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		bus: bus,
		log: log.With().Str("handler", "stream").Logger(),
	}
}

// clientOp is a message sent by the client
type clientOp struct {
	Op    string `json:"op" msgpack:"op"`
	Topic string `json:"topic,omitempty" msgpack:"topic,omitempty"`
}

// frame is a message sent to the client. Event frames mirror
// broadcast.Envelope; control frames carry only Type and Topic.
type frame struct {
	Topic     string      `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Seq       uint64      `json:"seq" msgpack:"seq"`
	Type      string      `json:"type" msgpack:"type"`
	Resync    bool        `json:"resync,omitempty" msgpack:"resync,omitempty"`
	Timestamp time.Time   `json:"timestamp" msgpack:"timestamp"`
	Data      interface{} `json:"data,omitempty" msgpack:"data,omitempty"`
	Error     string      `json:"error,omitempty" msgpack:"error,omitempty"`
	Message   string      `json:"message,omitempty" msgpack:"message,omitempty"`
}

func envelopeFrame(env broadcast.Envelope) frame {
	return frame{
		Topic:     env.Topic,
		Seq:       env.Seq,
		Type:      string(env.Type),
		Resync:    env.Resync,
		Timestamp: env.Timestamp,
		Data:      env.Data,
	}
}

// ServeHTTP upgrades the connection and runs the session until either side closes
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := strings.ToLower(r.URL.Query().Get("encoding"))
	if encoding == "" {
		encoding = EncodingJSON
	}
	if encoding != EncodingJSON && encoding != EncodingMsgpack {
		http.Error(w, fmt.Sprintf("unsupported encoding %q", encoding), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to accept stream connection")
		return
	}

	s := &streamSession{
		conn:      conn,
		accountID: strings.TrimSpace(r.Header.Get(tradinghandlers.AccountHeader)),
		encoding:  encoding,
		bus:       h.bus,
		subs:      make(map[string]*broadcast.Subscription),
		outbox:    make(chan frame, streamOutboxSize),
		log:       h.log,
	}
	s.log = h.log.With().Str("account_id", s.accountID).Str("encoding", encoding).Logger()
	s.run(r.Context())
}

// streamSession is one client connection. The reader goroutine handles ops,
// one forwarder per subscription feeds the outbox and a single writer owns
// the socket.
type streamSession struct {
	conn      *websocket.Conn
	accountID string
	encoding  string
	bus       Subscriber

	mu   sync.Mutex
	subs map[string]*broadcast.Subscription

	outbox     chan frame
	forwarders sync.WaitGroup
	log        zerolog.Logger
}

func (s *streamSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.log.Debug().Msg("Stream session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		s.writeLoop(ctx)
	}()

	err := s.readLoop(ctx)
	cancel()

	s.unsubscribeAll()
	s.forwarders.Wait()
	<-writerDone

	status := websocket.CloseStatus(err)
	switch {
	case err == nil, status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway, errors.Is(err, context.Canceled):
		s.conn.Close(websocket.StatusNormalClosure, "")
	default:
		s.log.Debug().Err(err).Msg("Stream session ended")
		s.conn.Close(websocket.StatusInternalError, "stream error")
	}
	s.log.Debug().Msg("Stream session closed")
}

func (s *streamSession) readLoop(ctx context.Context) error {
	for {
		typ, payload, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		var op clientOp
		if typ == websocket.MessageBinary {
			err = msgpack.Unmarshal(payload, &op)
		} else {
			err = json.Unmarshal(payload, &op)
		}
		if err != nil {
			s.sendError(ctx, "", "input_invalid_message", "message is not a valid op")
			continue
		}

		switch op.Op {
		case "subscribe":
			s.subscribe(ctx, op.Topic)
		case "unsubscribe":
			s.unsubscribe(ctx, op.Topic)
		case "ping":
			s.send(ctx, frame{Type: FramePong, Timestamp: time.Now().UTC()})
		default:
			s.sendError(ctx, op.Topic, "input_unknown_op", fmt.Sprintf("unknown op %q", op.Op))
		}
	}
}

// authorize canonicalizes the topic and enforces account ownership
func (s *streamSession) authorize(topic string) (string, error) {
	kind, key, err := events.ParseTopic(strings.TrimSpace(topic))
	if err != nil {
		return "", err
	}
	if kind == events.TopicAccount {
		if s.accountID == "" || key != s.accountID {
			return "", domain.ErrForbiddenTopic
		}
		return events.AccountTopic(key), nil
	}
	return events.SymbolTopic(key), nil
}

func (s *streamSession) subscribe(ctx context.Context, topic string) {
	name, err := s.authorize(topic)
	if err != nil {
		s.sendInputError(ctx, topic, err)
		return
	}

	s.mu.Lock()
	if _, ok := s.subs[name]; ok {
		s.mu.Unlock()
		s.send(ctx, frame{Topic: name, Type: FrameSubscribed, Timestamp: time.Now().UTC()})
		return
	}
	sub, err := s.bus.Subscribe(name)
	if err != nil {
		s.mu.Unlock()
		s.sendInputError(ctx, topic, err)
		return
	}
	s.subs[name] = sub
	s.mu.Unlock()

	// the ack is queued before any event of the new subscription
	s.send(ctx, frame{Topic: name, Type: FrameSubscribed, Timestamp: time.Now().UTC()})

	s.forwarders.Add(1)
	go s.forward(ctx, sub)
	s.log.Debug().Str("topic", name).Msg("Subscribed")
}

func (s *streamSession) unsubscribe(ctx context.Context, topic string) {
	name, err := s.authorize(topic)
	if err != nil {
		s.sendInputError(ctx, topic, err)
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[name]
	delete(s.subs, name)
	s.mu.Unlock()

	if ok {
		s.bus.Unsubscribe(sub)
	}
	s.send(ctx, frame{Topic: name, Type: FrameUnsubscribed, Timestamp: time.Now().UTC()})
}

func (s *streamSession) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*broadcast.Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}

// forward relays envelopes until the subscription channel closes. A
// broadcaster disconnect is relayed and frees the topic for resubscription.
func (s *streamSession) forward(ctx context.Context, sub *broadcast.Subscription) {
	defer s.forwarders.Done()
	for env := range sub.Events() {
		if !s.send(ctx, envelopeFrame(env)) {
			s.bus.Unsubscribe(sub)
			for range sub.Events() {
			}
			return
		}
		if env.Type == events.Disconnected {
			s.mu.Lock()
			if s.subs[sub.Topic] == sub {
				delete(s.subs, sub.Topic)
			}
			s.mu.Unlock()
		}
	}
}

// send queues a frame for the writer; false once the session is closing
func (s *streamSession) send(ctx context.Context, f frame) bool {
	select {
	case s.outbox <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *streamSession) sendError(ctx context.Context, topic, code, message string) {
	s.send(ctx, frame{Topic: topic, Type: FrameError, Timestamp: time.Now().UTC(), Error: code, Message: message})
}

func (s *streamSession) sendInputError(ctx context.Context, topic string, err error) {
	if inputErr, ok := domain.AsInputError(err); ok {
		s.sendError(ctx, topic, inputErr.Code, inputErr.Message)
		return
	}
	s.sendError(ctx, topic, "internal_error", err.Error())
}

func (s *streamSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.outbox:
			if err := s.write(ctx, f); err != nil {
				s.log.Debug().Err(err).Str("type", f.Type).Msg("Failed to write stream frame")
				return
			}
		}
	}
}

func (s *streamSession) write(ctx context.Context, f frame) error {
	typ, payload, err := encodeFrame(s.encoding, f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, typ, payload)
}

// encodeFrame renders a frame in the session encoding. Event payloads go
// through their JSON form first so decimals stay strings in msgpack too.
func encodeFrame(encoding string, f frame) (websocket.MessageType, []byte, error) {
	if encoding != EncodingMsgpack {
		payload, err := json.Marshal(f)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		return websocket.MessageText, payload, nil
	}

	if f.Data != nil {
		raw, err := json.Marshal(f.Data)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode frame data: %w", err)
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return 0, nil, fmt.Errorf("failed to encode frame data: %w", err)
		}
		f.Data = generic
	}
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return websocket.MessageBinary, payload, nil
}
