package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

func dialStream(t *testing.T, url, accountID, encoding string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/api/stream"
	if encoding != "" {
		wsURL += "?encoding=" + encoding
	}
	header := http.Header{}
	if accountID != "" {
		header.Set("X-Account-ID", accountID)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendOp(t *testing.T, conn *websocket.Conn, op, topic string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"op": op, "topic": topic})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, payload, err := conn.Read(ctx)
	require.NoError(t, err)
	var f map[string]interface{}
	if typ == websocket.MessageBinary {
		require.NoError(t, msgpack.Unmarshal(payload, &f))
	} else {
		require.NoError(t, json.Unmarshal(payload, &f))
	}
	return f
}

// readUntil skips frames until one of the given type arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f["type"] == typ {
			return f
		}
	}
	t.Fatalf("no %s frame received", typ)
	return nil
}

func TestStream_SymbolQuotes(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialStream(t, ts.URL, "", "")

	sendOp(t, conn, "subscribe", "symbol:aapl")
	ack := readFrame(t, conn)
	assert.Equal(t, FrameSubscribed, ack["type"])
	assert.Equal(t, "symbol:AAPL", ack["topic"])

	postTick(t, ts, "AAPL", "101.5")
	quote := readUntil(t, conn, "QUOTE_UPDATED")
	assert.Equal(t, "symbol:AAPL", quote["topic"])
	assert.Equal(t, float64(1), quote["seq"])
	data := quote["data"].(map[string]interface{})
	assert.Equal(t, "101.5", data["price"])
}

func TestStream_AccountTopicsAreRestricted(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialStream(t, ts.URL, "acc", "")

	sendOp(t, conn, "subscribe", "account:other")
	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f["type"])
	assert.Equal(t, "input_forbidden_topic", f["error"])

	anon := dialStream(t, ts.URL, "", "")
	sendOp(t, anon, "subscribe", "account:acc")
	f = readFrame(t, anon)
	assert.Equal(t, "input_forbidden_topic", f["error"])

	sendOp(t, anon, "subscribe", "portfolio")
	f = readFrame(t, anon)
	assert.Equal(t, "input_invalid_topic", f["error"])
}

func TestStream_AccountResyncOnSubscribe(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/accounts", "application/json", strings.NewReader(`{"account_id":"acc","initial_cash":"500"}`))
	require.NoError(t, err)
	resp.Body.Close()

	conn := dialStream(t, ts.URL, "acc", "")
	sendOp(t, conn, "subscribe", "account:acc")
	assert.Equal(t, FrameSubscribed, readFrame(t, conn)["type"])

	snap := readFrame(t, conn)
	assert.Equal(t, "PORTFOLIO_SNAPSHOT", snap["type"])
	assert.Equal(t, true, snap["resync"])
	data := snap["data"].(map[string]interface{})
	assert.Equal(t, "500", data["cash"])
	assert.Equal(t, float64(1), data["version"])
}

func TestStream_Msgpack(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dialStream(t, ts.URL, "", "msgpack")

	sendOp(t, conn, "subscribe", "symbol:MSFT")
	assert.Equal(t, FrameSubscribed, readFrame(t, conn)["type"])

	postTick(t, ts, "MSFT", "410")
	quote := readUntil(t, conn, "QUOTE_UPDATED")
	data := quote["data"].(map[string]interface{})
	assert.Equal(t, "410", data["price"], "decimals stay strings")
}

func TestStream_PingAndUnsubscribe(t *testing.T) {
	ts, container := newTestServer(t)
	conn := dialStream(t, ts.URL, "", "")

	sendOp(t, conn, "ping", "")
	assert.Equal(t, FramePong, readFrame(t, conn)["type"])

	sendOp(t, conn, "subscribe", "symbol:AAPL")
	assert.Equal(t, FrameSubscribed, readFrame(t, conn)["type"])
	require.Eventually(t, func() bool {
		return container.Broadcaster.Stats().Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendOp(t, conn, "unsubscribe", "symbol:AAPL")
	assert.Equal(t, FrameUnsubscribed, readFrame(t, conn)["type"])
	assert.Zero(t, container.Broadcaster.Stats().Subscribers)

	sendOp(t, conn, "dance", "")
	assert.Equal(t, "input_unknown_op", readFrame(t, conn)["error"])
}

func TestStream_ShutdownDisconnects(t *testing.T) {
	ts, container := newTestServer(t)
	conn := dialStream(t, ts.URL, "", "")

	sendOp(t, conn, "subscribe", "symbol:AAPL")
	assert.Equal(t, FrameSubscribed, readFrame(t, conn)["type"])

	container.Broadcaster.Close()
	f := readUntil(t, conn, "DISCONNECTED")
	assert.Equal(t, "shutdown", f["data"].(map[string]interface{})["reason"])
}

func TestStream_RejectsUnknownEncoding(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/stream?encoding=xml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
