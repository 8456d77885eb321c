package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "github.com/soketto/graphserve/internal/dispatch"
	graphql "github.com/soketto/graphserve/internal/graphql"
)

func wsServer(t *testing.T, cfg Config) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = Accept(w, r, cfg)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) (string, string, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame.Type, frame.ID, frame.Payload
}

func TestAcceptNegotiatesTransportProtocol(t *testing.T) {
	eng := scripted(step{res: &graphql.Result{Data: map[string]any{"tick": 1}}})
	url := wsServer(t, Config{Dispatcher: &dispatch.Dispatcher{Engine: eng}})

	conn := dialWS(t, url, "graphql-transport-ws")
	assert.Equal(t, "graphql-transport-ws", conn.Subprotocol())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "connection_init"}))
	typ, _, _ := readWire(t, conn)
	assert.Equal(t, "connection_ack", typ)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":      "op1",
		"type":    "subscribe",
		"payload": map[string]any{"query": "subscription { tick }"},
	}))
	typ, id, payload := readWire(t, conn)
	assert.Equal(t, "next", typ)
	assert.Equal(t, "op1", id)
	assert.JSONEq(t, `{"data":{"tick":1}}`, string(payload))

	typ, id, _ = readWire(t, conn)
	assert.Equal(t, "complete", typ)
	assert.Equal(t, "op1", id)
}

func TestAcceptNegotiatesLegacyProtocol(t *testing.T) {
	eng := scripted(step{res: &graphql.Result{Data: map[string]any{"tick": 1}}})
	url := wsServer(t, Config{Dispatcher: &dispatch.Dispatcher{Engine: eng}})

	conn := dialWS(t, url, "graphql-ws")
	assert.Equal(t, "graphql-ws", conn.Subprotocol())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "connection_init"}))
	typ, _, _ := readWire(t, conn)
	assert.Equal(t, "connection_ack", typ)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":      "op1",
		"type":    "start",
		"payload": map[string]any{"query": "subscription { tick }"},
	}))
	typ, _, _ = readWire(t, conn)
	assert.Equal(t, "data", typ)
}

func TestAcceptRejectsUnknownSubprotocol(t *testing.T) {
	url := wsServer(t, Config{Dispatcher: &dispatch.Dispatcher{Engine: pending()}})

	conn := dialWS(t, url, "soap-over-ws")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseSubprotocolNotAccepted, closeErr.Code)
}

func TestServerCloseCodeReachesClient(t *testing.T) {
	url := wsServer(t, Config{
		Dispatcher:                &dispatch.Dispatcher{Engine: pending()},
		ConnectionInitWaitTimeout: 30 * time.Millisecond,
	})

	conn := dialWS(t, url, "graphql-transport-ws")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseInitTimeout, closeErr.Code)
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	url := wsServer(t, Config{Dispatcher: &dispatch.Dispatcher{Engine: pending()}})

	conn := dialWS(t, url, "graphql-transport-ws")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseUnsupportedData, closeErr.Code)
}
