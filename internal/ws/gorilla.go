package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Upgrader builds a websocket.Upgrader offering both sub-protocol tokens.
// Origin checking stays with the embedding adapter's CORS policy.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		Subprotocols:    Subprotocols(),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// gorillaSocket adapts a gorilla connection to the Socket capability.
type gorillaSocket struct {
	conn *websocket.Conn
}

// NewGorillaSocket wraps an upgraded gorilla connection.
func NewGorillaSocket(conn *websocket.Conn) Socket {
	return &gorillaSocket{conn: conn}
}

func (s *gorillaSocket) ReceiveMessage() ([]byte, error) {
	mt, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, ErrNonTextFrame
	}
	return data, nil
}

func (s *gorillaSocket) SendMessage(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) Close(code int, reason string) error {
	frame := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeTimeout))
	return s.conn.Close()
}

// Accept upgrades an HTTP request, validates the negotiated sub-protocol and
// runs the connection. Handshakes offering no recognized token are rejected
// with 4406.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) error {
	up := Upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sock := NewGorillaSocket(conn)
	proto := Protocol(conn.Subprotocol())
	if proto != ProtocolTransport && proto != ProtocolLegacy {
		return sock.Close(CloseSubprotocolNotAccepted, "subprotocol not acceptable")
	}
	Handle(r.Context(), sock, proto, cfg)
	return nil
}

// IsUpgrade reports whether the request asks for a WebSocket handshake.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
