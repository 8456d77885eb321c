package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dispatch "github.com/soketto/graphserve/internal/dispatch"
	engine "github.com/soketto/graphserve/internal/engine"
	eventbus "github.com/soketto/graphserve/internal/eventbus"
	events "github.com/soketto/graphserve/internal/events"
	graphql "github.com/soketto/graphserve/internal/graphql"
)

// ErrNonTextFrame is returned by Socket.ReceiveMessage when the peer sends a
// binary frame. The protocol is text-only.
var ErrNonTextFrame = errors.New("ws: non-text frame received")

// Socket is the capability a host framework provides for one accepted
// WebSocket. ReceiveMessage blocks until a frame arrives or the socket
// fails; Close must unblock a pending ReceiveMessage.
type Socket interface {
	ReceiveMessage() ([]byte, error)
	SendMessage(data []byte) error
	Close(code int, reason string) error
}

// DefaultConnectionInitWaitTimeout applies when the adapter supplies none.
const DefaultConnectionInitWaitTimeout = time.Minute

// Config is supplied by the embedding adapter.
type Config struct {
	Dispatcher *dispatch.Dispatcher

	// ConnectionInitWaitTimeout is the one-shot handshake deadline,
	// cancelled by a successful connection_init.
	ConnectionInitWaitTimeout time.Duration

	// KeepAliveInterval arms a recurring keep-alive while acknowledged.
	// Zero disables keep-alives.
	KeepAliveInterval time.Duration

	Logger *slog.Logger
}

type connState int

const (
	stateAwaitingInit connState = iota
	stateAcknowledged
	stateClosing
	stateClosed
)

// operation is one active subscription's registration. The pointer doubles
// as an ownership token so a finished stream never deregisters a newer
// operation reusing its id.
type operation struct {
	cancel context.CancelFunc
}

// Connection owns all per-socket state: handshake timer, keep-alive ticker
// and the active-operation registry. The registry is mutated only by the
// read loop and by each operation's own goroutine, always under mu.
type Connection struct {
	ID    string
	proto Protocol

	sock   Socket
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex // serializes outgoing frames

	mu          sync.Mutex
	state       connState
	ops         map[string]*operation
	initTimer   *time.Timer
	initPayload InitPayload
	closeCode   int

	kaStop chan struct{}
	kaOnce sync.Once
	wg     sync.WaitGroup
}

// Handle runs the subscription protocol on an accepted socket until the
// connection closes. It blocks for the connection's lifetime.
func Handle(ctx context.Context, sock Socket, proto Protocol, cfg Config) {
	if cfg.ConnectionInitWaitTimeout <= 0 {
		cfg.ConnectionInitWaitTimeout = DefaultConnectionInitWaitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ID:        uuid.NewString(),
		proto:     proto,
		sock:      sock,
		cfg:       cfg,
		ops:       make(map[string]*operation),
		kaStop:    make(chan struct{}),
		closeCode: 1006, // abnormal closure unless the server closed first
	}
	c.logger = logger.With("connection_id", c.ID, "subprotocol", string(proto))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	eventbus.Publish(connCtx, events.WSOpen{ConnectionID: c.ID, Subprotocol: string(proto)})
	c.logger.Debug("connection accepted")

	c.mu.Lock()
	c.initTimer = time.AfterFunc(cfg.ConnectionInitWaitTimeout, func() {
		c.closeWith(CloseInitTimeout, "connection initialisation timeout")
	})
	c.mu.Unlock()

	for {
		raw, err := sock.ReceiveMessage()
		if err != nil {
			if errors.Is(err, ErrNonTextFrame) {
				c.closeWith(CloseUnsupportedData, "WebSocket message type must be text")
			}
			break
		}
		msg, derr := DecodeMessage(c.proto, raw)
		if derr != nil {
			c.closeWith(CloseBadRequest, derr.Error())
			break
		}
		if !c.handleMessage(connCtx, msg) {
			break
		}
	}

	c.teardown(cancel)
	c.wg.Wait()
	eventbus.Publish(ctx, events.WSClose{
		ConnectionID: c.ID,
		Subprotocol:  string(proto),
		CloseCode:    c.closeCode,
		Duration:     time.Since(start),
	})
	c.logger.Debug("connection closed", "code", c.closeCode)
}

// handleMessage advances the state machine for one decoded frame. A false
// return stops the read loop; the connection is already closing then.
func (c *Connection) handleMessage(ctx context.Context, msg Message) bool {
	switch msg.Kind {
	case KindConnectionInit, KindConnectionTerminate:
	default:
		// Nothing but connection_init (or a polite terminate) is legal
		// before the handshake completes.
		c.mu.Lock()
		awaiting := c.state == stateAwaitingInit
		c.mu.Unlock()
		if awaiting {
			c.closeWith(CloseUnauthorized, "unauthorized")
			return false
		}
	}

	switch msg.Kind {
	case KindConnectionInit:
		return c.handleInit(msg)
	case KindConnectionTerminate:
		c.closeWith(CloseNormal, "")
		return false
	case KindPing:
		c.send(Message{Kind: KindPong, Payload: msg.Payload})
		return true
	case KindPong:
		return true
	case KindSubscribe:
		return c.handleSubscribe(ctx, msg)
	case KindComplete:
		c.handleStop(msg.ID)
		return true
	default:
		// Server-to-client tags arriving from the client. The legacy
		// protocol tolerates them; the transport protocol does not.
		if c.proto == ProtocolLegacy {
			return true
		}
		c.closeWith(CloseBadRequest, "invalid message direction")
		return false
	}
}

func (c *Connection) handleInit(msg Message) bool {
	c.mu.Lock()
	if c.state != stateAwaitingInit {
		c.mu.Unlock()
		c.closeWith(CloseTooManyInit, "too many initialisation requests")
		return false
	}

	var payload InitPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.mu.Unlock()
			if c.proto == ProtocolLegacy {
				c.send(Message{Kind: KindConnectionError, Payload: mustJSON(graphql.Error{Message: "connection_init payload must be an object"})})
				c.closeWith(CloseNormal, "")
			} else {
				c.closeWith(CloseBadRequest, "connection_init payload must be an object")
			}
			return false
		}
	}
	c.initPayload = payload
	c.state = stateAcknowledged
	if c.initTimer != nil {
		c.initTimer.Stop()
	}
	c.mu.Unlock()

	c.send(Message{Kind: KindConnectionAck})
	if c.cfg.KeepAliveInterval > 0 {
		c.wg.Add(1)
		go c.keepAlive()
	}
	return true
}

func (c *Connection) handleSubscribe(ctx context.Context, msg Message) bool {
	c.mu.Lock()
	if c.state != stateAcknowledged {
		c.mu.Unlock()
		c.closeWith(CloseUnauthorized, "unauthorized")
		return false
	}
	c.mu.Unlock()

	if msg.ID == "" {
		c.closeWith(CloseBadRequest, "subscribe requires an id")
		return false
	}
	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.closeWith(CloseBadRequest, "invalid subscribe payload")
		return false
	}

	opCtx, cancel := context.WithCancel(withInitPayload(ctx, c.initPayload))
	op := &operation{cancel: cancel}

	c.mu.Lock()
	if _, exists := c.ops[msg.ID]; exists {
		c.mu.Unlock()
		cancel()
		// The legacy variant reports a duplicate id on the operation and
		// keeps the connection; the transport variant closes it.
		if c.proto == ProtocolLegacy {
			c.sendError(msg.ID, []graphql.Error{{Message: fmt.Sprintf("subscriber for %s already exists", msg.ID)}})
			return true
		}
		c.closeWith(CloseSubscriberExists, fmt.Sprintf("subscriber for %s already exists", msg.ID))
		return false
	}
	c.ops[msg.ID] = op
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runSubscription(opCtx, msg.ID, op, payload.Request())
	return true
}

// handleStop cancels and removes a registration. Stopping an id that has
// already finished is a no-op, not an error.
func (c *Connection) handleStop(id string) {
	c.mu.Lock()
	op := c.ops[id]
	delete(c.ops, id)
	c.mu.Unlock()
	if op != nil {
		op.cancel()
	}
}

// runSubscription drives one operation's outcome stream and forwards each
// outcome as a next message. It is the only sender for its id.
func (c *Connection) runSubscription(ctx context.Context, id string, op *operation, req *graphql.Request) {
	defer c.wg.Done()

	start := time.Now()
	outcomes := 0
	errored := false
	eventbus.Publish(ctx, events.SubscriptionStart{ConnectionID: c.ID, OperationID: id, Query: req.Query})
	defer func() {
		eventbus.Publish(context.Background(), events.SubscriptionFinish{
			ConnectionID: c.ID,
			OperationID:  id,
			Outcomes:     outcomes,
			Errored:      errored,
			Duration:     time.Since(start),
		})
	}()

	stream, err := c.cfg.Dispatcher.Subscribe(ctx, req)
	if err != nil {
		errored = true
		if c.deregister(id, op) {
			c.sendError(id, []graphql.Error{{Message: err.Error()}})
		}
		return
	}
	defer stream.Close()

	for {
		res, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, engine.ErrStreamDone):
				// Exhaustion: complete exactly once, then the id is free.
				if c.deregister(id, op) {
					c.send(Message{Kind: KindComplete, ID: id})
				}
			case ctx.Err() != nil:
				// Cancelled by stop or connection teardown; no reply.
				c.deregister(id, op)
			default:
				errored = true
				if c.deregister(id, op) {
					c.sendError(id, []graphql.Error{{Message: err.Error()}})
				}
			}
			return
		}
		outcomes++
		payload, perr := nextPayload(res)
		if perr != nil {
			c.logger.Error("encode outcome", "operation_id", id, "error", perr)
			continue
		}
		c.send(Message{Kind: KindNext, ID: id, Payload: payload})
	}
}

// deregister removes the id only while op still owns it, so a late finish
// never unregisters a newer operation reusing the same id.
func (c *Connection) deregister(id string, op *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ops[id] != op {
		return false
	}
	delete(c.ops, id)
	return true
}

// keepAlive ticks for the life of the acknowledged connection. It does not
// reset on other traffic.
func (c *Connection) keepAlive() {
	defer c.wg.Done()
	kind := KindPing
	if c.proto == ProtocolLegacy {
		// Legacy clients expect the first ka immediately after the ack.
		kind = KindKeepAlive
		c.send(Message{Kind: kind})
	}
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.kaStop:
			return
		case <-ticker.C:
			c.send(Message{Kind: kind})
		}
	}
}

// closeWith sends a close frame once and marks the connection closing.
// Closing the socket unblocks the read loop, which then runs teardown.
func (c *Connection) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.state == stateClosing || c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.closeCode = code
	c.mu.Unlock()

	if err := c.sock.Close(code, reason); err != nil {
		c.logger.Debug("close socket", "error", err)
	}
}

// teardown cancels every registered operation and all timers, then enters
// the terminal state.
func (c *Connection) teardown(cancel context.CancelFunc) {
	c.mu.Lock()
	c.state = stateClosed
	if c.initTimer != nil {
		c.initTimer.Stop()
	}
	ops := c.ops
	c.ops = make(map[string]*operation)
	c.mu.Unlock()

	for _, op := range ops {
		op.cancel()
	}
	c.kaOnce.Do(func() { close(c.kaStop) })
	cancel()
	_ = c.sock.Close(CloseNormal, "")
}

func (c *Connection) send(msg Message) {
	data, err := EncodeMessage(c.proto, msg)
	if err != nil {
		c.logger.Error("encode frame", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.SendMessage(data); err != nil {
		c.logger.Debug("send frame", "error", err)
	}
}

func (c *Connection) sendError(id string, errs []graphql.Error) {
	payload, err := errorPayload(c.proto, errs)
	if err != nil {
		c.logger.Error("encode error payload", "error", err)
		return
	}
	c.send(Message{Kind: KindError, ID: id, Payload: payload})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
