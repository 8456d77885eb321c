// Package server is the HTTP entry point: it wires normalization, dispatch
// and encoding behind one http.Handler and hands WebSocket handshakes to the
// subscription protocol.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	dispatch "github.com/soketto/graphserve/internal/dispatch"
	engine "github.com/soketto/graphserve/internal/engine"
	eventbus "github.com/soketto/graphserve/internal/eventbus"
	events "github.com/soketto/graphserve/internal/events"
	reqid "github.com/soketto/graphserve/internal/reqid"
	request "github.com/soketto/graphserve/internal/request"
	response "github.com/soketto/graphserve/internal/response"
	upload "github.com/soketto/graphserve/internal/upload"
	ws "github.com/soketto/graphserve/internal/ws"
)

// Handler serves a GraphQL endpoint over HTTP and WebSocket.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	opt        Options
	logger     *slog.Logger
}

// Options configure the endpoint. All of them come from the embedding
// adapter; the core has no configuration store of its own.
type Options struct {
	// Timeout sets a default deadline when the request context has none.
	// 0 means no default timeout. Does not apply to WebSocket connections.
	Timeout time.Duration

	// Pretty selects the indented response encoder (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the request body size. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. Empty AllowedOrigins disables CORS.
	CORS CORSOptions

	// AllowGET permits queries via GET.
	AllowGET bool

	// AllowDocumentLookup permits requests without query text, for engines
	// with out-of-band operation lookup.
	AllowDocumentLookup bool

	// MultipartEnabled accepts multipart/form-data upload requests.
	MultipartEnabled bool

	// MultipartMemoryLimit bounds in-memory multipart buffering.
	MultipartMemoryLimit int64

	// BatchMode selects sync or async batch dispatch; BatchConcurrency
	// bounds async fan-out (0 = unbounded).
	BatchMode        dispatch.Mode
	BatchConcurrency int

	// ConnectionInitWaitTimeout and KeepAliveInterval configure the
	// subscription protocol (see the ws package).
	ConnectionInitWaitTimeout time.Duration
	KeepAliveInterval         time.Duration

	// Hooks build per-operation root values and contexts.
	Hooks engine.Hooks

	Logger *slog.Logger
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithGET() Option                    { return func(o *Options) { o.AllowGET = true } }
func WithDocumentLookup() Option         { return func(o *Options) { o.AllowDocumentLookup = true } }
func WithLogger(l *slog.Logger) Option   { return func(o *Options) { o.Logger = l } }
func WithHooks(h engine.Hooks) Option    { return func(o *Options) { o.Hooks = h } }

func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *Options) { o.KeepAliveInterval = d }
}

func WithConnectionInitWaitTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectionInitWaitTimeout = d }
}

func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}

func WithMultipart(memoryLimit int64) Option {
	return func(o *Options) {
		o.MultipartEnabled = true
		o.MultipartMemoryLimit = memoryLimit
	}
}

func WithAsyncBatch(concurrency int) Option {
	return func(o *Options) {
		o.BatchMode = dispatch.Async
		o.BatchConcurrency = concurrency
	}
}

// New creates a handler around an execution engine.
func New(eng engine.Engine, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	logger := op.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: &dispatch.Dispatcher{
			Engine:      eng,
			Hooks:       op.Hooks,
			Mode:        op.BatchMode,
			Concurrency: op.BatchConcurrency,
		},
		opt:    op,
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ws.IsUpgrade(r) {
		if err := ws.Accept(w, r, ws.Config{
			Dispatcher:                h.dispatcher,
			ConnectionInitWaitTimeout: h.opt.ConnectionInitWaitTimeout,
			KeepAliveInterval:         h.opt.KeepAliveInterval,
			Logger:                    h.logger,
		}); err != nil {
			h.logger.Debug("websocket handshake failed", "error", err)
		}
		return
	}

	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}
	ctx, _ = reqid.NewContext(ctx)
	r = r.WithContext(ctx)

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	resp := h.serve(r)
	status = resp.StatusCode
	writeResponse(w, resp)
}

// serve runs one request/response call end to end: normalize, dispatch,
// encode. Transport-level failures short-circuit with an error body.
func (h *Handler) serve(r *http.Request) *response.Response {
	enc := h.encoder()

	payload, ferr := h.normalize(r)
	if ferr != nil {
		return response.Failure(ferr.status, ferr.message, enc)
	}

	results := h.dispatcher.Dispatch(r.Context(), payload.Operations)

	var resp *response.Response
	var err error
	if payload.Batch {
		resp, err = response.Batch(results, enc)
	} else {
		resp, err = response.Single(results[0], enc)
	}
	if err != nil {
		h.logger.Error("encode response", "error", err)
		return response.Failure(http.StatusInternalServerError, "failed to encode response", enc)
	}
	return resp
}

type failure struct {
	status  int
	message string
}

// normalize turns the raw HTTP call into a canonical payload, routing
// multipart uploads through the upload resolver.
func (h *Handler) normalize(r *http.Request) (*request.Payload, *failure) {
	opts := request.Options{
		AllowGET:            h.opt.AllowGET,
		AllowDocumentLookup: h.opt.AllowDocumentLookup,
	}

	contentType := r.Header.Get("Content-Type")
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}

	if r.Method == http.MethodPost && mediaType == "multipart/form-data" {
		if !h.opt.MultipartEnabled {
			return nil, &failure{http.StatusBadRequest, "multipart uploads are not enabled"}
		}
		if h.opt.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(nil, r.Body, h.opt.MaxBodyBytes)
		}
		payload, err := upload.FromRequest(r, h.opt.MultipartMemoryLimit, opts)
		if err != nil {
			var rerr *request.Error
			if errors.As(err, &rerr) {
				return nil, &failure{rerr.Status, rerr.Message}
			}
			var serr *upload.SpecError
			if errors.As(err, &serr) {
				return nil, &failure{http.StatusBadRequest, serr.Message}
			}
			return nil, &failure{http.StatusBadRequest, err.Error()}
		}
		return payload, nil
	}

	var body []byte
	if r.Method == http.MethodPost {
		reader := io.Reader(r.Body)
		if h.opt.MaxBodyBytes > 0 {
			reader = io.LimitReader(r.Body, h.opt.MaxBodyBytes+1)
		}
		var err error
		body, err = io.ReadAll(reader)
		if err != nil {
			return nil, &failure{http.StatusBadRequest, "failed to read request body"}
		}
		defer r.Body.Close()
		if h.opt.MaxBodyBytes > 0 && int64(len(body)) > h.opt.MaxBodyBytes {
			return nil, &failure{http.StatusRequestEntityTooLarge, "request body too large"}
		}
	}

	payload, perr := request.Parse(r.Method, contentType, body, r.URL.Query(), opts)
	if perr != nil {
		return nil, &failure{perr.Status, perr.Message}
	}
	return payload, nil
}

func (h *Handler) encoder() response.EncodeFunc {
	if h.opt.Pretty {
		return response.Pretty
	}
	return response.Compact
}

func writeResponse(w http.ResponseWriter, resp *response.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	wildcard := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			allowed, wildcard = true, true
			break
		}
		if o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}
