package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soketto/graphserve/internal/enginetest"
	"github.com/soketto/graphserve/internal/eventbus"
	"github.com/soketto/graphserve/internal/graphql"
	"github.com/soketto/graphserve/internal/metrics"
	"github.com/soketto/graphserve/internal/otel"
	"github.com/soketto/graphserve/internal/server"
)

const rootUsage = `graphserve — GraphQL HTTP/WebSocket transport layer

USAGE:
  graphserve <command> [flags]

COMMANDS:
  serve            Run the dev server with the built-in demo engine
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>   Load a yaml config file (flags below override it)
  -addr <addr>     HTTP listen address (default: :8080)
  -pretty          Pretty-print JSON responses
  -get             Allow queries via GET
  -otel.endpoint   OTLP collector endpoint
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphserve", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	switch cmd, cmdArgs := remaining[0], remaining[1:]; cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "help":
		fmt.Fprint(os.Stdout, rootUsage, "\n", serveUsage)
		return nil
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "")
	addr := fs.String("addr", "", "")
	pretty := fs.Bool("pretty", false, "")
	allowGET := fs.Bool("get", false, "")
	otelEndpoint := fs.String("otel.endpoint", "", "")
	fs.Usage = func() { fmt.Fprint(os.Stderr, serveUsage) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *pretty {
		cfg.Pretty = true
	}
	if *allowGET {
		cfg.AllowGET = true
	}
	if *otelEndpoint != "" {
		cfg.Otel.Endpoint = *otelEndpoint
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	defer m.Attach()()

	opts := []server.Option{
		server.WithTimeout(cfg.Timeout),
		server.WithMaxBodyBytes(cfg.MaxBodyBytes),
		server.WithConnectionInitWaitTimeout(cfg.ConnectionInitWaitTimeout),
		server.WithKeepAliveInterval(cfg.KeepAliveInterval),
		server.WithLogger(logger),
	}
	if cfg.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if cfg.AllowGET {
		opts = append(opts, server.WithGET())
	}
	if cfg.Multipart {
		opts = append(opts, server.WithMultipart(0))
	}
	if len(cfg.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(cfg.CORSOrigins...))
	}
	if cfg.AsyncBatch {
		opts = append(opts, server.WithAsyncBatch(cfg.BatchConcurrency))
	}

	handler := server.New(demoEngine(), opts...)

	mux := http.NewServeMux()
	mux.Handle("/graphql", handler)
	mux.Handle(cfg.MetricsPath, promhttp.Handler())

	logger.Info("serving", "addr", cfg.Addr, "endpoint", "/graphql")
	return http.ListenAndServe(cfg.Addr, mux)
}

// demoEngine backs the dev server: a hello query and a ticking clock
// subscription, enough to exercise both transports by hand.
func demoEngine() *enginetest.Engine {
	eng := enginetest.New()
	eng.ResolveValue("hello", "world")
	eng.SubscribeSource("time", func(ctx context.Context) (<-chan *graphql.Result, error) {
		ch := make(chan *graphql.Result)
		go func() {
			defer close(ch)
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ticker.C:
					res := &graphql.Result{Data: map[string]any{"time": t.Format(time.RFC3339)}}
					select {
					case <-ctx.Done():
						return
					case ch <- res:
					}
				}
			}
		}()
		return ch, nil
	})
	return eng
}
