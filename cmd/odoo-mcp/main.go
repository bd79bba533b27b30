// Command odoo-mcp serves MCP tools, prompts, and resources backed by one or
// more Odoo instances. The instance configuration comes from the environment
// (ODOO_INSTANCES or the single-instance ODOO_* variables); the tool and
// prompt catalogs come from JSON definition files that are hot-reloaded on
// change.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odookit/odoo-mcp/gateway"
	"github.com/odookit/odoo-mcp/mcp"
	"github.com/odookit/odoo-mcp/odoo"
	"github.com/odookit/odoo-mcp/registry"
)

const version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	transport := flag.String("transport", "stdio", "transport to serve on: stdio, ws, or http")
	listen := flag.String("listen", "127.0.0.1:8787", "listen address for ws and http transports")
	validate := flag.Bool("validate", false, "health-check every configured instance and exit")
	probe := flag.Bool("probe", false, "connect to a running ws server, list tools, and exit")
	flag.Parse()

	// Stdout is the protocol stream on the stdio transport, so logs always
	// go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if *probe {
		os.Exit(runProbe(*listen))
	}

	cfg, err := odoo.LoadEnv()
	if err != nil {
		logger.Error("invalid configuration", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if *validate {
		os.Exit(runValidate(cfg))
	}

	reg := registry.NewFromEnv(logger)
	if err := reg.Load(); err != nil {
		logger.Error("failed to load definitions", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer reg.Close()
	if err := reg.Watch(); err != nil {
		logger.Warn("definition watcher unavailable, hot reload disabled",
			slog.String("err", err.Error()))
	}

	gw := gateway.New(reg, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *transport {
	case "stdio":
		runStdio(ctx, reg, cfg, gw, logger)
	case "ws":
		runWS(ctx, reg, cfg, gw, logger, *listen)
	case "http":
		runHTTP(ctx, reg, cfg, gw, logger, *listen)
	default:
		logger.Error("unknown transport", slog.String("transport", *transport))
		os.Exit(2)
	}
}

// serverOptions assembles the option set shared by every transport.
func serverOptions(reg *registry.Registry, cfg odoo.Config, gw *gateway.Server, logger *slog.Logger, withUpdaters bool) []mcp.ServerOption {
	opts := []mcp.ServerOption{
		mcp.WithToolServer(gw),
		mcp.WithPromptServer(gw),
		mcp.WithResourceServer(gw),
		mcp.WithInstructions(reg.Instructions()),
		mcp.WithProtocolVersionDefault(reg.ProtocolVersionDefault()),
		mcp.WithInstanceNames(cfg.Names()),
		mcp.WithServerLogger(logger),
	}
	if withUpdaters {
		opts = append(opts,
			mcp.WithToolListUpdater(gw),
			mcp.WithPromptListUpdater(gw),
		)
	}
	return opts
}

func runStdio(ctx context.Context, reg *registry.Registry, cfg odoo.Config, gw *gateway.Server, logger *slog.Logger) {
	transport := mcp.NewStdIO(os.Stdin, os.Stdout)
	opts := serverOptions(reg, cfg, gw, logger, true)
	opts = append(opts, mcp.WithServerPingInterval(30*time.Second))

	srv := mcp.NewServer(mcp.Info{Name: reg.ServerName(), Version: version}, transport, opts...)
	go srv.Serve()
	logger.Info("serving on stdio", slog.String("server", reg.ServerName()))

	<-ctx.Done()
	shutdownServer(gw, srv, logger)
}

func runWS(ctx context.Context, reg *registry.Registry, cfg odoo.Config, gw *gateway.Server, logger *slog.Logger, listen string) {
	transport := mcp.NewWebSocket()
	opts := serverOptions(reg, cfg, gw, logger, true)
	opts = append(opts, mcp.WithServerPingInterval(30*time.Second))

	srv := mcp.NewServer(mcp.Info{Name: reg.ServerName(), Version: version}, transport, opts...)
	go srv.Serve()

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.Handler())
	httpServer := serveMux(mux, listen, logger)
	logger.Info("serving websocket", slog.String("addr", listen))

	<-ctx.Done()
	shutdownHTTP(httpServer, logger)
	shutdownServer(gw, srv, logger)
}

// runHTTP mounts the streamable transport on /mcp and the legacy SSE pair on
// /sse and /messages. List-changed notifications ride the streamable server;
// the legacy endpoints serve clients that predate them.
func runHTTP(ctx context.Context, reg *registry.Registry, cfg odoo.Config, gw *gateway.Server, logger *slog.Logger, listen string) {
	info := mcp.Info{Name: reg.ServerName(), Version: version}

	streamable := mcp.NewStreamableHTTP()
	mainSrv := mcp.NewServer(info, streamable, serverOptions(reg, cfg, gw, logger, true)...)
	go mainSrv.Serve()

	sse := mcp.NewSSEServer(fmt.Sprintf("http://%s/messages", listen))
	sseSrv := mcp.NewServer(info, sse, serverOptions(reg, cfg, gw, logger, false)...)
	go sseSrv.Serve()

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable.Handler())
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/messages", sse.HandleMessage())
	httpServer := serveMux(mux, listen, logger)
	logger.Info("serving http", slog.String("addr", listen))

	<-ctx.Done()
	shutdownHTTP(httpServer, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sseSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("sse server shutdown failed", slog.String("err", err.Error()))
	}
	shutdownServer(gw, mainSrv, logger)
}

func serveMux(mux *http.ServeMux, listen string, logger *slog.Logger) *http.Server {
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}()
	return httpServer
}

func shutdownHTTP(httpServer *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", slog.String("err", err.Error()))
	}
}

// shutdownServer closes the gateway first so the server's update listeners
// can drain, then shuts the protocol server down.
func shutdownServer(gw *gateway.Server, srv mcp.Server, logger *slog.Logger) {
	gw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", slog.String("err", err.Error()))
	}
}

// runValidate health-checks every configured instance and reports one line
// per instance. Exit status 1 when any instance fails.
func runValidate(cfg odoo.Config) int {
	failed := false
	for _, name := range cfg.Names() {
		client, err := odoo.NewClient(name, cfg.Instances[name])
		if err != nil {
			fmt.Printf("%s: FAIL (%v)\n", name, err)
			failed = true
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = client.HealthCheck(ctx)
		cancel()
		if err != nil {
			fmt.Printf("%s: FAIL (%v)\n", name, err)
			failed = true
			continue
		}

		dialect := "json-2"
		if client.Legacy() {
			dialect = "jsonrpc"
		}
		fmt.Printf("%s: ok (%s)\n", name, dialect)
	}
	if failed {
		return 1
	}
	return 0
}

// runProbe connects to a running ws server, performs the initialize handshake,
// and lists the advertised tools.
func runProbe(listen string) int {
	client := mcp.NewClient(
		mcp.Info{Name: "odoo-mcp-probe", Version: version},
		mcp.NewWebSocketClient(fmt.Sprintf("ws://%s/ws", listen)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fmt.Printf("probe: FAIL (%v)\n", err)
		return 1
	}
	defer client.Close()

	tools, err := client.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		fmt.Printf("probe: FAIL (%v)\n", err)
		return 1
	}

	fmt.Printf("probe: ok, server %q advertises %d tools\n", client.ServerInfo().Name, len(tools.Tools))
	for _, tool := range tools.Tools {
		fmt.Printf("  %s\n", tool.Name)
	}
	return 0
}
