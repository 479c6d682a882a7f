// Command mcp-hub connects the configured MCP backends, keeps them healthy,
// and re-serves their merged catalog as a single MCP server. The merged
// endpoint speaks Streamable HTTP by default; -stdio serves it on
// stdin/stdout instead so the hub can run as a child server of another MCP
// client. A separate admin endpoint exposes health, status, and Prometheus
// metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/toolgate/mcp-hub/pkg/config"
	mcpgateway "github.com/toolgate/mcp-hub/pkg/mcp-gateway"
	"github.com/toolgate/mcp-hub/pkg/mcphub"
	"github.com/toolgate/mcp-hub/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Override the gateway listen address")
	stdio := flag.Bool("stdio", false, "Serve the gateway on stdin/stdout instead of HTTP")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, or error")
	flag.Parse()

	// Logs always go to stderr; in stdio mode stdout carries the protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Gateway.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *stdio); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hub stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdio bool) error {
	hubOpts := cfg.HubOptions()
	hubOpts.Logger = logger
	hubOpts.Observer = metrics.Observer{}

	hub := mcphub.NewManager(hubOpts)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("hub close", "error", err)
		}
	}()

	for _, bc := range cfg.BackendConfigs() {
		if err := hub.AddBackend(ctx, bc); err != nil {
			// A backend that is down at startup stays registered and the
			// supervisor retries it; only registration errors are fatal.
			if errors.Is(err, mcphub.ErrConnectionFailed) {
				logger.Warn("backend not reachable at startup", "backend", bc.Name, "error", err)
				continue
			}
			return fmt.Errorf("add backend %q: %w", bc.Name, err)
		}
		logger.Info("backend connected", "backend", bc.Name)
	}

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	if cfg.Admin.IsEnabled() {
		go serveAdmin(ctx, cfg.Admin.Addr, hub, logger)
	}

	if !stdio && !cfg.Gateway.IsEnabled() {
		// No MCP endpoint to serve; keep the hub and admin surface running.
		<-ctx.Done()
		return ctx.Err()
	}

	gw, err := mcpgateway.NewGateway(hub, gatewayOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
	}()

	if stdio {
		logger.Info("gateway serving MCP on stdio")
		return gw.ServeStdio(ctx)
	}
	logger.Info("gateway serving Streamable MCP", "addr", cfg.Gateway.Addr, "path", cfg.Gateway.Path)
	return gw.ListenAndServe(ctx)
}

func gatewayOptions(cfg *config.Config, logger *slog.Logger) *mcpgateway.Options {
	opts := &mcpgateway.Options{
		Addr:   cfg.Gateway.Addr,
		Path:   cfg.Gateway.Path,
		Logger: logger,
	}
	if c := cfg.Gateway.CORS; c != nil {
		opts.CORS = &cors.Options{
			AllowedOrigins:   c.AllowedOrigins,
			AllowedMethods:   c.AllowedMethods,
			AllowedHeaders:   c.AllowedHeaders,
			AllowCredentials: c.AllowCredentials,
		}
	}
	return opts
}

// serveAdmin runs the operational HTTP endpoint until ctx is cancelled.
func serveAdmin(ctx context.Context, addr string, hub *mcphub.Manager, logger *slog.Logger) {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(hub.Status()); err != nil {
			logger.Warn("encode status", "error", err)
		}
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("admin endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("admin server failed", "error", err)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
