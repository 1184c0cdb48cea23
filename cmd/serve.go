package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/1mcp-app/agent/internal/aggregator"
	"github.com/1mcp-app/agent/internal/config"
	"github.com/1mcp-app/agent/internal/filtering"
	"github.com/1mcp-app/agent/internal/metatools"
	"github.com/1mcp-app/agent/internal/pool"
	"github.com/1mcp-app/agent/internal/proxy"
	"github.com/1mcp-app/agent/internal/registry"
	"github.com/1mcp-app/agent/internal/schemacache"
	"github.com/1mcp-app/agent/internal/template"
	"github.com/1mcp-app/agent/internal/upstream"
	"github.com/1mcp-app/agent/pkg/logging"

	"github.com/briandowns/spinner"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveHost       string
	servePort       int
	serveTransport  string
	serveDebug      bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP aggregation gateway",
		Long: `Loads the server-definition document, connects every configured
upstream MCP server, and exposes the aggregated capability surface on the
chosen transport until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveConfigPath, "config", "1mcp.yaml", "path to the server-definition document")
	cmd.Flags().StringVar(&serveHost, "host", "localhost", "host to bind the gateway transport to")
	cmd.Flags().IntVar(&servePort, "port", 3051, "port to bind the gateway transport to")
	cmd.Flags().StringVar(&serveTransport, "transport", "streamable-http", "wire transport: streamable-http, sse, or stdio")
	cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable verbose logging")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	doc, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	connMap := upstream.NewMap()
	connMgr := upstream.NewManager(connMap)
	engine := template.New()

	poolOpts := pool.Options{
		DefaultIdleTimeout:    time.Duration(doc.Pool.IdleTimeoutMs) * time.Millisecond,
		CleanupInterval:       time.Duration(doc.Pool.CleanupIntervalMs) * time.Millisecond,
		MaxTotalInstances:     doc.Pool.MaxTotalInstances,
		DefaultMaxPerTemplate: doc.Pool.MaxInstances,
	}
	instancePool := pool.New(connMap, engine, poolOpts)

	filterSvc := filtering.New(doc.Presets)
	agg := aggregator.New(connMap)

	var ttl time.Duration
	if doc.LazyLoading.Cache.TTLMs != nil {
		ttl = time.Duration(*doc.LazyLoading.Cache.TTLMs) * time.Millisecond
	}
	cache := schemacache.New(doc.LazyLoading.Cache.MaxEntries, ttl)
	reg := registry.FromToolsMap(nil, nil)

	resolveConn := func(server string) (*upstream.Connection, bool) {
		return connMap.Get(server)
	}
	meta := metatools.New(doc.LazyLoading.Enabled, reg, cache, resolveConn, doc.LazyLoading.DirectExpose)

	srvCfg := proxy.Config{
		Host:      serveHost,
		Port:      servePort,
		Transport: proxy.Transport(serveTransport),
		Lazy:      doc.LazyLoading.Enabled,
	}
	server := proxy.NewServer(srvCfg, connMgr, instancePool, agg, filterSvc, meta)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logging.Info("Serve", "connecting %d configured upstream server(s)", len(doc.Servers))
	connectUpstreams(ctx, connMgr, doc)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if doc.LazyLoading.Enabled {
		meta.Preload(ctx, metatools.PreloadConfig{
			Patterns: doc.LazyLoading.Preload.Patterns,
			Keywords: doc.LazyLoading.Preload.Keywords,
		})
	}

	watcher, err := config.NewWatcher(serveConfigPath, func(newDoc *config.Document) {
		connMgr.Sync(ctx, newDoc)
	})
	if err != nil {
		logging.Warn("Serve", "config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	notifySystemdReady()
	logging.Info("Serve", "gateway listening (%s)", serveTransport)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("Serve", "shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return server.Stop(stopCtx)
}

// connectUpstreams shows a connecting spinner while the initial Sync call
// establishes every statically-configured upstream connection.
func connectUpstreams(ctx context.Context, connMgr *upstream.Manager, doc *config.Document) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" connecting %d upstream server(s)...", len(doc.Servers))
	if !serveDebug {
		s.Start()
		defer s.Stop()
	}
	connMgr.Sync(ctx, doc)
}

// notifySystemdReady signals readiness to systemd when running under a
// unit with Type=notify. It is a no-op (and harmless) everywhere else.
func notifySystemdReady() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Debug("Serve", "systemd notify skipped: %v", err)
	}
}
