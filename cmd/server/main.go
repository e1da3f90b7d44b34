// Medimesh node
//
// One process hosts a local media directory as a typed file tree,
// federates it with parent and child nodes over authenticated
// encrypted links, and serves the merged tree over HTTP:
// - Prometheus metrics & structured logging (zap)
// - Byte-range content serving from whichever node owns the file
// - SSE tree-update events
// - JWT authentication backed by the configured user list
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/liplum/Medimesh/internal/api"
	"github.com/liplum/Medimesh/internal/auth"
	"github.com/liplum/Medimesh/internal/config"
	"github.com/liplum/Medimesh/internal/crypto"
	"github.com/liplum/Medimesh/internal/events"
	"github.com/liplum/Medimesh/internal/fed"
	"github.com/liplum/Medimesh/internal/logging"
	"github.com/liplum/Medimesh/internal/metrics"
	"github.com/liplum/Medimesh/internal/scan"
)

func main() {
	configPath := flag.String("config", "medimesh.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Medimesh node starting...",
		zap.String("name", cfg.Name),
		zap.String("listen", cfg.ListenAddr),
		zap.String("http", cfg.HTTPAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Node identity keypair
	pub, priv, err := crypto.LoadOrCreateKeypair(cfg.KeyDir)
	if err != nil {
		logging.Fatal("keypair init failed", zap.Error(err))
	}
	logging.Info("node identity loaded", zap.String("key_dir", cfg.KeyDir))

	broadcaster := events.NewBroadcaster()

	node := fed.NewNode(cfg, fed.Identity{Name: cfg.Name, Pub: pub, Priv: priv}, broadcaster)
	defer node.Close()

	// Local media library
	scanner := scan.New(cfg.MediaRoot, cfg.ScanInterval, cfg.IgnorePatterns, node.UpdateLocalSubtree)
	if err := scanner.Start(ctx); err != nil {
		logging.Fatal("media scan failed", zap.Error(err))
	}
	defer scanner.Stop()

	// A refresh bubble from anywhere in the graph rescans this library.
	node.Subscribe("library.refresh", func([]byte) {
		if err := scanner.Rescan(); err != nil {
			logging.Warn("refresh rescan failed", zap.Error(err))
		}
	})

	// Federation listener for child nodes
	listener, err := fed.Listen(node, cfg.ListenAddr)
	if err != nil {
		logging.Fatal("federation listener failed", zap.Error(err))
	}
	go func() {
		if err := listener.Serve(ctx); err != nil {
			logging.Error("federation listener error", zap.Error(err))
		}
	}()
	logging.Info("federation listener started", zap.String("addr", cfg.ListenAddr))

	// Parent links with automatic redial
	for _, parent := range cfg.Parents {
		go node.MaintainParent(ctx, parent.Addr)
		logging.Info("maintaining parent link", zap.String("addr", parent.Addr))
	}

	// Metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// HTTP API server
	authHandler := auth.New(cfg)
	srv := api.NewServer(node, authHandler, broadcaster, cfg, scanner.Rescan)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Handler(),
	}
	go func() {
		logging.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("http server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("metrics shutdown error", zap.Error(err))
	}
	listener.Close()
	node.Close()
	logging.Info("shutdown complete")
}
