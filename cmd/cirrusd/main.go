// Command cirrusd runs a Cirrus storage provider daemon: it publishes one
// provider object per enabled account on the session bus and serves the
// item API for the configured backend until the idle window elapses.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/accounts"
	"github.com/cirrusfs/cirrus/pkg/config"
	"github.com/cirrusfs/cirrus/pkg/metrics"
	"github.com/cirrusfs/cirrus/pkg/server"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	logLevel := flag.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	busName := flag.String("bus-name", "", "Override the well-known bus name")
	serviceID := flag.String("service-id", "", "Override the online-accounts service id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cirrusd: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *busName != "" {
		cfg.Server.BusName = *busName
	}
	if *serviceID != "" {
		cfg.Server.ServiceID = *serviceID
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := setupLogOutput(cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "cirrusd: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.Listen)
	}

	factory, err := config.ProviderFactory(ctx, cfg)
	if err != nil {
		logger.Error("Backend setup failed: %v", err)
		os.Exit(1)
	}

	bus, err := server.DialSessionBus(ctx)
	if err != nil {
		logger.Error("Bus connection failed: %v", err)
		os.Exit(1)
	}
	defer bus.Close()

	var manager accounts.Manager
	if cfg.Server.ServiceID != "" {
		conn, err := server.DialSessionBusConn(ctx)
		if err != nil {
			logger.Error("Accounts bus connection failed: %v", err)
			os.Exit(1)
		}
		defer conn.Close()
		manager = accounts.NewOnlineAccountsManager(conn)
	}

	srv := server.New(server.Options{
		BusName:   cfg.Server.BusName,
		ServiceID: cfg.Server.ServiceID,
		Timeout:   cfg.Server.IdleTimeout,
	}, bus, manager, factory)

	// Shutdown on SIGINT/SIGTERM; the server exits on its own when the
	// idle window elapses.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received %v, shutting down", sig)
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error: %v", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func setupLogOutput(output string) error {
	switch output {
	case "", "stderr":
		return nil
	case "stdout":
		logger.SetOutput(os.Stdout)
		return nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(f)
		return nil
	}
}

func serveMetrics(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	logger.Info("Metrics endpoint on http://%s/metrics", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Warn("Metrics endpoint failed: %v", err)
	}
}
