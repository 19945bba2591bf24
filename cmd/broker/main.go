// Command broker runs the Lighthouse coordination broker: one process
// owning the event log, the authenticator, the speed-layer validator,
// expert dispatch, elicitations, and the project projection.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 storage
// corruption, 3 monotonic clock regression, 4 missing integrity key.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lighthouse/broker/internal/api"
	"github.com/lighthouse/broker/internal/broker"
	"github.com/lighthouse/broker/internal/config"
	"github.com/lighthouse/broker/internal/errs"
)

const (
	exitOK             = 0
	exitConfig         = 1
	exitCorruptStorage = 2
	exitClockFault     = 3
	exitMissingSecret  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		return exitConfig
	}
	setupLogging(cfg.Server.Env)

	if cfg.BrokerSecret == "" {
		slog.Error("LIGHTHOUSE_SECRET is not set; the broker cannot sign or verify anything without it")
		return exitMissingSecret
	}

	b, err := broker.New(cfg)
	if err != nil {
		slog.Error("broker startup failed", "error", err)
		return exitCodeFor(err)
	}

	srv := api.New(b, cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := exitOK
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("server failed", "error", err)
			code = exitCodeFor(err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}
	if err := b.Close(); err != nil {
		slog.Error("broker close failed", "error", err)
		if code == exitOK {
			code = exitCodeFor(err)
		}
	}
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	// No file: documented defaults plus the secret from the
	// environment (.env honored, same as Load).
	_ = godotenv.Load()
	cfg := config.Default()
	cfg.BrokerSecret = os.Getenv("LIGHTHOUSE_SECRET")
	return cfg, nil
}

func setupLogging(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func exitCodeFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindIntegrityFault:
		return exitCorruptStorage
	case errs.KindClockFault:
		return exitClockFault
	default:
		return exitConfig
	}
}
