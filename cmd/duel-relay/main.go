// duel-relay serves the session store to participants that cannot reach
// it directly. Configuration comes from the environment, optionally seeded
// from a .env file; RELAY_ADDR is required.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/pkg/duel"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not load .env file: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := duel.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.RelayAddr == "" {
		log.Fatalf("config error: RELAY_ADDR is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	host, err := duel.Open(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("open error: %v", err)
	}
	obslog.L().Info("relay_started", zap.String("addr", host.RelayAddr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	obslog.L().Info("relay_stopping", zap.String("signal", sig.String()))

	if err := host.Close(); err != nil {
		obslog.L().Warn("relay_close_failed", zap.Error(err))
	}
}
