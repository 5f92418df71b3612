package topiqctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/topiq/topiq/pkg/bus"
	"github.com/topiq/topiq/pkg/metrics"
	"github.com/topiq/topiq/pkg/store"
	"github.com/topiq/topiq/pkg/util"
	"go.uber.org/zap"
)

func newLogger() *zap.Logger {
	var zcfg zap.Config
	switch logLevel {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// openAdapters opens the record-store and signal-bus sessions shared
// by every subcommand, per the recognized options of spec.md §6.
func openAdapters(ctx context.Context, logger *zap.Logger) (*store.Postgres, *bus.NATS, error) {
	connString := cfg.Store.ConnectionString
	if connString == "" {
		connString = util.GetEnvOrDefault("TOPIQ_STORE_CONNECTION_STRING", "")
	}

	s, err := store.Open(ctx, store.Config{
		ConnString: connString,
		Database:   cfg.Store.Database,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	b, err := bus.OpenNATS(ctx, bus.NATSConfig{
		Host: cfg.Bus.Host,
		Port: cfg.Bus.Port,
	}, logger)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("open bus: %w", err)
	}

	return s, b, nil
}

// runUntilSignal blocks until SIGINT/SIGTERM, then runs shutdown with a
// 10-second grace period, matching the teacher's pipeline command's
// shutdown pattern.
func runUntilSignal(shutdown func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	doneChan := make(chan struct{})
	go func() {
		shutdown()
		close(doneChan)
	}()

	select {
	case <-doneChan:
	case <-time.After(10 * time.Second):
		fmt.Println("shutdown timed out after 10 seconds")
	}
}

func maybeStartMetrics(ctx context.Context, wg *sync.WaitGroup, enabled bool, addr string) {
	if !enabled {
		return
	}
	metrics.StartPrometheusServer(ctx, wg, &metrics.PromServerOpts{Addr: addr})
}
