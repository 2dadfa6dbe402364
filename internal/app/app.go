// Package app assembles the ledger components from configuration. The HTTP
// service and the admin CLI share it so both run the same stack.
package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stock-ledger/internal/config"
	"stock-ledger/internal/events"
	"stock-ledger/internal/ledger"
	"stock-ledger/internal/notify"
	"stock-ledger/internal/orders"
	"stock-ledger/internal/store"

	"go.uber.org/zap"
)

// recentEvents bounds the in-process event log used when Kafka is off.
const recentEvents = 1000

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     *store.SQLiteStore
	Publisher events.EventPublisher
	Ledger    *ledger.Ledger
	Notifier  *notify.Service
	Orders    *orders.Orchestrator

	closers []func() error
}

// New opens the store and event publisher and builds the services on top.
// A Kafka publisher that cannot connect falls back to the in-memory one.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := ensureDir(cfg.SQLitePath); err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.SQLitePath, logger)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Store: st}
	a.closers = append(a.closers, st.Close)

	a.Publisher = a.newPublisher()
	a.Ledger = ledger.New(st, st, a.Publisher, logger, ledger.Options{
		Retries: cfg.LedgerRetries,
		Backoff: cfg.LedgerRetryBackoff,
	})
	a.Notifier = notify.NewService(st, st, a.Publisher, logger)
	a.Orders = orders.NewOrchestrator(a.Ledger, st, a.Notifier, a.Publisher, logger)
	return a, nil
}

func (a *App) newPublisher() events.EventPublisher {
	if !a.Config.UseKafka {
		a.Logger.Info("Kafka disabled, events kept in memory")
		return events.NewBoundedInMemoryEventPublisher(a.Logger, recentEvents)
	}

	pub, err := events.NewKafkaEventPublisher(a.Config, a.Logger)
	if err != nil {
		a.Logger.Warn("Failed to initialize Kafka publisher, using in-memory fallback", zap.Error(err))
		return events.NewBoundedInMemoryEventPublisher(a.Logger, recentEvents)
	}
	a.closers = append(a.closers, pub.Close)
	return pub
}

// OnClose registers cleanup to run, in reverse order, on Close.
func (a *App) OnClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
