package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"

	"deaddrop/internal/config"
	"deaddrop/pkg/catalog"
	"deaddrop/pkg/console"
	"deaddrop/pkg/messaging"
	"deaddrop/pkg/orchestrator"
	"deaddrop/pkg/store"
	"deaddrop/pkg/task"
)

// app is the wired server: one database, one queue, and the transports the
// configuration enables.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *store.Store
	queue   *task.Queue
	catalog *catalog.Catalog
	router  *messaging.Router
	orch    *orchestrator.Orchestrator
	console *console.Console

	closers []func() error
}

// newLogger returns a text logger on w; verbose lowers the level to debug.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openApp loads configuration and wires every component. The caller must
// Close the returned app.
func openApp(ctx context.Context, configPath string, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger, store: store.New(db)}
	a.closers = append(a.closers, db.Close)

	a.queue = task.NewQueue(task.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval.Duration,
		Logger:       logger.With("component", "queue"),
		Events:       a.store,
	}, task.NewStore(db))
	a.catalog = catalog.New(a.store, logger.With("component", "catalog"))

	a.router = messaging.NewRouter()
	a.router.Handle("package", messaging.NewPackageTransport(messaging.PackageConfig{
		Command:          cfg.HandlerCommand,
		ServerPrivateKey: cfg.ServerPrivateKey,
		Logger:           logger.With("component", "package"),
	}, a.store))
	if cfg.NATS.URL != "" {
		if err := a.connectNATS(); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	journal := messaging.NewJournal(a.router, a.store, logger.With("component", "messaging"))
	a.orch = orchestrator.New(a.queue, a.queue.Store(), a.store, a.catalog, journal, logger.With("component", "orchestrator"))
	a.console = console.New(console.Config{Settings: cfg, Logger: logger}, a.store, a.catalog, a.orch, a.queue.Store())
	return a, nil
}

func (a *app) connectNATS() error {
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("deaddrop"))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", a.cfg.NATS.URL, err)
	}
	t, err := messaging.NewNATSTransport(nc, messaging.NATSConfig{
		Prefix: a.cfg.NATS.Prefix,
		Stream: a.cfg.NATS.Stream,
		Logger: a.log.With("component", "nats"),
	})
	if err != nil {
		nc.Close()
		return err
	}
	a.router.Handle("nats", t)
	a.closers = append(a.closers, func() error {
		err := t.Close()
		nc.Close()
		return err
	})
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
