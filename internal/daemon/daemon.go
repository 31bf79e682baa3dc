// Package daemon implements ahqd, the agent headquarters server.
//
// The daemon:
//   - Serves the agent and operator HTTP API
//   - Runs periodic sweeps of the pending queue and stale agents
//   - Buffers per-agent activity for inspection
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Daemon holds the daemon state.
type Daemon struct {
	config   Config
	store    store.Store
	hq       *hq.HQ
	events   *EventBuffer
	sweeper  *cron.Cron
	handler  http.Handler
	shutdown chan struct{}
	once     sync.Once
	log      *slog.Logger
}

// Open connects to the store named by cfg.RedisURL and builds a daemon on
// it. Call cfg.ApplyDefaults() and cfg.Validate() first.
func Open(ctx context.Context, cfg Config) (*Daemon, error) {
	s, err := store.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return New(s, cfg), nil
}

// New creates a daemon over an open store. The daemon owns s and closes it
// when Run returns.
func New(s store.Store, cfg Config) *Daemon {
	cfg.ApplyDefaults()

	events := NewEventBuffer(cfg.EventBufferSize)
	d := &Daemon{
		config:   cfg,
		store:    s,
		hq:       hq.New(s, cfg.hqConfig(events)),
		events:   events,
		shutdown: make(chan struct{}),
		log:      cfg.Logger,
	}
	d.handler = d.withCORS(d.routes())
	return d
}

// Handler returns the daemon's HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Shutdown asks a running daemon to stop.
func (d *Daemon) Shutdown() {
	d.once.Do(func() { close(d.shutdown) })
}

// Run serves HTTP and runs the sweeper until ctx ends, SIGINT/SIGTERM
// arrives, or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() { _ = d.store.Close() }()

	listener, err := net.Listen("tcp", d.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.config.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.startSweeper(ctx); err != nil {
		_ = listener.Close()
		return err
	}
	defer d.stopSweeper()

	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(d.log.Handler(), slog.LevelWarn),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-d.shutdown:
		case <-ctx.Done():
		}
		d.log.Info("shutting down")
		// Long-polling result waiters hang off ctx; cancel first so
		// Shutdown does not wait for them.
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			d.log.Warn("http shutdown", "error", err)
		}
	}()

	d.log.Info("daemon started", "addr", listener.Addr().String(), "sweep_schedule", d.config.SweepSchedule)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

func (d *Daemon) withCORS(h http.Handler) http.Handler {
	if len(d.config.CORSOrigins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins: d.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
	}).Handler(h)
}

func (d *Daemon) startSweeper(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.config.SweepSchedule, func() { d.sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", d.config.SweepSchedule, err)
	}
	c.Start()
	d.sweeper = c
	return nil
}

func (d *Daemon) stopSweeper() {
	if d.sweeper == nil {
		return
	}
	<-d.sweeper.Stop().Done()
}

// sweep runs one maintenance pass. Failures are logged; the next tick
// tries again.
func (d *Daemon) sweep(ctx context.Context) {
	stats, err := d.hq.Sweep(ctx)
	if err != nil {
		d.log.Error("sweep failed", "error", err)
		return
	}
	idle := d.events.SweepIdle()
	if stats.Purged > 0 || stats.Demoted > 0 || idle > 0 {
		d.log.Info("sweep", "purged", stats.Purged, "demoted", stats.Demoted, "idle_buffers", idle)
	}
}
