package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"noeu/internal/bridge"
	"noeu/internal/cache"
	"noeu/internal/config"
	"noeu/internal/endpoint"
	"noeu/internal/feed"
	"noeu/internal/harvest"
	"noeu/internal/lookup"
	"noeu/internal/metrics"
	"noeu/internal/reconcile"
	"noeu/internal/resolve"
	"noeu/internal/server"
	"noeu/internal/state"
	"noeu/internal/store"
)

const (
	busBuffer       = 256
	knownSize       = 10000
	shutdownTimeout = 10 * time.Second
)

func main() {
	fs := config.NewFlagSet(os.Args[0])
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	setupLogging(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := run(ctx, cfg, reg); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(level slog.Level) {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}

// daemon is the wired pipeline.
type daemon struct {
	db     *sql.DB
	state  *state.State
	bus    *bridge.Bus
	queue  *lookup.Queue
	listen *resolve.Listener
	store  *store.Store
	hub    *reconcile.Hub
	server *http.Server
}

func build(ctx context.Context, cfg config.Config, reg *prometheus.Registry) (*daemon, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := store.New(db)
	if err := st.EnsureDefaults(ctx, map[string]string{store.KeyEnabled: "true"}); err != nil {
		_ = db.Close()
		return nil, err
	}

	m, err := metrics.New(reg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	locations := cache.New(cfg.Cache.KnownTTL, cfg.Cache.UnknownTTL)
	s := state.New(st, locations, m)
	if err := s.Load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	bus := bridge.NewBus(busBuffer)
	known := lookup.NewKnown(knownSize, cfg.Cache.UnknownTTL)
	creds := lookup.NewCredentials()

	policy := endpoint.Policy{
		AllowPrivate: cfg.Proxy.AllowPrivate,
		Lookup: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
	}
	fetchClient := endpoint.NewHTTPClient(policy, endpoint.FetchTimeout)
	queryIDs := endpoint.NewResolver(fetchClient, cfg.Upstream.URL, policy, cfg.Lookup.FallbackQueryID)
	client := lookup.NewClient(nil, cfg.Upstream.URL, cfg.Lookup.Bearer, queryIDs, creds, m)
	queue := lookup.NewQueue(client, known, bus.LookupResults, m, lookup.Options{
		InitialDelay: cfg.Lookup.InitialDelay,
		MaxDelay:     cfg.Lookup.MaxDelay,
		Cooldown:     cfg.Lookup.Cooldown,
	})

	transport := &harvest.Transport{
		Base:        http.DefaultTransport,
		Harvester:   harvest.New(known, bus, m),
		Credentials: creds,
	}

	active := resolve.NewActive(locations, s, bus.LookupRequests, m, cfg.Lookup.Timeout)
	hub := reconcile.NewHub()
	app := server.New(s, hub, active, feed.NewFilterer(fetchClient, policy, s, active, 0), server.Options{
		Upstream:     cfg.Upstream.URL,
		Transport:    transport,
		Settle:       cfg.Proxy.Settle,
		ScanInterval: cfg.Scan.Interval,
		Gatherer:     reg,
	})

	return &daemon{
		db:     db,
		state:  s,
		bus:    bus,
		queue:  queue,
		listen: &resolve.Listener{Cache: locations, Recorder: s, Follows: s, Active: active},
		store:  st,
		hub:    hub,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           app.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// startPipeline runs the lookup queue, the bus listener and the settings
// watcher on g until ctx ends.
func (d *daemon) startPipeline(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		d.queue.Serve(ctx, d.bus.LookupRequests)
		return nil
	})
	g.Go(func() error {
		d.listen.Run(ctx, d.bus)
		return nil
	})
	g.Go(func() error {
		reconcile.WatchSettings(d.store.Subscribe(ctx), d.state, d.hub)
		return nil
	})
}

func run(ctx context.Context, cfg config.Config, reg *prometheus.Registry) error {
	d, err := build(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer d.db.Close()

	g, gctx := errgroup.WithContext(ctx)
	d.startPipeline(gctx, g)
	g.Go(func() error {
		slog.Info("noeu running", "addr", d.server.Addr, "upstream", cfg.Upstream.URL.String())
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown failed", "err", err)
		}
		return nil
	})

	err = g.Wait()
	if perr := d.state.Persist(context.Background()); perr != nil {
		slog.Error("final persist failed", "err", perr)
	}
	slog.Info("noeu stopped")
	return err
}
