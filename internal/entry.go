// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/koinet-node/internal/api"
	"github.com/starford/koinet-node/internal/index"
	"github.com/starford/koinet-node/internal/mcpserver"
	"github.com/starford/koinet-node/internal/metrics"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/network"
	"github.com/starford/koinet-node/internal/node"
	"github.com/starford/koinet-node/internal/poller"
	"github.com/starford/koinet-node/internal/rid"
	"github.com/starford/koinet-node/internal/sensor"
	"github.com/starford/koinet-node/internal/sse"
	"github.com/starford/koinet-node/internal/storage"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// searchIndex builds the index selected by the config.
func searchIndex(cfg IndexConfig) *index.Index {
	if !cfg.Enabled {
		return index.New(index.Derivers{})
	}
	derivers := index.DefaultDerivers()
	if len(cfg.Types) > 0 {
		derivers = derivers.Restrict(toTypes(cfg.Types))
	}
	return index.New(derivers)
}

func nodeConfig(cfg *Config) node.Config {
	return node.Config{
		Name:         cfg.Node.Name,
		RID:          rid.RID(cfg.Node.RID),
		NodeType:     cfg.Node.NodeType(),
		BaseURL:      cfg.Node.BaseURL,
		FirstContact: cfg.Node.FirstContact,
		Provides:     cfg.Node.ProvidesTypes(),
		Wants:        toTypes(cfg.Node.Wants),
		SensorRID:    rid.RID(cfg.Node.SensorRID),
		Workers:      cfg.Node.Workers,
		PollLimit:    cfg.Poll.Limit,
	}
}

// Run starts the node with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("node_name", cfg.Node.Name),
		slog.String("node_type", cfg.Node.Type),
		slog.String("cache_driver", cfg.Cache.Driver),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	store, err := storage.Open(cfg.Cache.Driver, cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	m := metrics.New()

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	token := ""
	if cfg.Auth.AuthEnabled() {
		token = cfg.Auth.Token
	}
	n, err := node.New(nodeConfig(cfg), store, network.NewClient(nil, token),
		node.WithLogger(logger),
		node.WithMetrics(m),
		node.WithPublisher(broker),
		node.WithIndex(searchIndex(cfg.Index)),
	)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	// Poll loop: partial nodes pull their events, sensors rescan their sources.
	poll := poller.New(cfg.Poll.Interval, logger)
	if n.Type() == models.NodeTypePartial {
		poll.Add(poller.Source{Name: "peers", Fn: n.PollPeers})
	}

	var sens *sensor.Sensor
	if cfg.Vault.Path != "" {
		vault, err := sensor.NewVault(cfg.Vault.Path)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		sens = sensor.New(vault, n, logger, sensor.WithCache(store))
		poll.Add(poller.Source{Name: "vault", Fn: func(context.Context) error {
			_, err := sens.Backfill()
			return err
		}})
	}
	if cfg.HackMD.Enabled() {
		hackmd := sensor.NewHackMD(sensor.HackMDConfig{
			BaseURL:  cfg.HackMD.BaseURL,
			Token:    cfg.HackMD.Token,
			TeamPath: cfg.HackMD.TeamPath,
			NoteIDs:  cfg.HackMD.NoteIDs,
		}, nil, n, store, logger)
		poll.Add(poller.Source{Name: "hackmd", Fn: hackmd.Poll})
	}
	if cfg.GitHub.Enabled() {
		github := sensor.NewGitHub(sensor.GitHubConfig{
			BaseURL: cfg.GitHub.BaseURL,
			Token:   cfg.GitHub.Token,
			Repos:   cfg.GitHub.Repos,
			PerPage: cfg.GitHub.PerPage,
		}, nil, n, store, logger)
		poll.Add(poller.Source{Name: "github", Fn: github.Poll})
	}

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", m.Handler())

	r.Mount("/", api.NewRouter(n, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Node starting...", slog.String("rid", n.RID().String()))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.Run(gCtx) })
	g.Go(func() error { return poll.Run(gCtx) })

	if sens != nil {
		g.Go(func() error { return sens.Watch(gCtx) })
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Node stopped successfully")
	return nil
}

// errShutdown cancels the run group once the server has been shut down.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools over stdio against the cached records.
// Logs go to stderr because stdout carries the protocol.
func RunMCP(_ context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	store, err := storage.Open(cfg.Cache.Driver, cfg.Cache.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	ix := searchIndex(cfg.Index)
	if _, err := index.Rebuild(ix, store, logger); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	logger.Info("MCP server starting", slog.String("cache_path", cfg.Cache.Path))
	return mcpserver.New(ix, store, app.version).ServeStdio()
}
