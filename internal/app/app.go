// Package app wires the application together: configuration, logging,
// the storage engine, the conversation store, the window cache, the
// delivery coordinator, the session controller and the HTTP API.
//
// App is the dependency container. Components never reach for globals;
// everything they need is injected here and torn down in Close.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/api"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/deliver"
	"github.com/parleyhq/parley/internal/kv"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/render"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/internal/window"
)

// App is the application container.
type App struct {
	Config      *config.Config
	Logger      log.Logger
	Engine      kv.Engine
	Store       *store.Store
	Windows     *window.Manager
	Coordinator *deliver.Coordinator
	Controller  *session.Controller
	Server      *api.Server

	stopTracing func(context.Context) error
	cancel      context.CancelFunc
	background  sync.WaitGroup
}

// New builds a fully wired App from cfg. The returned App owns every
// resource it creates; callers must Close it.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage engine: %w", err)
	}

	st := store.New(engine, store.Config{
		CompressionThreshold: cfg.CompressionThreshold,
		Weights:              searchWeights(cfg.Search),
	}, logger.With("component", "store"))

	windows := window.NewManager(st, window.Config{
		MaxMessages:       cfg.MaxMessagesInMemory,
		MaxConversations:  cfg.MaxConversationsInMemory,
		MaxFootprintBytes: cfg.MaxWindowFootprint,
		Staleness:         millis(cfg.WindowStaleness),
		SweepInterval:     millis(cfg.WindowSweepInterval),
	}, logger.With("component", "window"))

	coordinator, err := newCoordinator(cfg, logger)
	if err != nil {
		engine.Close()
		return nil, err
	}

	controller := session.New(st, windows, coordinator, session.Config{
		MaxAttempts: cfg.MaxAttempts,
		Render: render.Config{
			Policy:         renderPolicy(cfg.RenderPolicy),
			FlushInterval:  millis(cfg.FlushInterval),
			MaxQueueSize:   cfg.MaxQueueSize,
			MaxStepsPerSec: cfg.MaxStepsPerSec,
		},
	}, logger.With("component", "session"))

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger.With("component", "api"),
		Store:       st,
		Windows:     windows,
		Controller:  controller,
		Coordinator: coordinator,
		CORSOrigins: cfg.CORSOrigins,
		StateFile:   cfg.StateFile,
	})
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("api server: %w", err)
	}

	a := &App{
		Config:      cfg,
		Logger:      logger,
		Engine:      engine,
		Store:       st,
		Windows:     windows,
		Coordinator: coordinator,
		Controller:  controller,
		Server:      server,
	}

	if cfg.Observability.Enabled {
		stop, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Observability.Endpoint,
			Environment: cfg.Observability.Environment,
			ServiceName: cfg.Observability.ServiceName,
		}, logger)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("observability: %w", err)
		}
		a.stopTracing = stop
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		windows.Run(bgCtx)
	}()

	return a, nil
}

// Close shuts the application down: active sessions first, then the
// background sweeper, tracing, and finally the storage engine.
func (a *App) Close(ctx context.Context) error {
	var firstErr error

	if err := a.Controller.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("session shutdown: %w", err)
	}

	a.cancel()
	a.background.Wait()

	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracing shutdown: %w", err)
		}
	}
	if err := a.Engine.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine close: %w", err)
	}

	a.Logger.Info("application stopped")
	return firstErr
}

func newEngine(cfg *config.Config) (kv.Engine, error) {
	switch cfg.StorageEngine {
	case config.EngineMemory:
		return kv.NewMemoryEngine(0), nil
	default:
		return kv.NewSQLiteEngine(cfg.SQLitePath)
	}
}

// newCoordinator builds the delivery path from the configured backend
// endpoints. An empty stream URL disables the incremental path; the
// coordinator then goes straight to unary without marking turns degraded.
func newCoordinator(cfg *config.Config, logger log.Logger) (*deliver.Coordinator, error) {
	var httpOpts []transport.HTTPOption
	if cfg.BackendToken != "" {
		httpOpts = append(httpOpts, transport.WithToken(cfg.BackendToken))
	}
	unary, err := transport.NewHTTPClient(cfg.BackendURL, millis(cfg.RequestTimeout), httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("unary transport: %w", err)
	}

	var incremental transport.Incremental
	if cfg.StreamURL != "" {
		ws, err := transport.NewWSClient(cfg.StreamURL, logger.With("component", "transport"))
		if err != nil {
			return nil, fmt.Errorf("incremental transport: %w", err)
		}
		incremental = ws
	}

	return deliver.New(incremental, unary, deliver.Config{
		SilenceTimeout: millis(cfg.SilenceTimeout),
		UnaryAttempts:  cfg.UnaryAttempts,
		BackoffInitial: millis(cfg.BackoffInitial),
		BackoffMax:     millis(cfg.BackoffMax),
	}, logger.With("component", "deliver")), nil
}

func renderPolicy(name string) render.Policy {
	if name == config.RenderLatestWins {
		return render.PolicyLatestWins
	}
	return render.PolicyAccumulate
}

func searchWeights(cfg config.SearchConfig) store.SearchWeights {
	return store.SearchWeights{
		ExactPhrase:   cfg.ExactPhrase,
		Keyword:       cfg.Keyword,
		Entity:        cfg.Entity,
		AgentName:     cfg.AgentName,
		Recency:       cfg.Recency,
		RecencyWindow: time.Duration(cfg.RecencyWindow) * time.Hour,
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
