// Package app wires the whole process together. Every dependency is built
// here and handed to its consumers explicitly; nothing registers itself.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"gridconsent/internal/bus"
	"gridconsent/internal/config"
	"gridconsent/internal/db"
	"gridconsent/internal/engine"
	"gridconsent/internal/events"
	"gridconsent/internal/handlers"
	"gridconsent/internal/migrate"
	"gridconsent/internal/outbound"
	"gridconsent/internal/outbox"
	"gridconsent/internal/region"
	"gridconsent/internal/region/rest"
	"gridconsent/internal/region/simulation"
	"gridconsent/internal/repo"
	"gridconsent/internal/server"
	"gridconsent/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

type Options struct {
	// Ephemeral keeps events and credentials in memory.
	Ephemeral bool
	Now       func() time.Time
}

// App is the assembled process.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	DB          *sql.DB
	Store       events.Store
	Repo        *repo.Repo
	Credentials repo.CredentialStore
	Bus         *bus.Bus
	Outbox      *outbox.Outbox
	Regions     *region.Registry
	Handlers    *handlers.Engine
	Hub         *outbound.Hub
	Webhooks    *outbound.Dispatcher
	Engine      engine.Engine
	Telemetry   *telemetry.Provider

	redis *repo.RedisCache
}

// Build opens storage, runs migrations and connects every component.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.closeStorage()
		}
	}()

	tp, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		ServiceName:  cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Telemetry = tp

	var cursors outbound.Cursors
	if opts.Ephemeral {
		a.Store = events.NewMemoryStore()
		a.Credentials = repo.NewMemoryCredentials()
		cursors = outbound.NewMemoryCursors()
	} else {
		dbCfg := db.Config{Driver: cfg.Database.Driver, Workspace: cfg.Database.Workspace, DSN: cfg.Database.DSN}
		conn, err := db.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.DB = conn
		if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store = events.NewSQLStore(conn, dbCfg.Dialect())
		a.Credentials = repo.NewSQLCredentials(conn, dbCfg.Dialect())
		cursors = outbound.NewSQLCursors(conn, dbCfg.Dialect())
	}

	repoOpts := repo.Options{Logger: logger}
	if cfg.Redis.Addr != "" {
		a.redis = repo.NewRedisCache(repo.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
		repoOpts.Shared = a.redis
	}
	if a.Repo, err = repo.New(a.Store, repoOpts); err != nil {
		return nil, err
	}

	a.Bus = bus.New(bus.Options{Logger: logger, OnFailure: tp.SubscriberFailed})
	a.Outbox = outbox.New(a.Store, a.Bus, outbox.Options{
		Logger:    logger,
		Now:       opts.Now,
		Callbacks: []outbox.Callback{a.Repo.Apply, tp.Committed},
		OnError:   tp.CommitFailed,
	})

	if a.Regions, err = BuildRegions(cfg, opts.Now); err != nil {
		return nil, err
	}
	a.Handlers = handlers.New(a.Outbox, a.Repo, handlers.Config{
		Timeout:       cfg.Handlers.Timeout,
		Workers:       cfg.Handlers.Workers,
		PollInterval:  cfg.Handlers.PollInterval,
		StaleAfter:    cfg.Handlers.StaleAfter,
		SweepInterval: cfg.Handlers.SweepInterval,
	}, handlers.Options{
		Logger:      logger,
		Now:         opts.Now,
		Credentials: a.Credentials,
		Metrics:     tp,
	})
	if err := a.Handlers.Attach(a.Bus, a.Regions.Adapters()...); err != nil {
		return nil, err
	}

	a.Hub = outbound.NewHub(logger)
	if err := a.Bus.Subscribe("outbound/ws", bus.StatusChanges(), a.Hub.Handle); err != nil {
		return nil, err
	}
	a.Webhooks = outbound.NewDispatcher(a.Store, cursors, cfg.Outbound.Webhooks, outbound.DispatcherOptions{
		Interval: cfg.Outbound.PollInterval,
		Logger:   logger,
	})

	a.Engine = engine.New(a.Outbox, a.Repo, a.Regions, cfg, logger)
	if opts.Now != nil {
		a.Engine.Now = opts.Now
	}
	ok = true
	return a, nil
}

// BuildRegions creates one adapter per configured region connector.
func BuildRegions(cfg *config.Config, now func() time.Time) (*region.Registry, error) {
	reg, err := region.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, rc := range cfg.Regions {
		var a region.Adapter
		switch strings.ToLower(rc.Kind) {
		case "simulation":
			a = simulation.New(simulation.Config{
				ID:               rc.ID,
				Country:          rc.Country,
				Decision:         region.Decision(rc.Simulation.Decision),
				IssueCredentials: rc.Simulation.IssueCredentials,
				ReadingStep:      rc.Simulation.ReadingStep,
				Latency:          rc.Simulation.Latency,
				Now:              now,
			})
		case "rest":
			ra, err := rest.New(rest.Config{
				ID:         rc.ID,
				Country:    rc.Country,
				BaseURL:    rc.BaseURL,
				Token:      rc.Token,
				Rate:       rc.Rate,
				Burst:      rc.Burst,
				MaxRetries: rc.Retries,
			})
			if err != nil {
				return nil, err
			}
			a = ra
		default:
			return nil, fmt.Errorf("region %s: unknown kind %q", rc.ID, rc.Kind)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler builds the HTTP API.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Logger: a.Logger},
		Stream:   a.Hub,
		Logger:   a.Logger,
	})
}

// Serve runs the API, the handler tickers and the webhook dispatcher until
// ctx ends, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	if a.Config.Handlers.ResyncOnStart {
		if _, err := a.Engine.Resync(ctx); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
	}
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	addr := a.Config.Server.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Handlers.Run(gctx) })
	if len(a.Config.Outbound.Webhooks) > 0 {
		g.Go(func() error { return a.Webhooks.Run(gctx) })
	}
	g.Go(func() error {
		a.Logger.Info("listening", "addr", ln.Addr().String(), "base_path", a.Config.Server.BasePath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Hub.Close()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()
	if cerr := a.Close(context.Background()); err == nil {
		err = cerr
	}
	return err
}

// Close drains the bus and releases storage.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	var errs []error
	if a.Bus != nil {
		if err := a.Bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain bus: %w", err))
		}
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
		a.DB = nil
	}
	return errors.Join(errs...)
}
