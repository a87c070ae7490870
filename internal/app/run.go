package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"dhtsync/internal/adjuster"
	"dhtsync/internal/config"
	db "dhtsync/internal/db"
	httpapi "dhtsync/internal/httpapi"
	"dhtsync/internal/journal"
	"dhtsync/internal/journal/migrate"
	mirror "dhtsync/internal/modules/mirror"
	"dhtsync/internal/simulator"
	"dhtsync/internal/syncengine"
)

type Options struct {
	// SimulateEvery, when set, writes a synthetic sample to the store at
	// this interval.
	SimulateEvery time.Duration
}

// Run serves the mirror over HTTP and journals it until ctx is done or one
// of its components fails.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"storeBackend", cfg.StoreBackend,
		"journalPath", cfg.Path,
		"samplePath", cfg.SamplePath,
		"thresholdPath", cfg.ThresholdPath,
		"modePath", cfg.ModePath,
		"writeTimeout", cfg.WriteTimeout,
		"confirmPolicy", cfg.ConfirmPolicy,
		"adjustPolicy", cfg.AdjustPolicy,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(dbConn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()
	if err := migrate.Run(ctx, dbConn, logger); err != nil {
		return err
	}

	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("store close", "error", closeErr)
		}
	}()
	logger.Info("store connected", "backend", cfg.StoreBackend)

	engine := syncengine.New(store,
		syncengine.WithLogger(logger),
		syncengine.WithPaths(cfg.Paths()),
		syncengine.WithWriteTimeout(cfg.WriteTimeout),
		syncengine.WithConfirmPolicy(cfg.ConfirmPolicy),
	)
	adj := adjuster.New(store, engine,
		adjuster.WithLogger(logger),
		adjuster.WithPolicy(cfg.AdjustPolicy),
		adjuster.WithPath(cfg.ThresholdPath),
		adjuster.WithTimeout(cfg.WriteTimeout),
	)
	repo := journal.NewRepository(dbConn)
	recorder := journal.NewRecorder(repo, logger)

	mux := httpapi.NewMux(dbConn)
	mirror.RegisterFeature(mux, engine, adj, repo)
	srv := httpapi.NewServer(cfg, mux, logger)

	g, gctx := errgroup.WithContext(ctx)
	// Streams end with the process rather than holding Shutdown open.
	srv.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error { return ignoreCanceled(engine.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(adj.Run(gctx)) })
	g.Go(func() error {
		sub := engine.Subscribe(gctx)
		defer sub.Close()
		return ignoreCanceled(recorder.Run(gctx, sub))
	})
	if opts.SimulateEvery > 0 {
		sim := simulator.New(store, cfg.SamplePath, opts.SimulateEvery, logger)
		g.Go(func() error { return ignoreCanceled(sim.Run(gctx)) })
	}
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("http shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
