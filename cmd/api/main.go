package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pagecollab/internal/app"
	"pagecollab/internal/broadcast"
	"pagecollab/internal/collab"
	"pagecollab/internal/config"
	"pagecollab/internal/events"
	"pagecollab/internal/logging"
	"pagecollab/internal/query"
	"pagecollab/internal/schema"
	"pagecollab/internal/search"
	"pagecollab/internal/session"
	"pagecollab/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "info", "json")
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Fatal().Err(err).Msg("schema compile failed")
	}
	entities := store.NewEntityStore(db, validator)

	sessionOpts := session.Options{
		Timeout:       cfg.SessionTimeout,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
	}
	queryOpts := query.Options{
		LatestTTL:  cfg.LatestCacheTTL,
		VersionTTL: cfg.VersionCacheTTL,
		Logger:     logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		mirror, err := session.NewRedisMirror(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer mirror.Close()
		sessionOpts.Mirror = mirror

		cache, err := query.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer cache.Close()
		queryOpts.Cache = cache
		logger.Info().Msg("using redis for page cache and presence")
	}

	sessions := session.NewManager(sessionOpts)
	channel := broadcast.New(sessions, broadcast.Options{Logger: logger})
	engine := collab.NewEngine(entities, collab.Options{LogSize: cfg.StepLogSize, Logger: logger})
	pages := query.NewService(entities, queryOpts)

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		index = meili
	}
	searchService := search.NewService(index, search.NewSQLSearch(entities), entities, logger)

	var dispatcher *events.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka connection failed")
		}
		defer producer.Close()
		dispatcher = events.NewDispatcher(producer, cfg.KafkaTopic, events.Options{
			QueueSize: cfg.EventQueueSize,
			Workers:   cfg.EventWorkers,
			MaxRetry:  5,
			Logger:    logger,
		})
	}

	service := app.New(cfg, app.Deps{
		Entities:  entities,
		Engine:    engine,
		Sessions:  sessions,
		Broadcast: channel,
		Pages:     pages,
		Search:    searchService,
		Events:    dispatcher,
		Logger:    logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Msg("pagecollab api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return sessions.Run(groupCtx)
	})
	group.Go(func() error {
		return engine.Run(groupCtx, cfg.SweepInterval, cfg.PageIdleTTL)
	})
	if dispatcher != nil {
		group.Go(func() error {
			return dispatcher.Run(groupCtx)
		})
	}
	group.Go(func() error {
		service.Reindex(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped")
		return
	}
	logger.Info().Msg("shutdown complete")
}
