package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/storyvote/storyvote/internal/api/http"
	"github.com/storyvote/storyvote/internal/application/lobby"
	"github.com/storyvote/storyvote/internal/config"
	"github.com/storyvote/storyvote/internal/domain/session"
	"github.com/storyvote/storyvote/internal/infrastructure/postgres"
	"github.com/storyvote/storyvote/internal/infrastructure/storyfile"
	"github.com/storyvote/storyvote/internal/infrastructure/timer"
	"github.com/storyvote/storyvote/internal/infrastructure/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stdout).Level(cfg.LogLevel).With().Timestamp().Logger()

	library, err := storyfile.Load(cfg.StoriesDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.StoriesDir).Msg("failed to load stories")
	}
	logger.Info().Int("stories", len(library.List())).Msg("story library loaded")

	ctx := context.Background()

	// history archive is optional
	var archive session.HistoryRepository
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool, "internal/migrations"); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		archive = postgres.NewHistoryRepository(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set, session histories will not be archived")
	}

	// infrastructure
	hub := ws.NewHub(cfg.AllowedOrigins, logger)

	// services
	lobbySvc := lobby.NewService(hub, lobby.Options{
		Library:   library,
		Scheduler: timer.NewScheduler(),
		Archive:   archive,
		Defaults: session.Settings{
			MaxParticipants:      cfg.MaxParticipants,
			VotingTimeout:        cfg.VotingTimeout,
			AutoAdvanceThreshold: cfg.AutoAdvanceThreshold,
			PauseOnDisconnect:    cfg.PauseOnDisconnect,
		},
		InactivityWindow: cfg.InactivityWindow,
	}, logger)
	hub.SetHandler(lobbySvc)

	// API server
	apiServer := httpapi.NewServer(lobbySvc, hub, logger)

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// background loops
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go lobbySvc.RunSweeper(sweepCtx, cfg.SweepInterval)

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopSweeper()
	if err := lobbySvc.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("lobby shutdown incomplete")
	}
	hub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
}
