package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relqueue/relqueue/internal/api"
	"github.com/relqueue/relqueue/internal/config"
	"github.com/relqueue/relqueue/internal/gateway"
	"github.com/relqueue/relqueue/internal/queue"
	pgstore "github.com/relqueue/relqueue/internal/queue/store/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.NewConsoleWriter())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parse database url")
	}
	poolCfg.MaxConns = cfg.DBMaxConns

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("pgxpool.NewWithConfig")
	}
	defer pool.Close()

	if err := pool.Ping(connectCtx); err != nil {
		log.Fatal().Err(err).Msg("pgx ping")
	}

	gw := gateway.New(pool)
	store := pgstore.New(gw)

	engine := queue.NewEngine(store,
		queue.WithUnackWindow(cfg.UnackWindow),
		queue.WithUnackSweepInterval(cfg.UnackSweepInterval),
		queue.WithPollBackoff(cfg.PollBackoff),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, engine)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		engine.Start(gCtx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		engine.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
}
