package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"billingsync/internal/catalog"
	"billingsync/internal/config"
	"billingsync/internal/db"
	httpapi "billingsync/internal/http"
	"billingsync/internal/services"
	"billingsync/internal/stripegw"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("load .env failed")
		}
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("ensure schema failed")
	}

	cat, err := catalog.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("plan catalog invalid")
	}

	var gw stripegw.Gateway
	if cfg.StripeSecretKey != "" {
		client, err := stripegw.NewClient(cfg.StripeSecretKey, cfg.GatewayTimeout())
		if err != nil {
			log.Fatal().Err(err).Msg("stripe client init failed")
		}
		gw = client
	} else {
		log.Warn().Msg("stripe not configured, customer actions disabled")
		gw = stripegw.Disabled{}
	}

	svc := services.New(pool, cat, gw, cfg)

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		pruned, err := svc.PruneProcessedEvents(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("prune processed events failed")
			return
		}
		if pruned > 0 {
			log.Info().Int64("pruned", pruned).Msg("processed events pruned")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule prune failed")
	}
	c.Start()
	defer c.Stop()

	server := httpapi.NewServer(svc, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}
