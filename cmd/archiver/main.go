package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/archive"
	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/logging"
	"github.com/whisper/rendezvous/internal/messaging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("nats_url", cfg.NATS.URL).Msg("starting rendezvous archiver")

	// Postgres setup.
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open postgres")
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	cancelPing()

	if cfg.Postgres.Migrate {
		if err := archive.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "rendezvous-archiver"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := archive.NewConsumer(archive.NewStore(db))
	if err := natsClient.SubscribeArchive(func(data []byte) {
		consumer.Handle(ctx, data)
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to archive events")
	}

	log.Info().Msg("archiver running, waiting for events")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down archiver")

	natsClient.Close()
	cancel()
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("postgres close")
	}
}
