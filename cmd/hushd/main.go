// Command hushd runs the hush vault server: an encrypted message store
// that holds only ciphertext and defends its single authentication
// endpoint with a configurable escalation policy.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thefeshin/hush-sub000/internal/config"
	"github.com/thefeshin/hush-sub000/internal/defense"
	"github.com/thefeshin/hush-sub000/internal/server"
	"github.com/thefeshin/hush-sub000/internal/store"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "hush.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", Version).Str("config", *configPath).Msg("hushd starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.Close()

	if cleared, err := st.CleanupExpiredBlocks(time.Now()); err != nil {
		log.Warn().Err(err).Msg("Failed to clean up expired IP blocks")
	} else if cleared > 0 {
		log.Info().Int64("cleared", cleared).Msg("Expired IP blocks removed")
	}

	sm := defense.New(defense.Policy{
		MaxFailures: cfg.Defense.MaxAuthFailures,
		Mode:        defense.Mode(cfg.Defense.FailureMode),
		BlockWindow: time.Duration(cfg.Defense.IPBlockMinutes) * time.Minute,
		PanicMode:   cfg.Defense.PanicMode,
	}, st, st)

	events, err := server.NewEventPublisher(cfg.Events.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Events.NATSURL).Msg("Failed to connect to NATS")
	}
	defer events.Close()

	srv, err := server.New(cfg, st, sm, events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server")
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if cfg.Defense.PanicMode {
		log.Warn().Msg("PANIC MODE is armed: the next authentication failure wipes the database")
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("hushd shutdown complete")
}
