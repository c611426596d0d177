package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lustre-irods/connector/admin"
	"github.com/lustre-irods/connector/cfg"
	"github.com/lustre-irods/connector/connector"
	"github.com/lustre-irods/connector/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const metricsCollectInterval = 5 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	closeLog, err := setupLogging()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log.Info().Msg("Lustre changelog to iRODS connector")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator := connector.NewOrchestrator(cfg.Config.Shard, connector.Options{
		DataDir: cfg.Config.DataDir,
	})

	collector := telemetry.NewMetricsCollector(orchestrator, metricsCollectInterval)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Config.Admin.Address != "" {
		server := admin.NewServer(
			admin.NewAdminHandlers(orchestrator),
			cfg.Config.Admin.Secret,
			telemetry.GetMetricsHandler(),
		)
		if err := server.Listen(cfg.Config.Admin.Address); err != nil {
			log.Error().Err(err).Msg("Failed to start admin server")
			return
		}
		g.Go(func() error {
			return server.Serve(gctx)
		})
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Int("shards", len(cfg.Config.Shard)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Connector is operational")

	g.Go(func() error {
		return orchestrator.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Connector exited with error")
		closeLog()
		os.Exit(1)
	}
	log.Info().Msg("Connector shut down cleanly")
}

// setupLogging configures the global logger from the logging section and
// returns a func closing the log file, if any
func setupLogging() (func(), error) {
	var (
		writer  io.Writer = os.Stderr
		closeFn           = func() {}
	)

	if cfg.Config.Logging.File != "" {
		f, err := os.OpenFile(cfg.Config.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writer = f
		closeFn = func() { f.Close() }
	}

	if cfg.Config.Logging.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, NoColor: cfg.Config.Logging.File != ""}
	}

	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
	return closeFn, nil
}
