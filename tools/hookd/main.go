package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/cfg"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Config is what hookd needs to answer policy requests
type Config struct {
	CatalogDSN string
	NATSURL    string
	Subject    string
	Resources  []string
	Timeout    time.Duration
	Verbose    bool
}

func (c *Config) Validate() error {
	if c.CatalogDSN == "" {
		return fmt.Errorf("catalog cannot be empty")
	}
	if _, _, err := catalog.ParseDSN(c.CatalogDSN); err != nil {
		return err
	}
	if c.NATSURL == "" {
		return fmt.Errorf("nats cannot be empty")
	}
	if c.Subject == "" {
		c.Subject = catalog.DefaultHookSubject
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func main() {
	c, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if c.Verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, nil); err != nil {
		log.Error().Err(err).Msg("Hook server failed")
		os.Exit(1)
	}
}

// parseConfig reads the command line. Settings left unset come from the
// shard document given with --shard, the same one the connector reads.
func parseConfig(args []string) (*Config, error) {
	c := &Config{}
	var shardPath, resources string
	var showVersion bool

	fs := flag.NewFlagSet("hookd", flag.ContinueOnError)
	fs.StringVar(&shardPath, "shard", "", "Shard configuration document to take catalog and NATS settings from")
	fs.StringVar(&c.CatalogDSN, "catalog", "", "Catalog DSN (sqlite3://, mysql://, postgres://)")
	fs.StringVar(&c.NATSURL, "nats", "", "NATS server URL")
	fs.StringVar(&c.Subject, "subject", "", "Policy request subject (default: "+catalog.DefaultHookSubject+")")
	fs.StringVar(&resources, "resources", "", "Comma separated storage resources to accept, empty for any")
	fs.DurationVar(&c.Timeout, "timeout", 30*time.Second, "Bound on applying one change")
	fs.BoolVar(&c.Verbose, "verbose", false, "Log every refused change")
	fs.BoolVar(&showVersion, "version", false, "Print version")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `hookd - catalog-side policy hooks for the connector

Answers the policy requests of shards running irods_api_update_type = "policy"
with policy_nats_url set, applying each change to the catalog.

Usage:
  hookd [options]

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), `
Examples:
  hookd --catalog=postgres://irods:secret@db/ICAT --nats=nats://127.0.0.1:4222
  hookd --shard=lustre01-MDT0000.toml
`)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if showVersion {
		fmt.Printf("hookd version %s\n", version)
		return nil, flag.ErrHelp
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	for _, r := range strings.Split(resources, ",") {
		if r = strings.TrimSpace(r); r != "" {
			c.Resources = append(c.Resources, r)
		}
	}

	if shardPath != "" {
		shard, err := cfg.LoadShard(shardPath)
		if err != nil {
			return nil, err
		}
		if c.CatalogDSN == "" {
			c.CatalogDSN = shard.CatalogDSN
		}
		if c.NATSURL == "" {
			c.NATSURL = shard.PolicyNATSURL
		}
		if c.Subject == "" {
			c.Subject = shard.PolicySubject
		}
		if len(c.Resources) == 0 && shard.IrodsResourceName != "" {
			c.Resources = []string{shard.IrodsResourceName}
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// run serves policy requests until ctx is done, then drains the requests
// in flight. ready, when set, is closed once the subscription is live.
func run(ctx context.Context, c *Config, ready chan<- struct{}) error {
	store, err := catalog.Open(ctx, c.CatalogDSN)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer store.Close()

	closed := make(chan struct{})
	nc, err := nats.Connect(c.NATSURL,
		nats.Name("hookd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	handler := catalog.NewHookHandler(store, c.Resources...)
	if _, err := catalog.ServeHooks(nc, c.Subject, handler, c.Timeout); err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.Subject, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return err
	}

	log.Info().
		Str("catalog", store.Dialect()).
		Str("subject", c.Subject).
		Strs("resources", c.Resources).
		Msg("Serving policy hooks")
	if ready != nil {
		close(ready)
	}

	select {
	case <-ctx.Done():
	case <-closed:
		return errors.New("NATS connection closed")
	}

	log.Info().Msg("Draining policy requests")
	if err := nc.Drain(); err != nil {
		nc.Close()
		return err
	}
	<-closed
	return nil
}
