// Package connector binds one shard's pipeline stages into an Instance and
// runs any number of independent instances under an Orchestrator.
package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lustre-irods/connector/accumulator"
	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/cfg"
	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/dispatch"
	"github.com/lustre-irods/connector/journal"
	"github.com/lustre-irods/connector/notify"
	"github.com/lustre-irods/connector/notify/sink"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/lustre-irods/connector/translate"
	"github.com/lustre-irods/connector/updater"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SourceFactory opens the changelog of one shard
type SourceFactory func(shard *cfg.ShardConfiguration) (changelog.Source, error)

// LfsSources reads changelogs with the lfs command line tool
func LfsSources(shard *cfg.ShardConfiguration) (changelog.Source, error) {
	return changelog.NewLfsSource(shard.LfsCommand, shard.MDTName, shard.ChangelogUser, shard.LustreRootPath), nil
}

// InvokerFactory connects the policy strategy of one shard to its hooks
type InvokerFactory func(shard *cfg.ShardConfiguration) (catalog.Invoker, error)

// Options are the process-wide settings shared by every instance
type Options struct {
	DataDir      string         // Journal root, cfg.Config.DataDir when empty
	Sources      SourceFactory  // LfsSources when nil
	Invokers     InvokerFactory // Policy hooks; NATS or in-process when nil
	Store        *catalog.Store // Shared catalog, never closed by an instance. Opened from catalog_dsn when nil.
	PollInterval time.Duration  // Overrides changelog_poll_interval_seconds when set
	RetryDelay   time.Duration  // Overrides irods_client_connect_failure_retry_seconds when set
	RestartDelay time.Duration  // Initial delay before restarting a failed shard
}

func (o Options) journalDir(mdt string) string {
	if o.DataDir == "" {
		return cfg.JournalPath(mdt)
	}
	return filepath.Join(o.DataDir, "journal", mdt)
}

// BatchAnnouncement is the best-effort summary of one applied batch
type BatchAnnouncement struct {
	MDT       string `msgpack:"mdt" json:"mdt"`
	BatchID   uint64 `msgpack:"batch" json:"batch"`
	Watermark uint64 `msgpack:"watermark" json:"watermark"`
	Succeeded int    `msgpack:"succeeded" json:"succeeded"`
	Rejected  int    `msgpack:"rejected" json:"rejected"`
	Retry     int    `msgpack:"retry" json:"retry"`
	Failed    int    `msgpack:"failed" json:"failed"`
}

type broadcast struct {
	announcer sink.Announcer
	encoder   sink.Encoder
}

// Instance is the pipeline of one shard: reader, translator, dispatcher,
// updater pool and accumulator, plus the shard's broadcast hub. An instance
// runs once; restarting a shard builds a new one.
type Instance struct {
	shard  *cfg.ShardConfiguration
	opts   Options
	logger zerolog.Logger

	journal     *journal.Journal
	source      changelog.Source
	store       *catalog.Store // Owned, nil when shared or unused
	strategy    updater.Strategy
	reader      *changelog.Reader
	translator  *translate.Translator
	dispatcher  *dispatch.Dispatcher
	pool        *updater.Pool
	accumulator *accumulator.Accumulator
	hub         *notify.Hub
	announcers  map[string]broadcast // topic -> external announcer

	records    chan changelog.ChangeRecord
	translated chan translate.Record

	closeOnce sync.Once
}

// Open builds the pipeline of shard. Errors in the shard document are
// returned as *cfg.ConfigError.
func Open(ctx context.Context, shard *cfg.ShardConfiguration, opts Options) (inst *Instance, err error) {
	if err := shard.Validate(); err != nil {
		return nil, err
	}

	logger := log.With().Str("mdt", shard.MDTName).Logger().Level(shard.Level())
	i := &Instance{
		shard:      shard,
		opts:       opts,
		logger:     logger,
		hub:        notify.NewHub(shard.MDTName),
		announcers: make(map[string]broadcast, 2),
	}
	defer func() {
		if err != nil {
			i.close()
		}
	}()

	table, err := translate.NewTable(shard.RegisterMap)
	if err != nil {
		return nil, &cfg.ConfigError{Source: shard.MDTName, Err: err}
	}
	filter, err := translate.NewGlobFilter(shard.ExcludePatterns)
	if err != nil {
		return nil, &cfg.ConfigError{Source: shard.MDTName, Err: err}
	}
	i.translator = translate.NewTranslator(shard.MDTName, table, filter, shard.IrodsResourceName)

	prefix := "irods.lustre." + shard.MDTName
	for topic, address := range map[string]string{
		notify.TopicChangelog: shard.ChangelogReaderBroadcastAddress,
		notify.TopicUpdates:   shard.IrodsClientBroadcastAddress,
	} {
		target, err := sink.ParseTarget(address, prefix)
		if err != nil {
			return nil, &cfg.ConfigError{Source: shard.MDTName, Err: err}
		}
		encoder, err := sink.NewEncoder(target.Format, shard.CompressBroadcast)
		if err != nil {
			return nil, &cfg.ConfigError{Source: shard.MDTName, Err: err}
		}
		a, err := sink.OpenTarget(target)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s broadcast: %w", topic, err)
		}
		if a != nil {
			i.announcers[topic] = broadcast{announcer: a, encoder: encoder}
		}
	}

	if i.journal, err = journal.Open(opts.journalDir(shard.MDTName)); err != nil {
		return nil, err
	}

	sources := opts.Sources
	if sources == nil {
		sources = LfsSources
	}
	if i.source, err = sources(shard); err != nil {
		return nil, fmt.Errorf("failed to open changelog: %w", err)
	}

	if i.strategy, err = i.openStrategy(ctx); err != nil {
		return nil, err
	}

	i.build()
	return i, nil
}

// openStrategy connects the configured update strategy to the catalog
func (i *Instance) openStrategy(ctx context.Context) (updater.Strategy, error) {
	s := i.shard
	uopts := updater.Options{
		MDT:         s.MDTName,
		ChunkSize:   s.MaximumRecordsPerSQLCommand,
		CallTimeout: time.Duration(s.MessageReceiveTimeoutMsec) * time.Millisecond,
		RetryMax:    time.Duration(s.IrodsClientConnectFailureRetrySeconds) * time.Second,
		MaxRetries:  s.MaximumCallRetries,
		Logger:      &i.logger,
	}
	if i.opts.RetryDelay > 0 {
		uopts.RetryMax = i.opts.RetryDelay
	}

	// Policy hooks behind NATS never touch the catalog from this process
	if s.IrodsAPIUpdateType == cfg.UpdatePolicy && (s.PolicyNATSURL != "" || i.opts.Invokers != nil) {
		invokers := i.opts.Invokers
		if invokers == nil {
			invokers = natsInvoker
		}
		invoker, err := invokers(s)
		if err != nil {
			return nil, err
		}
		uopts.Invoker = invoker
		return updater.NewStrategy(string(s.IrodsAPIUpdateType), uopts)
	}

	store := i.opts.Store
	if store == nil {
		var err error
		if store, err = catalog.Open(ctx, s.CatalogDSN); err != nil {
			return nil, err
		}
		i.store = store
	}
	uopts.Store = store
	if s.IrodsAPIUpdateType == cfg.UpdatePolicy {
		uopts.Invoker = catalog.NewLocalInvoker(catalog.NewHookHandler(store, s.IrodsResourceName))
	}
	return updater.NewStrategy(string(s.IrodsAPIUpdateType), uopts)
}

func natsInvoker(shard *cfg.ShardConfiguration) (catalog.Invoker, error) {
	return catalog.NewNATSInvoker(shard.PolicyNATSURL, shard.PolicySubject)
}

// build wires the stages together
func (i *Instance) build() {
	s := i.shard

	i.records = make(chan changelog.ChangeRecord, s.MaximumRecordsToReceiveFromLustreChangelog)
	i.translated = make(chan translate.Record, s.MaximumRecordsPerUpdateToIrods)

	i.accumulator = accumulator.New(accumulator.Config{
		MDT:      s.MDTName,
		Base:     i.journal.Cursor(),
		Failures: i.journal,
		// The reader is assigned below, before any result can arrive
		Commit: func(seq uint64) { i.reader.Authorize(seq) },
		Logger: &i.logger,
	})

	retryDelay := time.Duration(s.IrodsClientConnectFailureRetrySeconds) * time.Second
	if i.opts.RetryDelay > 0 {
		retryDelay = i.opts.RetryDelay
	}
	i.dispatcher = dispatch.New(dispatch.Config{
		MDT:             s.MDTName,
		Lanes:           s.IrodsUpdaterThreadCount,
		MaxBatch:        s.MaximumRecordsPerUpdateToIrods,
		FlushInterval:   time.Duration(s.BatchFlushIntervalMsec) * time.Millisecond,
		RetryDelay:      retryDelay,
		MaxRedeliveries: s.MaximumRedeliveryAttempts,
		Logger:          &i.logger,
	})

	// NewPool only fails without a strategy
	i.pool, _ = updater.NewPool(updater.PoolConfig{
		MDT:      s.MDTName,
		Workers:  s.IrodsUpdaterThreadCount,
		Strategy: i.strategy,
		Announce: i.announceResult,
		Logger:   &i.logger,
	})

	var lookup changelog.PathLookup
	if l, ok := i.source.(changelog.PathLookup); ok {
		lookup = l
	}
	resolver, _ := changelog.NewResolver(s.LustreRootPath, 0, lookup)

	pollInterval := time.Duration(s.ChangelogPollIntervalSeconds) * time.Second
	if i.opts.PollInterval > 0 {
		pollInterval = i.opts.PollInterval
	}
	i.reader, _ = changelog.NewReader(changelog.ReaderConfig{
		MDT:           s.MDTName,
		Source:        i.source,
		Resolver:      resolver,
		Cursor:        i.journal,
		Tracker:       i.accumulator,
		Out:           i.records,
		Announce:      i.announceRecord,
		Drained:       i.accumulator.Drained(),
		PollInterval:  pollInterval,
		RetryInterval: retryDelay,
		BatchLimit:    s.MaximumRecordsToReceiveFromLustreChangelog,
		MaxPending:    s.MaximumPendingRecords,
		Logger:        &i.logger,
	})
}

func (i *Instance) announceRecord(rec changelog.ChangeRecord) {
	i.hub.Signal(notify.TopicChangelog, rec.Seq, rec)
}

func (i *Instance) announceResult(res dispatch.Result) {
	counts := res.Counts()
	i.hub.Signal(notify.TopicUpdates, res.BatchID, BatchAnnouncement{
		MDT:       i.shard.MDTName,
		BatchID:   res.BatchID,
		Watermark: res.Watermark,
		Succeeded: counts[dispatch.StatusSucceeded],
		Rejected:  counts[dispatch.StatusRejected],
		Retry:     counts[dispatch.StatusRetry],
		Failed:    counts[dispatch.StatusFailed],
	})
}

// MDT returns the shard name
func (i *Instance) MDT() string {
	return i.shard.MDTName
}

// Subscribe observes the instance's broadcasts. The channel is closed when
// the instance stops.
func (i *Instance) Subscribe(filter notify.Filter) (<-chan notify.Signal, func()) {
	return i.hub.Subscribe(filter)
}

// Stats returns the current shard state
func (i *Instance) Stats() telemetry.ShardStats {
	return telemetry.ShardStats{
		MDT:      i.shard.MDTName,
		Cursor:   i.journal.Cursor(),
		Pending:  i.accumulator.Outstanding(),
		Failures: i.journal.FailureCount(),
	}
}

// Failures returns up to limit failure journal entries
func (i *Instance) Failures(limit int) ([]journal.FailureEntry, error) {
	return i.journal.Failures(limit)
}

// Run runs the pipeline until ctx is cancelled. Cancellation stops the
// reader only; records already read drain through the updater pool and the
// accumulator, and the final cursor is persisted before Run returns. The
// instance's resources are released on return.
func (i *Instance) Run(ctx context.Context) error {
	defer i.close()

	i.logger.Info().
		Str("strategy", i.strategy.Name()).
		Int("threads", i.shard.IrodsUpdaterThreadCount).
		Uint64("cursor", i.journal.Cursor()).
		Msg("Starting shard pipeline")

	// Forwarders outlive the pipeline so the last announcements go out
	var forwarders errgroup.Group
	for topic, b := range i.announcers {
		signals, _ := i.hub.Subscribe(notify.Filter{Topics: []string{topic}})
		forwarders.Go(func() error {
			return sink.Forward(context.Background(), signals, b.announcer, b.encoder)
		})
	}

	// Downstream stages are not cancelled by ctx, they stop once the reader
	// closes its output and everything read has settled
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	readCtx, cancelRead := context.WithCancel(gctx)
	defer cancelRead()
	stop := context.AfterFunc(ctx, cancelRead)
	defer stop()

	g.Go(func() error {
		return i.reader.Run(readCtx)
	})
	g.Go(func() error {
		return i.translator.Run(gctx, i.records, i.translated, i.accumulator.Resolve)
	})
	g.Go(func() error {
		return i.dispatcher.Run(gctx, i.translated)
	})
	g.Go(func() error {
		return i.pool.Run(gctx, i.dispatcher.Work(), i.dispatcher.Done())
	})
	g.Go(func() error {
		return i.accumulator.Run(gctx, i.dispatcher.Results())
	})

	err := g.Wait()

	i.hub.Close()
	if ferr := forwarders.Wait(); ferr != nil {
		i.logger.Warn().Err(ferr).Msg("Broadcast forwarder stopped")
	}

	if err != nil {
		i.logger.Error().Err(err).Uint64("cursor", i.journal.Cursor()).Msg("Shard pipeline failed")
		return err
	}
	i.logger.Info().
		Uint64("cursor", i.journal.Cursor()).
		Int("unresolved", i.accumulator.Outstanding()).
		Msg("Shard pipeline stopped")
	return nil
}

// close releases everything Open acquired
func (i *Instance) close() {
	i.closeOnce.Do(func() {
		i.hub.Close()
		for topic, b := range i.announcers {
			if err := b.announcer.Close(); err != nil {
				i.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to close announcer")
			}
		}
		if i.strategy != nil {
			if err := i.strategy.Close(); err != nil {
				i.logger.Warn().Err(err).Msg("Failed to close update strategy")
			}
		}
		if i.store != nil {
			if err := i.store.Close(); err != nil {
				i.logger.Warn().Err(err).Msg("Failed to close catalog")
			}
		}
		if i.source != nil {
			if err := i.source.Close(); err != nil {
				i.logger.Warn().Err(err).Msg("Failed to close changelog source")
			}
		}
		if i.journal != nil {
			if err := i.journal.Close(); err != nil {
				i.logger.Warn().Err(err).Msg("Failed to close journal")
			}
		}
	})
}

// Close releases an instance that was opened but never run
func (i *Instance) Close() {
	i.close()
}
