package connector

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lustre-irods/connector/cfg"
	"github.com/lustre-irods/connector/journal"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRestartDelay is the first wait before a failed shard is restarted
	DefaultRestartDelay = time.Second
	// maxRestartDelay caps the wait between restarts of a shard that keeps failing
	maxRestartDelay = time.Minute
)

// Orchestrator runs one Instance per shard. Shards share nothing but the
// process: a failing shard is restarted on its own and never stops the
// others. Only configuration errors end Run early.
type Orchestrator struct {
	shards    []*cfg.ShardConfiguration
	opts      Options
	instances *xsync.MapOf[string, *Instance]
}

// NewOrchestrator creates an orchestrator for shards
func NewOrchestrator(shards []cfg.ShardConfiguration, opts Options) *Orchestrator {
	o := &Orchestrator{
		shards:    make([]*cfg.ShardConfiguration, len(shards)),
		opts:      opts,
		instances: xsync.NewMapOf[string, *Instance](),
	}
	for i := range shards {
		shard := shards[i]
		o.shards[i] = &shard
	}
	if o.opts.RestartDelay <= 0 {
		o.opts.RestartDelay = DefaultRestartDelay
	}
	return o
}

// Run starts every shard and blocks until ctx is cancelled and every shard
// has drained, or until a shard reports a configuration error.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().Int("shards", len(o.shards)).Msg("Starting connector")

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range o.shards {
		g.Go(func() error {
			return o.runShard(gctx, shard)
		})
	}
	err := g.Wait()

	telemetry.ShardsRunning.Set(0)
	if err != nil {
		log.Error().Err(err).Msg("Connector stopped")
		return err
	}
	log.Info().Msg("Connector stopped")
	return nil
}

// runShard keeps one shard running until ctx is cancelled
func (o *Orchestrator) runShard(ctx context.Context, shard *cfg.ShardConfiguration) error {
	logger := log.With().Str("mdt", shard.MDTName).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RestartDelay
	b.MaxInterval = maxRestartDelay
	b.MaxElapsedTime = 0
	delays := backoff.WithContext(b, ctx)

	for {
		started := time.Now()
		inst, err := Open(ctx, shard, o.opts)
		if err == nil {
			o.instances.Store(shard.MDTName, inst)
			telemetry.ShardsRunning.Set(float64(o.instances.Size()))

			err = inst.Run(ctx)

			o.instances.Delete(shard.MDTName)
			telemetry.ShardsRunning.Set(float64(o.instances.Size()))
		}

		if ctx.Err() != nil {
			return nil
		}
		if cfg.IsConfigError(err) {
			return err
		}
		// A shard that ran for a while starts over with short delays
		if time.Since(started) > maxRestartDelay {
			b.Reset()
		}

		delay := delays.NextBackOff()
		if delay == backoff.Stop {
			return nil
		}
		telemetry.ShardRestartsTotal.Inc()
		logger.Warn().Err(err).Dur("restart_in", delay).Msg("Shard pipeline failed, restarting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// Instance returns the running instance of mdt
func (o *Orchestrator) Instance(mdt string) (*Instance, bool) {
	return o.instances.Load(mdt)
}

// ShardStats implements telemetry.ShardLister
func (o *Orchestrator) ShardStats() []telemetry.ShardStats {
	stats := make([]telemetry.ShardStats, 0, o.instances.Size())
	o.instances.Range(func(_ string, inst *Instance) bool {
		stats = append(stats, inst.Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].MDT < stats[j].MDT })
	return stats
}

// ShardFailures returns the failure journal entries of a running shard
func (o *Orchestrator) ShardFailures(mdt string, limit int) ([]journal.FailureEntry, bool, error) {
	inst, ok := o.instances.Load(mdt)
	if !ok {
		return nil, false, nil
	}
	entries, err := inst.Failures(limit)
	return entries, true, err
}
