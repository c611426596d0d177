package updater

import (
	"context"
	"errors"
	"sync"

	"github.com/lustre-irods/connector/dispatch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PoolConfig configures the updater pool of one shard
type PoolConfig struct {
	MDT      string
	Workers  int
	Strategy Strategy
	Announce func(dispatch.Result) // Best-effort broadcast of batch outcomes, optional
	Logger   *zerolog.Logger
}

// Pool runs a fixed number of workers applying batches with one strategy
type Pool struct {
	config PoolConfig
	logger zerolog.Logger
}

// NewPool creates a pool
func NewPool(config PoolConfig) (*Pool, error) {
	if config.Strategy == nil {
		return nil, errors.New("updater pool needs a strategy")
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	p := &Pool{config: config}
	if config.Logger != nil {
		p.logger = config.Logger.With().Str("component", "updater").Logger()
	} else {
		p.logger = log.With().Str("mdt", config.MDT).Str("component", "updater").Logger()
	}
	return p, nil
}

// Run applies batches from work and reports them on done until work is
// closed. A cancelled ctx stops the workers after their current batch.
func (p *Pool) Run(ctx context.Context, work <-chan dispatch.Batch, done chan<- dispatch.Result) error {
	p.logger.Info().
		Int("workers", p.config.Workers).
		Str("strategy", p.config.Strategy.Name()).
		Msg("Starting catalog updater pool")

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, work, done)
		}(i)
	}
	wg.Wait()

	p.logger.Info().Msg("Catalog updater pool stopped")
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context, id int, work <-chan dispatch.Batch, done chan<- dispatch.Result) {
	for {
		select {
		case batch, ok := <-work:
			if !ok {
				return
			}

			res := p.config.Strategy.Apply(ctx, batch)
			counts := res.Counts()
			p.logger.Debug().
				Int("worker", id).
				Uint64("batch", batch.ID).
				Int("records", len(batch.Records)).
				Int("succeeded", counts[dispatch.StatusSucceeded]).
				Int("rejected", counts[dispatch.StatusRejected]).
				Int("retry", counts[dispatch.StatusRetry]).
				Msg("Applied batch")

			if p.config.Announce != nil {
				p.config.Announce(res)
			}

			select {
			case done <- res:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
