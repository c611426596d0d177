package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/dispatch"
	"github.com/lustre-irods/connector/translate"
	"github.com/rs/zerolog"
)

func init() {
	RegisterStrategy(StrategyDirect, func(opts Options) (Strategy, error) {
		return NewDirect(opts)
	})
}

// Direct writes batches straight into the catalog tables. A batch is split
// into chunks of ChunkSize records, each applied in one transaction, with
// consecutive creates registered by a single multi-row insert.
type Direct struct {
	store  *catalog.Store
	opts   Options
	caller *caller
	logger zerolog.Logger
}

// NewDirect creates the direct strategy
func NewDirect(opts Options) (*Direct, error) {
	if opts.Store == nil {
		return nil, errors.New("direct update strategy needs a catalog store")
	}
	opts.applyDefaults()

	logger := opts.logger(StrategyDirect)
	return &Direct{
		store:  opts.Store,
		opts:   opts,
		caller: &caller{mdt: opts.MDT, strategy: StrategyDirect, opts: opts, logger: logger},
		logger: logger,
	}, nil
}

// Name implements Strategy
func (d *Direct) Name() string {
	return StrategyDirect
}

// Close implements Strategy. The store is owned by the caller.
func (d *Direct) Close() error {
	return nil
}

// Apply implements Strategy
func (d *Direct) Apply(ctx context.Context, batch dispatch.Batch) dispatch.Result {
	out := newOutcomes(batch)

	chunk := make([]translate.Record, 0, d.opts.ChunkSize)
	for _, rec := range batch.Records {
		if out.blocked(rec) {
			continue
		}
		chunk = append(chunk, rec)
		if len(chunk) == d.opts.ChunkSize {
			d.applyChunk(ctx, chunk, out)
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		d.applyChunk(ctx, chunk, out)
	}

	return out.result()
}

// applyChunk applies records in one transaction. When the catalog refuses
// one of them the chunk is replayed one record per transaction so the
// others still land.
func (d *Direct) applyChunk(ctx context.Context, records []translate.Record, out *outcomes) {
	changes := make([]catalog.Change, len(records))
	for i, rec := range records {
		changes[i] = change(d.opts.MDT, rec)
	}

	what := fmt.Sprintf("chunk of %d from seq %d", len(records), records[0].Seq())
	err := d.caller.call(ctx, what, func(ctx context.Context) error {
		return d.store.Tx(ctx, func(tx *catalog.Tx) error {
			return applyAll(ctx, tx, changes)
		})
	})

	switch {
	case err == nil:
		for _, rec := range records {
			out.settle(rec, nil)
		}

	case catalog.IsStructural(err):
		if len(records) == 1 {
			out.settle(records[0], err)
			return
		}
		d.logger.Debug().Err(err).Str("chunk", what).Msg("Chunk refused, applying records one by one")
		for i, rec := range records {
			if out.blocked(rec) {
				continue
			}
			c := changes[i]
			err := d.caller.call(ctx, fmt.Sprintf("seq %d", rec.Seq()), func(ctx context.Context) error {
				return d.store.Apply(ctx, c)
			})
			out.settle(rec, err)
		}

	default:
		d.logger.Warn().Err(err).Str("chunk", what).Msg("Catalog unavailable, chunk will be redelivered")
		for _, rec := range records {
			out.settle(rec, err)
		}
	}
}

// applyAll applies changes in order inside tx, batching runs of creates
func applyAll(ctx context.Context, tx *catalog.Tx, changes []catalog.Change) error {
	for i := 0; i < len(changes); {
		if changes[i].Op != changelog.OpCreate {
			if err := catalog.ApplyChange(ctx, tx, changes[i]); err != nil {
				return err
			}
			i++
			continue
		}

		j := i
		objs := make([]catalog.Object, 0, len(changes)-i)
		for ; j < len(changes) && changes[j].Op == changelog.OpCreate; j++ {
			c := changes[j]
			objs = append(objs, catalog.Object{
				Path:         c.Path,
				PhysicalPath: c.PhysicalPath,
				Resource:     c.Resource,
				Size:         c.Size,
				EntityID:     c.EntityID,
			})
		}
		if err := tx.RegisterBulk(ctx, objs); err != nil {
			return err
		}
		i = j
	}
	return nil
}
