package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/dispatch"
	"github.com/rs/zerolog"
)

func init() {
	RegisterStrategy(StrategyPolicy, func(opts Options) (Strategy, error) {
		return NewPolicy(opts)
	})
}

// Policy hands every record to the catalog's policy hooks, which decide how
// it is registered
type Policy struct {
	invoker catalog.Invoker
	opts    Options
	caller  *caller
	logger  zerolog.Logger
}

// NewPolicy creates the policy strategy. Close closes the invoker.
func NewPolicy(opts Options) (*Policy, error) {
	if opts.Invoker == nil {
		return nil, errors.New("policy update strategy needs a hook invoker")
	}
	opts.applyDefaults()

	logger := opts.logger(StrategyPolicy)
	return &Policy{
		invoker: opts.Invoker,
		opts:    opts,
		caller:  &caller{mdt: opts.MDT, strategy: StrategyPolicy, opts: opts, logger: logger},
		logger:  logger,
	}, nil
}

// Name implements Strategy
func (p *Policy) Name() string {
	return StrategyPolicy
}

// Close implements Strategy
func (p *Policy) Close() error {
	return p.invoker.Close()
}

// Apply implements Strategy
func (p *Policy) Apply(ctx context.Context, batch dispatch.Batch) dispatch.Result {
	out := newOutcomes(batch)

	for _, rec := range batch.Records {
		if out.blocked(rec) {
			continue
		}

		c := change(p.opts.MDT, rec)
		err := p.caller.call(ctx, fmt.Sprintf("seq %d", rec.Seq()), func(ctx context.Context) error {
			return p.invoker.Invoke(ctx, c)
		})
		if err != nil && !catalog.IsStructural(err) {
			p.logger.Warn().Err(err).Uint64("seq", rec.Seq()).Str("path", rec.Path).Msg("Policy hook unavailable, record will be redelivered")
		}
		out.settle(rec, err)
	}

	return out.result()
}
