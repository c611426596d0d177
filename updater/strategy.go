// Package updater applies dispatched batches to the catalog. A fixed pool
// of workers runs one Strategy, chosen by name at startup: "direct" writes
// the catalog tables in bulk, "policy" hands each record to the catalog's
// policy hooks.
package updater

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/dispatch"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/lustre-irods/connector/translate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Strategy names accepted by irods_api_update_type
	StrategyDirect = "direct"
	StrategyPolicy = "policy"

	// Default records per catalog transaction
	DefaultChunkSize = 50
	// Default timeout of one catalog call
	DefaultCallTimeout = 10 * time.Second
	// Default ceiling of the backoff between call retries
	DefaultRetryMax = 5 * time.Second
	// Default retries of a failed catalog call
	DefaultMaxRetries = 3
)

// Strategy applies one batch and reports an outcome for every record
type Strategy interface {
	Name() string
	Apply(ctx context.Context, batch dispatch.Batch) dispatch.Result
	Close() error
}

// Options configures a strategy
type Options struct {
	MDT         string
	Store       *catalog.Store  // Required by direct
	Invoker     catalog.Invoker // Required by policy
	ChunkSize   int             // Records per catalog transaction (direct)
	CallTimeout time.Duration   // Bound on a single catalog call
	RetryMax    time.Duration   // Backoff ceiling between retries of a call
	MaxRetries  int             // Retries after the first attempt
	Logger      *zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

func (o *Options) logger(strategy string) zerolog.Logger {
	if o.Logger != nil {
		return o.Logger.With().Str("strategy", strategy).Logger()
	}
	return log.With().Str("mdt", o.MDT).Str("component", "updater").Str("strategy", strategy).Logger()
}

// Factory creates a strategy from options
type Factory func(Options) (Strategy, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// RegisterStrategy registers a strategy factory under name
func RegisterStrategy(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// NewStrategy creates the strategy registered under name
func NewStrategy(name string, opts Options) (Strategy, error) {
	factoryMu.RLock()
	factory, exists := factories[name]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown update strategy: %s", name)
	}

	opts.applyDefaults()
	return factory(opts)
}

// Strategies returns the registered strategy names
func Strategies() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// caller runs catalog calls with a timeout per attempt and exponential
// backoff between attempts. Structural errors are not retried.
type caller struct {
	mdt      string
	strategy string
	opts     Options
	logger   zerolog.Logger
}

func (c *caller) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	if b.InitialInterval > c.opts.RetryMax {
		b.InitialInterval = c.opts.RetryMax
	}
	b.MaxInterval = c.opts.RetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)
}

func (c *caller) call(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := backoff.RetryNotify(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && catalog.IsStructural(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.policy(ctx), func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Str("call", what).Dur("wait", wait).Msg("Catalog call failed, retrying")
	})

	result := "ok"
	switch {
	case err == nil:
	case catalog.IsStructural(err):
		result = "rejected"
	default:
		result = "error"
	}
	telemetry.CatalogCallSeconds.With(c.mdt, c.strategy, result).Observe(time.Since(start).Seconds())
	return err
}

// change builds the catalog change for a translated record
func change(mdt string, rec translate.Record) catalog.Change {
	c := catalog.Change{
		MDT:              mdt,
		Seq:              rec.Seq(),
		Op:               rec.Op,
		Path:             rec.Path,
		PhysicalPath:     rec.PhysicalPath,
		DestPath:         rec.DestPath,
		DestPhysicalPath: rec.DestPhysical,
		Resource:         rec.Resource,
		EntityID:         rec.Change.EntityID,
		Directory:        rec.Directory(),
	}

	switch rec.Op {
	case changelog.OpCreate, changelog.OpModify:
		c.Size = fileSize(rec.PhysicalPath)
	case changelog.OpRename, changelog.OpLink:
		c.Size = fileSize(rec.DestPhysical)
	case changelog.OpRmdir:
		// The tree left the register map in one step
		c.Recursive = rec.Degraded
	}
	return c
}

func fileSize(p string) int64 {
	if p == "" {
		return 0
	}
	fi, err := os.Stat(p)
	if err != nil || fi.IsDir() {
		return 0
	}
	return fi.Size()
}

// outcomes collects per-record results of one batch and tracks the
// lineages that must not be attempted any more
type outcomes struct {
	res    dispatch.Result
	failed map[uint64]struct{}
}

func newOutcomes(batch dispatch.Batch) *outcomes {
	return &outcomes{
		res:    dispatch.Result{BatchID: batch.ID, Outcomes: make([]dispatch.Outcome, 0, len(batch.Records))},
		failed: make(map[uint64]struct{}),
	}
}

// blocked reports whether rec follows a record of its lineage that was not
// applied. A blocked record is reported for retry and blocks its own keys.
func (o *outcomes) blocked(rec translate.Record) bool {
	keys, _ := dispatch.Keys(rec)
	for _, k := range keys {
		if _, ok := o.failed[k]; ok {
			o.hold(keys)
			o.add(rec, dispatch.StatusRetry, "not attempted, an earlier record of its lineage was not applied")
			return true
		}
	}
	return false
}

func (o *outcomes) hold(keys []uint64) {
	for _, k := range keys {
		o.failed[k] = struct{}{}
	}
}

func (o *outcomes) add(rec translate.Record, status dispatch.Status, msg string) {
	o.res.Outcomes = append(o.res.Outcomes, dispatch.Outcome{Record: rec, Status: status, Err: msg})
}

// settle records the outcome of applying rec with err
func (o *outcomes) settle(rec translate.Record, err error) {
	switch {
	case err == nil:
		o.add(rec, dispatch.StatusSucceeded, "")
	case catalog.IsStructural(err):
		o.add(rec, dispatch.StatusRejected, err.Error())
	default:
		keys, _ := dispatch.Keys(rec)
		o.hold(keys)
		o.add(rec, dispatch.StatusRetry, err.Error())
	}
}

func (o *outcomes) result() dispatch.Result {
	o.res.ComputeWatermark()
	return o.res
}
