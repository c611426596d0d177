package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lustre-irods/connector/telemetry"
	"github.com/lustre-irods/connector/translate"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Default flush timeout for partially filled batches
	DefaultFlushInterval = 200 * time.Millisecond
	// Default batch size ceiling
	DefaultMaxBatch = 200
	// Default number of redeliveries before a record is reported failed.
	// A failed record stays queued and is attempted again every RetryDelay.
	DefaultMaxRedeliveries = 3
)

// Config configures a dispatcher
type Config struct {
	MDT             string
	Lanes           int           // Maximum batches in flight, one per updater worker
	MaxBatch        int           // Records per batch ceiling
	FlushInterval   time.Duration // Flush timeout for partially filled batches
	RetryDelay      time.Duration // Wait before redelivering a record
	MaxRedeliveries int
	Logger          *zerolog.Logger
}

type entry struct {
	rec       translate.Record
	keys      []uint64
	barrier   bool
	attempts  int
	notBefore time.Time
	parked    bool // Redelivery exhausted, retried every RetryDelay until it resolves
}

type flight struct {
	entries []*entry
	keys    []uint64
	barrier bool
}

// building is a batch being assembled during one scheduling pass
type building struct {
	entries []*entry
	keys    map[uint64]struct{}
}

func (b *building) claims(keys []uint64) bool {
	for _, k := range keys {
		if _, ok := b.keys[k]; ok {
			return true
		}
	}
	return false
}

// Dispatcher batches translated records. It owns the pending queue and the
// set of lineages held by in-flight batches; both are only touched by the
// Run goroutine.
type Dispatcher struct {
	config  Config
	logger  zerolog.Logger
	work    chan Batch
	done    chan Result
	results chan Result

	pending []*entry
	flights map[uint64]*flight
	busy    map[uint64]struct{}
	barrier  bool
	draining bool
	nextID   uint64
	now      func() time.Time
}

// New creates a dispatcher
func New(config Config) *Dispatcher {
	if config.Lanes <= 0 {
		config.Lanes = 1
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = DefaultMaxBatch
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.MaxRedeliveries < 0 {
		config.MaxRedeliveries = 0
	}

	d := &Dispatcher{
		config:  config,
		work:    make(chan Batch, config.Lanes),
		done:    make(chan Result, config.Lanes),
		results: make(chan Result, config.Lanes),
		flights: make(map[uint64]*flight),
		busy:    make(map[uint64]struct{}),
		now:     time.Now,
	}
	if config.Logger != nil {
		d.logger = *config.Logger
	} else {
		d.logger = log.With().Str("mdt", config.MDT).Str("component", "dispatcher").Logger()
	}
	return d
}

// Work returns the batches to apply. It is closed when the dispatcher stops.
func (d *Dispatcher) Work() <-chan Batch {
	return d.work
}

// Done is where workers report applied batches
func (d *Dispatcher) Done() chan<- Result {
	return d.done
}

// Results returns settled batch results. It is closed when the dispatcher stops.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Run schedules records from in until in is closed and every in-flight
// batch has settled. Once in is closed failed records are not attempted
// again. Records still waiting at that point are abandoned; they were never
// resolved, so the cursor stays below them.
func (d *Dispatcher) Run(ctx context.Context, in <-chan translate.Record) error {
	defer close(d.results)
	defer close(d.work)

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		if in == nil && len(d.flights) == 0 {
			if d.schedule(true) == 0 {
				d.abandon()
				return nil
			}
			continue
		}

		select {
		case rec, ok := <-in:
			if !ok {
				d.logger.Debug().Int("pending", len(d.pending)).Msg("Input closed, draining")
				in = nil
				d.draining = true
				d.schedule(true)
				continue
			}
			d.enqueue(rec)
			if len(d.pending) >= d.config.MaxBatch && len(d.flights) < d.config.Lanes {
				d.schedule(false)
			}

		case res := <-d.done:
			res = d.complete(res)
			select {
			case d.results <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
			d.schedule(true)

		case <-ticker.C:
			d.schedule(true)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) enqueue(rec translate.Record) {
	keys, barrier := Keys(rec)
	d.pending = append(d.pending, &entry{rec: rec, keys: keys, barrier: barrier})
}

// schedule assembles batches from the pending queue and hands them to the
// pool. Partially filled batches are only sent when flush is set. Returns
// the number of batches sent.
func (d *Dispatcher) schedule(flush bool) int {
	if d.barrier || len(d.pending) == 0 || len(d.flights) >= d.config.Lanes {
		return 0
	}

	now := d.now()
	blocked := make(map[uint64]struct{})
	var open []*building
	taken := make(map[*entry]bool)
	var barrierEntry *entry

	isBlocked := func(keys []uint64) bool {
		for _, k := range keys {
			if _, ok := d.busy[k]; ok {
				return true
			}
			if _, ok := blocked[k]; ok {
				return true
			}
		}
		return false
	}
	block := func(keys []uint64) {
		for _, k := range keys {
			blocked[k] = struct{}{}
		}
	}

	for i, e := range d.pending {
		if e.barrier {
			// A barrier runs alone once everything before it has settled
			if i == 0 && len(d.flights) == 0 && !now.Before(e.notBefore) {
				barrierEntry = e
			}
			break
		}

		if now.Before(e.notBefore) || isBlocked(e.keys) || (e.parked && d.draining) {
			block(e.keys)
			continue
		}

		var target *building
		conflicts := 0
		for _, b := range open {
			if b.claims(e.keys) {
				target = b
				conflicts++
			}
		}

		switch {
		case conflicts > 1:
			// Joins two lineages that are already split across batches
			block(e.keys)
			continue
		case conflicts == 1:
			if len(target.entries) >= d.config.MaxBatch {
				block(e.keys)
				continue
			}
		default:
			target = nil
			if n := len(open); n > 0 && len(open[n-1].entries) < d.config.MaxBatch {
				target = open[n-1]
			} else if len(d.flights)+len(open) < d.config.Lanes {
				target = &building{keys: make(map[uint64]struct{})}
				open = append(open, target)
			} else {
				block(e.keys)
				continue
			}
		}

		target.entries = append(target.entries, e)
		for _, k := range e.keys {
			target.keys[k] = struct{}{}
		}
		taken[e] = true
	}

	sent := 0
	if barrierEntry != nil {
		d.send([]*entry{barrierEntry}, true)
		taken[barrierEntry] = true
		sent++
	} else {
		for _, b := range open {
			if !flush && len(b.entries) < d.config.MaxBatch {
				for _, e := range b.entries {
					delete(taken, e)
				}
				continue
			}
			d.send(b.entries, false)
			sent++
		}
	}

	if sent > 0 {
		remaining := d.pending[:0]
		for _, e := range d.pending {
			if !taken[e] {
				remaining = append(remaining, e)
			}
		}
		for i := len(remaining); i < len(d.pending); i++ {
			d.pending[i] = nil
		}
		d.pending = remaining
	}
	return sent
}

func (d *Dispatcher) send(entries []*entry, barrier bool) {
	d.nextID++
	f := &flight{entries: entries, barrier: barrier}
	records := make([]translate.Record, len(entries))
	for i, e := range entries {
		records[i] = e.rec
		for _, k := range e.keys {
			if _, ok := d.busy[k]; !ok {
				d.busy[k] = struct{}{}
				f.keys = append(f.keys, k)
			}
		}
	}
	d.flights[d.nextID] = f
	if barrier {
		d.barrier = true
	}

	telemetry.BatchesDispatchedTotal.With(d.config.MDT).Inc()
	telemetry.BatchSize.With(d.config.MDT).Observe(float64(len(records)))
	d.logger.Debug().
		Uint64("batch", d.nextID).
		Int("records", len(records)).
		Uint64("first_seq", records[0].Seq()).
		Bool("barrier", barrier).
		Msg("Dispatching batch")

	// Never blocks: work has one slot per lane and at most Lanes batches fly
	d.work <- Batch{ID: d.nextID, Records: records}
}

// complete settles a batch result: records to retry go back to the pending
// queue before the batch's lineages are released, so later records of the
// same lineage cannot overtake them.
func (d *Dispatcher) complete(res Result) Result {
	f, ok := d.flights[res.BatchID]
	if !ok {
		d.logger.Warn().Uint64("batch", res.BatchID).Msg("Result for unknown batch")
		return res
	}
	delete(d.flights, res.BatchID)

	bySeq := make(map[uint64]int, len(res.Outcomes))
	for i, o := range res.Outcomes {
		bySeq[o.Seq()] = i
	}
	for _, e := range f.entries {
		if _, ok := bySeq[e.rec.Seq()]; !ok {
			bySeq[e.rec.Seq()] = len(res.Outcomes)
			res.Outcomes = append(res.Outcomes, Outcome{Record: e.rec, Status: StatusRetry, Err: "no outcome reported"})
		}
	}

	var requeue []*entry
	for _, e := range f.entries {
		o := &res.Outcomes[bySeq[e.rec.Seq()]]
		o.Attempts = e.attempts + 1
		if o.Status != StatusRetry {
			continue
		}
		if e.attempts >= d.config.MaxRedeliveries {
			// Reported failed on every exhausted round, but kept queued
			o.Status = StatusFailed
			if o.Err == "" {
				o.Err = fmt.Sprintf("not applied after %d attempts", o.Attempts)
			}
			if !e.parked {
				d.logger.Warn().
					Uint64("seq", e.rec.Seq()).
					Str("op", string(e.rec.Op)).
					Str("path", e.rec.Path).
					Int("attempts", o.Attempts).
					Str("error", o.Err).
					Dur("retry_every", d.config.RetryDelay).
					Msg("Record failed, redelivery exhausted")
			}
			e.parked = true
		}
		e.attempts++
		e.notBefore = d.now().Add(d.config.RetryDelay)
		requeue = append(requeue, e)
	}

	if len(requeue) > 0 {
		d.pending = append(d.pending, requeue...)
		sort.SliceStable(d.pending, func(i, j int) bool {
			return d.pending[i].rec.Seq() < d.pending[j].rec.Seq()
		})
		d.logger.Debug().Int("records", len(requeue)).Dur("delay", d.config.RetryDelay).Msg("Scheduled records for redelivery")
	}

	for _, k := range f.keys {
		delete(d.busy, k)
	}
	if f.barrier {
		d.barrier = false
	}

	for status, n := range res.Counts() {
		telemetry.RecordsAppliedTotal.With(d.config.MDT, string(status)).Add(float64(n))
	}
	res.ComputeWatermark()
	return res
}

func (d *Dispatcher) abandon() {
	if len(d.pending) == 0 {
		return
	}
	d.logger.Warn().
		Int("records", len(d.pending)).
		Uint64("first_seq", d.pending[0].rec.Seq()).
		Msg("Abandoning records awaiting redelivery, they are read again after restart")
	d.pending = nil
}
