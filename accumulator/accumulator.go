// Package accumulator merges batch results of one shard into cursor
// decisions. The cursor may only move through a contiguous run of resolved
// records: a later success never retires an earlier record that is still in
// flight or failed.
package accumulator

import (
	"context"
	"sync"

	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/dispatch"
	"github.com/lustre-irods/connector/journal"
	"github.com/lustre-irods/connector/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FailureStore keeps failed and rejected records for operators
type FailureStore interface {
	RecordFailure(entry journal.FailureEntry) (journal.FailureEntry, error)
	ClearFailure(seq uint64) error
	Failures(limit int) ([]journal.FailureEntry, error)
	FailureCount() int
}

// Config configures an accumulator
type Config struct {
	MDT      string
	Base     uint64           // Committed cursor at start, everything up to it is resolved
	Failures FailureStore     // Optional
	Commit   func(seq uint64) // Receives cursor authorizations, must not block
	Logger   *zerolog.Logger
}

// Accumulator tracks every changelog index read by a shard until it is
// resolved, and authorizes the cursor through the longest resolved prefix
type Accumulator struct {
	config Config
	logger zerolog.Logger

	mu         sync.Mutex
	order      []uint64            // Tracked indices in read order, front is the oldest unresolved
	open       map[uint64]struct{} // Tracked and not resolved
	maxTracked uint64
	committed  uint64
	journaled  map[uint64]struct{} // Indices with a failure entry from this or an earlier run

	drained chan struct{}
}

// New creates an accumulator
func New(config Config) *Accumulator {
	a := &Accumulator{
		config:     config,
		open:       make(map[uint64]struct{}),
		maxTracked: config.Base,
		committed:  config.Base,
		journaled:  make(map[uint64]struct{}),
		drained:    make(chan struct{}),
	}
	if config.Logger != nil {
		a.logger = config.Logger.With().Str("component", "accumulator").Logger()
	} else {
		a.logger = log.With().Str("mdt", config.MDT).Str("component", "accumulator").Logger()
	}

	if config.Failures != nil {
		entries, err := config.Failures.Failures(config.Failures.FailureCount() + 1)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to load failure journal")
		}
		for _, e := range entries {
			a.journaled[e.Seq] = struct{}{}
		}
		if len(entries) > 0 {
			a.logger.Warn().
				Int("records", len(entries)).
				Uint64("first_seq", entries[0].Seq).
				Str("first_error", entries[0].Error).
				Msg("Failure journal holds records from earlier runs")
		}
		telemetry.FailureJournalSize.With(config.MDT).Set(float64(config.Failures.FailureCount()))
	}
	return a
}

// Track registers indices read from the changelog, in increasing order
func (a *Accumulator) Track(seqs []uint64) {
	a.mu.Lock()
	for _, seq := range seqs {
		if seq <= a.maxTracked {
			continue
		}
		a.order = append(a.order, seq)
		a.open[seq] = struct{}{}
		a.maxTracked = seq
	}
	pending := len(a.open)
	a.mu.Unlock()

	telemetry.PendingRecords.With(a.config.MDT).Set(float64(pending))
}

// Resolve marks seq as settled: applied, rejected, or never forwarded
func (a *Accumulator) Resolve(seq uint64) {
	a.mu.Lock()
	delete(a.open, seq)
	commit, ok := a.advance()
	pending := len(a.open)
	a.mu.Unlock()

	telemetry.PendingRecords.With(a.config.MDT).Set(float64(pending))
	if ok && a.config.Commit != nil {
		a.config.Commit(commit)
	}
}

// advance drops the resolved prefix and returns a new watermark if it moved
func (a *Accumulator) advance() (uint64, bool) {
	n := 0
	for n < len(a.order) {
		if _, open := a.open[a.order[n]]; open {
			break
		}
		n++
	}
	if n > 0 {
		copy(a.order, a.order[n:])
		a.order = a.order[:len(a.order)-n]
	}

	watermark := a.maxTracked
	if len(a.order) > 0 {
		watermark = a.order[0] - 1
	}
	if watermark <= a.committed {
		return 0, false
	}
	a.committed = watermark
	return watermark, true
}

// Outstanding returns the number of tracked indices not resolved yet
func (a *Accumulator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// Committed returns the highest index authorized so far
func (a *Accumulator) Committed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// Drained is closed when Run returns
func (a *Accumulator) Drained() <-chan struct{} {
	return a.drained
}

// Run consumes batch results until results is closed or ctx is cancelled
func (a *Accumulator) Run(ctx context.Context, results <-chan dispatch.Result) error {
	defer close(a.drained)

	for {
		select {
		case res, ok := <-results:
			if !ok {
				a.logger.Info().
					Uint64("committed", a.Committed()).
					Int("unresolved", a.Outstanding()).
					Msg("Result accumulator drained")
				return nil
			}
			a.Accumulate(res)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Accumulate applies one batch result
func (a *Accumulator) Accumulate(res dispatch.Result) {
	var (
		failed   []uint64
		firstErr string
		resolved []uint64
	)

	for _, o := range res.Outcomes {
		seq := o.Seq()
		switch o.Status {
		case dispatch.StatusSucceeded:
			a.clearFailure(seq)
			resolved = append(resolved, seq)

		case dispatch.StatusRejected:
			a.recordFailure(o, journal.StatusRejected)
			resolved = append(resolved, seq)
			if firstErr == "" {
				firstErr = o.Err
			}
			failed = append(failed, seq)

		case dispatch.StatusFailed:
			a.recordFailure(o, journal.StatusFailed)
			if firstErr == "" {
				firstErr = o.Err
			}
			failed = append(failed, seq)

		case dispatch.StatusRetry:
			// Redelivered by the dispatcher, still open
		}
	}

	for _, seq := range resolved {
		a.Resolve(seq)
	}

	if len(failed) > 0 {
		a.logger.Warn().
			Uint64("batch", res.BatchID).
			Int("failed", len(failed)).
			Uints64("seqs", failed).
			Str("first_error", firstErr).
			Msg("Batch finished with failed records")
	}
}

func (a *Accumulator) recordFailure(o dispatch.Outcome, status string) {
	rec := o.Record
	a.logger.Warn().
		Uint64("seq", rec.Seq()).
		Str("op", string(rec.Op)).
		Str("path", rec.Path).
		Str("status", status).
		Int("attempts", o.Attempts).
		Str("error", o.Err).
		Msg("Change record not applied")

	if a.config.Failures == nil {
		return
	}

	entry, err := a.config.Failures.RecordFailure(journal.FailureEntry{
		Seq:        rec.Seq(),
		Op:         string(rec.Op),
		EntityID:   rec.Change.EntityID,
		SourcePath: sourcePath(rec.Change),
		DestPath:   rec.Change.DestPath,
		Status:     status,
		Error:      o.Err,
		Attempts:   o.Attempts,
	})
	if err != nil {
		a.logger.Error().Err(err).Uint64("seq", rec.Seq()).Msg("Failed to journal failed record")
		return
	}
	if entry.FirstSeen.Before(entry.LastSeen) {
		a.logger.Warn().
			Uint64("seq", entry.Seq).
			Int("attempts", entry.Attempts).
			Time("first_seen", entry.FirstSeen).
			Msg("Change record keeps failing")
	}

	a.mu.Lock()
	a.journaled[rec.Seq()] = struct{}{}
	a.mu.Unlock()
	telemetry.FailureJournalSize.With(a.config.MDT).Set(float64(a.config.Failures.FailureCount()))
}

func (a *Accumulator) clearFailure(seq uint64) {
	if a.config.Failures == nil {
		return
	}

	a.mu.Lock()
	_, ok := a.journaled[seq]
	delete(a.journaled, seq)
	a.mu.Unlock()
	if !ok {
		return
	}

	if err := a.config.Failures.ClearFailure(seq); err != nil {
		a.logger.Error().Err(err).Uint64("seq", seq).Msg("Failed to clear journaled failure")
		return
	}
	a.logger.Info().Uint64("seq", seq).Msg("Previously failed record applied")
	telemetry.FailureJournalSize.With(a.config.MDT).Set(float64(a.config.Failures.FailureCount()))
}

func sourcePath(rec changelog.ChangeRecord) string {
	if rec.SourcePath != "" {
		return rec.SourcePath
	}
	return rec.Name
}
