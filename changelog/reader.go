package changelog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lustre-irods/connector/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Default interval between polls
	DefaultPollInterval = time.Second
	// Default delay before polling an unavailable source again
	DefaultRetryInterval = 30 * time.Second
	// Default maximum entries per poll
	DefaultBatchLimit = 500
	// Bound on the final cursor commit during shutdown
	commitTimeout = 30 * time.Second
)

// CursorStore persists the shard cursor
type CursorStore interface {
	Cursor() uint64
	SetCursor(seq uint64) error
}

// Tracker is told about every index the reader consumes. Indices the reader
// decides not to forward are resolved right away.
type Tracker interface {
	Track(seqs []uint64)
	Resolve(seq uint64)
	Outstanding() int
}

// ReaderConfig configures a changelog reader
type ReaderConfig struct {
	MDT           string
	Source        Source
	Resolver      *Resolver
	Cursor        CursorStore
	Tracker       Tracker
	Out           chan<- ChangeRecord // Required work delivery, closed when the reader stops
	Announce      func(ChangeRecord)  // Best-effort broadcast, optional
	Drained       <-chan struct{}     // Closed once downstream has settled every result
	PollInterval  time.Duration
	RetryInterval time.Duration
	BatchLimit    int
	MaxPending    int
	Logger        *zerolog.Logger
}

// Reader polls one MDT changelog. It is the only writer of the shard cursor:
// Authorize records how far the cursor may move and the reader goroutine
// persists it, then releases the entries from the changelog.
type Reader struct {
	config     ReaderConfig
	logger     zerolog.Logger
	lastRead   atomic.Uint64
	authorized atomic.Uint64
	authCh     chan struct{}
}

// NewReader creates a reader positioned after the persisted cursor
func NewReader(config ReaderConfig) (*Reader, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("changelog source is required")
	}
	if config.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if config.Cursor == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Out == nil {
		return nil, fmt.Errorf("output channel is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	if config.MaxPending <= 0 {
		config.MaxPending = 4 * config.BatchLimit
	}

	r := &Reader{
		config: config,
		authCh: make(chan struct{}, 1),
	}
	if config.Logger != nil {
		r.logger = *config.Logger
	} else {
		r.logger = log.With().Str("mdt", config.MDT).Logger()
	}

	cursor := config.Cursor.Cursor()
	r.lastRead.Store(cursor)
	r.authorized.Store(cursor)
	return r, nil
}

// Authorize allows the cursor to advance through seq. It never blocks.
func (r *Reader) Authorize(seq uint64) {
	for {
		cur := r.authorized.Load()
		if seq <= cur {
			return
		}
		if r.authorized.CompareAndSwap(cur, seq) {
			break
		}
	}
	select {
	case r.authCh <- struct{}{}:
	default:
	}
}

// LastRead returns the highest index consumed
func (r *Reader) LastRead() uint64 {
	return r.lastRead.Load()
}

// Run polls until ctx is cancelled, then closes the output channel, waits
// for downstream to drain and persists the final cursor.
func (r *Reader) Run(ctx context.Context) error {
	r.logger.Info().
		Uint64("cursor", r.config.Cursor.Cursor()).
		Dur("poll_interval", r.config.PollInterval).
		Msg("Starting changelog reader")

	err := r.pollLoop(ctx)
	close(r.config.Out)

	if r.config.Drained != nil {
		r.logger.Info().Msg("Changelog reader stopped polling, waiting for in-flight records")
	drain:
		for {
			select {
			case <-r.config.Drained:
				break drain
			case <-r.authCh:
				r.commit()
			}
		}
	}
	r.commit()

	r.logger.Info().Uint64("cursor", r.config.Cursor.Cursor()).Msg("Changelog reader stopped")
	return err
}

func (r *Reader) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.authCh:
			r.commit()
		default:
		}

		if pending := r.config.Tracker.Outstanding(); pending >= r.config.MaxPending {
			r.logger.Debug().Int("pending", pending).Msg("Too many unresolved records, pausing changelog reads")
			if !r.wait(ctx, r.config.PollInterval) {
				return nil
			}
			continue
		}

		entries, err := r.config.Source.Receive(ctx, r.lastRead.Load()+1, r.config.BatchLimit)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			telemetry.SourceErrorsTotal.With(r.config.MDT).Inc()
			r.logger.Warn().
				Err(err).
				Uint64("from", r.lastRead.Load()+1).
				Dur("retry_in", r.config.RetryInterval).
				Msg("Failed to read changelog")
			if !r.wait(ctx, r.config.RetryInterval) {
				return nil
			}
			continue
		}

		if len(entries) > 0 {
			if err := r.process(ctx, entries); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}

		// A full poll means more entries are probably waiting
		if len(entries) < r.config.BatchLimit {
			if !r.wait(ctx, r.config.PollInterval) {
				return nil
			}
		}
	}
}

// process decodes one poll worth of entries and hands them downstream
func (r *Reader) process(ctx context.Context, entries []Entry) error {
	last := r.lastRead.Load()
	seqs := make([]uint64, 0, len(entries))
	fresh := entries[:0:0]
	for _, e := range entries {
		if e.Index == 0 {
			r.logger.Warn().Str("line", e.Line).Msg("Skipping changelog line without index")
			telemetry.RecordsSkippedTotal.With(r.config.MDT, "decode").Inc()
			continue
		}
		if e.Index <= last {
			continue
		}
		last = e.Index
		seqs = append(seqs, e.Index)
		fresh = append(fresh, e)
	}
	if len(seqs) == 0 {
		return nil
	}

	r.config.Tracker.Track(seqs)
	r.lastRead.Store(last)
	telemetry.RecordsReadTotal.With(r.config.MDT).Add(float64(len(seqs)))

	for _, e := range fresh {
		rec, ok := r.decode(ctx, e)
		if !ok {
			r.config.Tracker.Resolve(e.Index)
			continue
		}

		if r.config.Announce != nil {
			r.config.Announce(rec)
		}

		select {
		case r.config.Out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Reader) decode(ctx context.Context, e Entry) (ChangeRecord, bool) {
	raw, err := ParseEntry(e)
	if err != nil {
		r.logger.Warn().Err(err).Str("line", e.Line).Msg("Skipping undecodable changelog entry")
		telemetry.RecordsSkippedTotal.With(r.config.MDT, "decode").Inc()
		return ChangeRecord{}, false
	}

	if _, ok := raw.Op(); !ok {
		telemetry.RecordsSkippedTotal.With(r.config.MDT, "ignored").Inc()
		return ChangeRecord{}, false
	}

	rec, err := r.config.Resolver.Decode(ctx, r.config.MDT, raw)
	if err != nil {
		r.logger.Warn().Err(err).Uint64("seq", e.Index).Str("type", raw.Type).Msg("Skipping unresolvable changelog entry")
		telemetry.RecordsSkippedTotal.With(r.config.MDT, "decode").Inc()
		return ChangeRecord{}, false
	}

	r.logger.Debug().Uint64("seq", rec.Seq).Str("op", string(rec.Op)).Str("path", rec.SourcePath).Msg("Decoded changelog record")
	return rec, true
}

// commit persists the authorized cursor and releases the changelog through it
func (r *Reader) commit() {
	seq := r.authorized.Load()
	if seq <= r.config.Cursor.Cursor() {
		return
	}

	if err := r.config.Cursor.SetCursor(seq); err != nil {
		r.logger.Error().Err(err).Uint64("seq", seq).Msg("Failed to persist cursor")
		return
	}
	telemetry.CursorPosition.With(r.config.MDT).Set(float64(seq))

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	if err := r.config.Source.Clear(ctx, seq); err != nil {
		// The next commit clears through a later index and covers this one
		r.logger.Warn().Err(err).Uint64("seq", seq).Msg("Failed to clear changelog")
	}
}

// wait sleeps for d while applying cursor authorizations.
// Returns true if sleep completed, false if ctx was cancelled.
func (r *Reader) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.authCh:
			r.commit()
		case <-timer.C:
			return true
		}
	}
}
