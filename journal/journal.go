// Package journal persists a shard's changelog cursor and its failure table in
// a Pebble store. The cursor value is written only by the shard's reader.
package journal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/lustre-irods/connector/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	keyCursor     = "/cursor"   // /cursor -> uint64 (last committed changelog index)
	prefixFailure = "/failure/" // /failure/{16-digit-hex-seq} -> msgpack FailureEntry
)

// Pebble configuration constants
const (
	memTableSize                = 4 << 20 // 4MB, the journal holds very little data
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const defaultFailureLimit = 100

// Failure statuses stored in the journal
const (
	StatusFailed   = "failed"   // Transient failure, holds the cursor
	StatusRejected = "rejected" // Structural failure, resolved
)

// FailureEntry is one unresolved or rejected changelog record
type FailureEntry struct {
	Seq        uint64    `msgpack:"seq" json:"seq"`
	Op         string    `msgpack:"op" json:"op"`
	EntityID   string    `msgpack:"entity_id" json:"entity_id"`
	SourcePath string    `msgpack:"source_path" json:"source_path"`
	DestPath   string    `msgpack:"dest_path,omitempty" json:"dest_path,omitempty"`
	Status     string    `msgpack:"status" json:"status"`
	Error      string    `msgpack:"error" json:"error"`
	Attempts   int       `msgpack:"attempts" json:"attempts"`
	FirstSeen  time.Time `msgpack:"first_seen" json:"first_seen"`
	LastSeen   time.Time `msgpack:"last_seen" json:"last_seen"`
}

// Journal is the per-shard persistent state
type Journal struct {
	db   *pebble.DB
	path string

	cursor   atomic.Uint64
	failures atomic.Int64

	// Serializes read-modify-write on failure entries
	failureMu sync.Mutex

	closed atomic.Bool
}

// Open creates or opens the journal stored under dir
func Open(dir string) (*Journal, error) {
	journalPath := filepath.Join(dir, "journal")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		DisableWAL:                  false,
	}

	db, err := pebble.Open(journalPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", journalPath, err)
	}

	j := &Journal{
		db:   db,
		path: journalPath,
	}

	if err := j.loadCursor(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	if err := j.countFailures(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load failure table: %w", err)
	}

	return j, nil
}

// loadCursor loads the committed cursor from Pebble
func (j *Journal) loadCursor() error {
	val, closer, err := j.db.Get([]byte(keyCursor))
	if err == pebble.ErrNotFound {
		// First run, consume the changelog from the beginning
		j.cursor.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid cursor value length: %d", len(val))
	}

	j.cursor.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (j *Journal) countFailures() error {
	prefix := []byte(prefixFailure)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var count int64
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	j.failures.Store(count)
	if count > 0 {
		log.Warn().Int64("failures", count).Str("path", j.path).Msg("Journal holds unresolved failures from a previous run")
	}
	return nil
}

// Cursor returns the last committed changelog index, 0 if none
func (j *Journal) Cursor() uint64 {
	return j.cursor.Load()
}

// SetCursor persists a new cursor. The cursor never moves backwards, a lower
// value is ignored.
func (j *Journal) SetCursor(seq uint64) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}
	if seq <= j.cursor.Load() {
		return nil
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := j.db.Set([]byte(keyCursor), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	j.cursor.Store(seq)
	return nil
}

// RecordFailure writes or updates a failure entry. An existing entry for the
// same sequence keeps its first-seen time and gets its attempt count bumped.
// The stored entry is returned.
func (j *Journal) RecordFailure(entry FailureEntry) (FailureEntry, error) {
	if j.closed.Load() {
		return entry, fmt.Errorf("journal is closed")
	}

	j.failureMu.Lock()
	defer j.failureMu.Unlock()

	now := time.Now().UTC()
	key := []byte(formatFailureKey(entry.Seq))

	prev, found, err := j.getFailure(key)
	if err != nil {
		return entry, err
	}
	if found {
		entry.FirstSeen = prev.FirstSeen
		entry.Attempts = prev.Attempts + 1
	} else {
		entry.FirstSeen = now
		if entry.Attempts == 0 {
			entry.Attempts = 1
		}
	}
	entry.LastSeen = now

	val, err := encoding.Marshal(&entry)
	if err != nil {
		return entry, fmt.Errorf("failed to marshal failure entry: %w", err)
	}
	if err := j.db.Set(key, val, pebble.Sync); err != nil {
		return entry, fmt.Errorf("failed to write failure entry: %w", err)
	}

	if !found {
		j.failures.Add(1)
	}
	return entry, nil
}

// ClearFailure removes the failure entry for seq, if any
func (j *Journal) ClearFailure(seq uint64) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}

	j.failureMu.Lock()
	defer j.failureMu.Unlock()

	key := []byte(formatFailureKey(seq))
	_, found, err := j.getFailure(key)
	if err != nil || !found {
		return err
	}
	if err := j.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete failure entry: %w", err)
	}
	j.failures.Add(-1)
	return nil
}

func (j *Journal) getFailure(key []byte) (FailureEntry, bool, error) {
	var entry FailureEntry
	val, closer, err := j.db.Get(key)
	if err == pebble.ErrNotFound {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	defer closer.Close()

	if err := encoding.Unmarshal(val, &entry); err != nil {
		return entry, false, fmt.Errorf("corrupted failure entry %s: %w", key, err)
	}
	entry.FirstSeen = entry.FirstSeen.UTC()
	entry.LastSeen = entry.LastSeen.UTC()
	return entry, true, nil
}

// Failures lists failure entries in sequence order, up to limit entries
func (j *Journal) Failures(limit int) ([]FailureEntry, error) {
	if j.closed.Load() {
		return nil, fmt.Errorf("journal is closed")
	}
	if limit <= 0 {
		limit = defaultFailureLimit
	}

	prefix := []byte(prefixFailure)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]FailureEntry, 0)
	for iter.SeekGE(prefix); iter.Valid() && len(entries) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var entry FailureEntry
		if err := encoding.Unmarshal(val, &entry); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal failure entry")
			continue
		}
		entries = append(entries, entry)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// FailureCount returns the number of entries in the failure table
func (j *Journal) FailureCount() int {
	return int(j.failures.Load())
}

// Close closes the Pebble database
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("journal already closed")
	}
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// formatFailureKey formats a sequence number as a 16-digit zero-padded key
func formatFailureKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixFailure, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
