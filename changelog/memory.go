package changelog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemorySource is an in-process changelog, used for tests and dry runs.
// Entries are appended with Add and numbered from 1.
type MemorySource struct {
	mu          sync.Mutex
	entries     []Entry
	cleared     uint64
	paths       map[FID]string
	unavailable bool
	now         func() time.Time
}

// NewMemorySource creates an empty in-memory changelog
func NewMemorySource() *MemorySource {
	return &MemorySource{
		paths: make(map[FID]string),
		now:   time.Now,
	}
}

// Add appends a record of the given type, e.g.
// Add("CREAT", "t=[0x200000402:0x2:0x0]", "p=[0x200000007:0x1:0x0]", "file1")
// and returns its index.
func (m *MemorySource) Add(typ string, fields ...string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := uint64(len(m.entries)) + 1
	m.entries = append(m.entries, Entry{Index: index, Line: FormatEntry(index, typ, m.now(), fields...)})
	return index
}

// AddLine appends a raw line, which does not need to be well formed
func (m *MemorySource) AddLine(line string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := uint64(len(m.entries)) + 1
	m.entries = append(m.entries, Entry{Index: index, Line: line})
	return index
}

// SetPath registers the answer FidToPath gives for fid
func (m *MemorySource) SetPath(fid FID, p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[fid] = p
}

// SetUnavailable makes every Receive and Clear fail with ErrSourceUnavailable
func (m *MemorySource) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// Cleared returns the highest index released with Clear
func (m *MemorySource) Cleared() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleared
}

// Last returns the index of the newest entry
func (m *MemorySource) Last() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.entries))
}

// Receive implements Source
func (m *MemorySource) Receive(ctx context.Context, fromSeq uint64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return nil, ErrSourceUnavailable
	}
	if fromSeq <= m.cleared {
		fromSeq = m.cleared + 1
	}
	if fromSeq == 0 {
		fromSeq = 1
	}

	out := make([]Entry, 0, limit)
	for i := fromSeq; i <= uint64(len(m.entries)) && len(out) < limit; i++ {
		out = append(out, m.entries[i-1])
	}
	return out, nil
}

// Clear implements Source
func (m *MemorySource) Clear(ctx context.Context, throughSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return ErrSourceUnavailable
	}
	if throughSeq > m.cleared {
		m.cleared = throughSeq
	}
	return nil
}

// FidToPath implements PathLookup
func (m *MemorySource) FidToPath(ctx context.Context, fid FID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.paths[fid]; ok {
		return p, nil
	}
	return "", fmt.Errorf("no path for fid %s", fid)
}

// Close implements Source
func (m *MemorySource) Close() error {
	return nil
}
