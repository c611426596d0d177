package changelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 1, 9, 15, 15, 21, 0, time.Local)

type memCursor struct {
	mu  sync.Mutex
	seq uint64
}

func (c *memCursor) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *memCursor) SetCursor(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.seq {
		c.seq = seq
	}
	return nil
}

type fakeTracker struct {
	mu       sync.Mutex
	tracked  []uint64
	resolved []uint64
}

func (f *fakeTracker) Track(seqs []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, seqs...)
}

func (f *fakeTracker) Resolve(seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, seq)
}

func (f *fakeTracker) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracked) - len(f.resolved)
}

func (f *fakeTracker) snapshot() ([]uint64, []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.tracked...), append([]uint64(nil), f.resolved...)
}

type readerHarness struct {
	src     *MemorySource
	cursor  *memCursor
	tracker *fakeTracker
	out     chan ChangeRecord
	drained chan struct{}
	reader  *Reader
}

func newReaderHarness(t *testing.T, cursor uint64, maxPending int) *readerHarness {
	t.Helper()
	h := &readerHarness{
		src:     NewMemorySource(),
		cursor:  &memCursor{seq: cursor},
		tracker: &fakeTracker{},
		out:     make(chan ChangeRecord, 64),
		drained: make(chan struct{}),
	}
	h.src.now = func() time.Time { return fixedTime }

	resolver, err := NewResolver("/lustreResc/lustre01", 0, h.src)
	require.NoError(t, err)

	h.reader, err = NewReader(ReaderConfig{
		MDT:           "lustre01-MDT0000",
		Source:        h.src,
		Resolver:      resolver,
		Cursor:        h.cursor,
		Tracker:       h.tracker,
		Out:           h.out,
		Drained:       h.drained,
		PollInterval:  10 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
		BatchLimit:    10,
		MaxPending:    maxPending,
	})
	require.NoError(t, err)
	return h
}

func (h *readerHarness) start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.reader.Run(ctx) }()
	return errCh
}

func receive(t *testing.T, ch <-chan ChangeRecord) ChangeRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change record")
		return ChangeRecord{}
	}
}

func TestNewReader_RequiresCollaborators(t *testing.T) {
	_, err := NewReader(ReaderConfig{})
	assert.Error(t, err)
}

func TestReader_ForwardsAndSkips(t *testing.T) {
	h := newReaderHarness(t, 0, 0)
	h.src.Add("MKDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")
	h.src.AddLine("not a changelog line")
	h.src.Add("SATTR", "t="+fid(fidDir1))
	h.src.Add("CREAT", "t="+fid(fidFile1), "p="+fid(fidDir1), "file1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.start(ctx)

	rec := receive(t, h.out)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, OpMkdir, rec.Op)
	rec = receive(t, h.out)
	assert.Equal(t, uint64(4), rec.Seq)
	assert.Equal(t, "/lustreResc/lustre01/dir1/file1", rec.SourcePath)

	require.Eventually(t, func() bool {
		tracked, resolved := h.tracker.snapshot()
		return len(tracked) == 4 && len(resolved) == 2
	}, time.Second, 5*time.Millisecond)
	_, resolved := h.tracker.snapshot()
	assert.ElementsMatch(t, []uint64{2, 3}, resolved)
	assert.Equal(t, uint64(4), h.reader.LastRead())

	cancel()
	close(h.drained)
	require.NoError(t, <-errCh)

	// Output is closed once the reader stops
	_, ok := <-h.out
	assert.False(t, ok)
}

func TestReader_AuthorizeCommitsAndClears(t *testing.T) {
	h := newReaderHarness(t, 0, 0)
	for i := 0; i < 3; i++ {
		h.src.Add("MKDIR", "t=[0x200000402:0x"+string(rune('a'+i))+":0x0]", "p="+fid(RootFID), "d"+string(rune('a'+i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.start(ctx)
	for i := 0; i < 3; i++ {
		receive(t, h.out)
	}

	h.reader.Authorize(2)
	require.Eventually(t, func() bool {
		return h.cursor.Cursor() == 2 && h.src.Cleared() == 2
	}, time.Second, 5*time.Millisecond)

	// Lower authorizations never move the cursor back
	h.reader.Authorize(1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, uint64(2), h.cursor.Cursor())

	cancel()
	// Authorizations that arrive while draining are still persisted
	h.reader.Authorize(3)
	close(h.drained)
	require.NoError(t, <-errCh)
	assert.Equal(t, uint64(3), h.cursor.Cursor())
	assert.Equal(t, uint64(3), h.src.Cleared())
}

func TestReader_ResumesAfterCursor(t *testing.T) {
	h := newReaderHarness(t, 2, 0)
	h.src.Add("MKDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")
	h.src.Add("MKDIR", "t="+fid(fidSub), "p="+fid(RootFID), "dir2")
	h.src.Add("MKDIR", "t="+fid(fidFile1), "p="+fid(RootFID), "dir3")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.start(ctx)

	rec := receive(t, h.out)
	assert.Equal(t, uint64(3), rec.Seq)
	assert.Equal(t, "/lustreResc/lustre01/dir3", rec.SourcePath)

	cancel()
	close(h.drained)
	require.NoError(t, <-errCh)
	tracked, _ := h.tracker.snapshot()
	assert.Equal(t, []uint64{3}, tracked)
}

func TestReader_RetriesUnavailableSource(t *testing.T) {
	h := newReaderHarness(t, 0, 0)
	h.src.SetUnavailable(true)
	h.src.Add("MKDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.start(ctx)

	select {
	case <-h.out:
		t.Fatal("record delivered from unavailable source")
	case <-time.After(50 * time.Millisecond):
	}

	h.src.SetUnavailable(false)
	rec := receive(t, h.out)
	assert.Equal(t, uint64(1), rec.Seq)

	cancel()
	close(h.drained)
	require.NoError(t, <-errCh)
}

func TestReader_BackPressure(t *testing.T) {
	h := newReaderHarness(t, 0, 2)
	for i := 0; i < 4; i++ {
		h.src.Add("MKDIR", "t=[0x200000402:0x"+string(rune('a'+i))+":0x0]", "p="+fid(RootFID), "d"+string(rune('a'+i)))
	}
	h.reader.config.BatchLimit = 2

	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.start(ctx)

	receive(t, h.out)
	receive(t, h.out)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(2), h.reader.LastRead())

	h.tracker.Resolve(1)
	h.tracker.Resolve(2)
	receive(t, h.out)
	receive(t, h.out)
	assert.Equal(t, uint64(4), h.reader.LastRead())

	cancel()
	close(h.drained)
	require.NoError(t, <-errCh)
}
