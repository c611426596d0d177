package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/cfg"
	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/journal"
	"github.com/lustre-irods/connector/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	fidFile1 = "[0x200000402:0x1:0x0]"
	fidDir1  = "[0x200000402:0x2:0x0]"
	fidFile3 = "[0x240000402:0x3:0x0]"
	fidDir0  = "[0x200000402:0x4:0x0]"
	rootFID  = "[" + string(changelog.RootFID) + "]"
	noFID    = "[0:0x0:0x0]"

	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testShard(mdt, lustreRoot string, mappings ...cfg.RegisterMapping) cfg.ShardConfiguration {
	shard := cfg.ShardConfiguration{
		MDTName:                     mdt,
		LustreRootPath:              lustreRoot,
		IrodsResourceName:           "demoResc",
		RegisterMap:                 mappings,
		MaximumRecordsPerSQLCommand: 10,
		IrodsUpdaterThreadCount:     2,
	}
	shard.ApplyDefaults()
	return shard
}

func testOptions(t *testing.T, store *catalog.Store, sources map[string]*changelog.MemorySource) Options {
	return Options{
		DataDir: t.TempDir(),
		Store:   store,
		Sources: func(shard *cfg.ShardConfiguration) (changelog.Source, error) {
			return sources[shard.MDTName], nil
		},
		PollInterval: tick,
		RetryDelay:   tick,
		RestartDelay: tick,
	}
}

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(context.Background(), "sqlite3://"+filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	return store
}

func lustreDir(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "lustre01")
	require.NoError(t, os.Mkdir(root, 0o755))
	return root
}

// start runs o in the background; the returned func cancels it and waits
func start(t *testing.T, o *Orchestrator) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("connector did not stop")
		}
	}
}

func waitExists(t *testing.T, store *catalog.Store, p string, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		ok, err := store.Exists(context.Background(), p)
		return err == nil && ok == want
	}, waitFor, tick, "waiting for %s exists=%v", p, want)
}

func waitCursor(t *testing.T, o *Orchestrator, mdt string, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, ok := o.Instance(mdt)
		return ok && inst.Stats().Cursor >= seq
	}, waitFor, tick, "waiting for %s cursor %d", mdt, seq)
}

func TestConnector_FileLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	store := openStore(t)
	defer store.Close()

	src := changelog.NewMemorySource()
	shard := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	o := NewOrchestrator([]cfg.ShardConfiguration{shard}, testOptions(t, store, map[string]*changelog.MemorySource{shard.MDTName: src}))
	stop := start(t, o)

	ctx := context.Background()

	// Create file1
	file1 := filepath.Join(lustre, "file1")
	require.NoError(t, os.WriteFile(file1, []byte("contents of file1"), 0o644))
	src.Add("CREAT", "t="+fidFile1, "p="+rootFID, "file1")
	src.Add("CLOSE", "t="+fidFile1)
	waitExists(t, store, "/tempZone/lustre01/file1", true)

	content, err := store.ReadContent(ctx, "/tempZone/lustre01/file1")
	require.NoError(t, err)
	assert.Equal(t, "contents of file1", string(content))

	// Append a line
	f, err := os.OpenFile(file1, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\nline2")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	seq := src.Add("CLOSE", "t="+fidFile1)
	waitCursor(t, o, shard.MDTName, seq)

	e, err := store.Stat(ctx, "/tempZone/lustre01/file1")
	require.NoError(t, err)
	assert.Equal(t, int64(len("contents of file1\nline2")), e.Size)
	content, err = store.ReadContent(ctx, "/tempZone/lustre01/file1")
	require.NoError(t, err)
	assert.Equal(t, "contents of file1\nline2", string(content))

	// Move into dir1 as file2, then rename dir1 to dir2
	require.NoError(t, os.Mkdir(filepath.Join(lustre, "dir1"), 0o755))
	src.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")
	require.NoError(t, os.Rename(file1, filepath.Join(lustre, "dir1", "file2")))
	src.Add("RENME", "t="+noFID, "p="+fidDir1, "file2", "s="+fidFile1, "sp="+rootFID, "file1")
	require.NoError(t, os.Rename(filepath.Join(lustre, "dir1"), filepath.Join(lustre, "dir2")))
	seq = src.Add("RENME", "t="+noFID, "p="+rootFID, "dir2", "s="+fidDir1, "sp="+rootFID, "dir1")
	waitCursor(t, o, shard.MDTName, seq)

	waitExists(t, store, "/tempZone/lustre01/dir2/file2", true)
	for _, gone := range []string{"/tempZone/lustre01/file1", "/tempZone/lustre01/dir1", "/tempZone/lustre01/dir1/file2"} {
		ok, err := store.Exists(ctx, gone)
		require.NoError(t, err)
		assert.False(t, ok, gone)
	}
	content, err = store.ReadContent(ctx, "/tempZone/lustre01/dir2/file2")
	require.NoError(t, err)
	assert.Equal(t, "contents of file1\nline2", string(content))

	// Remove dir2 recursively
	require.NoError(t, os.RemoveAll(filepath.Join(lustre, "dir2")))
	src.Add("UNLNK", "t="+fidFile1, "p="+fidDir1, "file2")
	seq = src.Add("RMDIR", "t="+fidDir1, "p="+rootFID, "dir2")
	waitCursor(t, o, shard.MDTName, seq)
	waitExists(t, store, "/tempZone/lustre01/dir2", false)
	waitExists(t, store, "/tempZone/lustre01/dir2/file2", false)

	stats := o.ShardStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Failures)

	stop()
	assert.Equal(t, seq, src.Cleared())
	assert.Empty(t, o.ShardStats())
}

func TestConnector_MultiShardIsolation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	store := openStore(t)
	defer store.Close()

	dir1 := filepath.Join(lustre, "dir1")
	require.NoError(t, os.Mkdir(dir1, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "file3"), []byte("on mdt1"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(lustre, "dir0"), 0o755))

	// MDT0000 owns the filesystem except dir1, which MDT0001 maps elsewhere
	shard0 := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/mdt0"})
	shard0.ExcludePatterns = []string{dir1, dir1 + "/**"}
	shard1 := testShard("lustre01-MDT0001", lustre, cfg.RegisterMapping{LustrePath: dir1, IrodsPath: "/tempZone/mdt1"})

	src0 := changelog.NewMemorySource()
	src1 := changelog.NewMemorySource()
	src1.SetPath("0x200000402:0x2:0x0", dir1)

	o := NewOrchestrator([]cfg.ShardConfiguration{shard0, shard1}, testOptions(t, store, map[string]*changelog.MemorySource{
		shard0.MDTName: src0,
		shard1.MDTName: src1,
	}))
	stop := start(t, o)

	// Both changelogs see the directory, only MDT0001 holds the file
	src0.Add("MKDIR", "t="+fidDir0, "p="+rootFID, "dir0")
	last0 := src0.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")
	last1 := src1.Add("CREAT", "t="+fidFile3, "p="+fidDir1, "file3")

	waitCursor(t, o, shard0.MDTName, last0)
	waitCursor(t, o, shard1.MDTName, last1)

	waitExists(t, store, "/tempZone/mdt0/dir0", true)
	waitExists(t, store, "/tempZone/mdt1/file3", true)
	for _, never := range []string{"/tempZone/mdt0/dir1", "/tempZone/mdt0/dir1/file3"} {
		ok, err := store.Exists(context.Background(), never)
		require.NoError(t, err)
		assert.False(t, ok, never)
	}

	// A stalled MDT0000 changelog does not hold MDT0001 back
	src0.SetUnavailable(true)
	require.NoError(t, os.WriteFile(filepath.Join(dir1, "file4"), []byte("x"), 0o644))
	last1 = src1.Add("CREAT", "t=[0x240000402:0x5:0x0]", "p="+fidDir1, "file4")
	waitCursor(t, o, shard1.MDTName, last1)
	waitExists(t, store, "/tempZone/mdt1/file4", true)

	src0.SetUnavailable(false)
	stop()
}

// silentInvoker stands for policy hooks that never answer
type silentInvoker struct {
	calls atomic.Int64
}

func (s *silentInvoker) Invoke(ctx context.Context, c catalog.Change) error {
	s.calls.Add(1)
	<-ctx.Done()
	return fmt.Errorf("%w: no reply for seq %d: %v", catalog.ErrTransient, c.Seq, ctx.Err())
}

func (s *silentInvoker) Close() error { return nil }

func TestConnector_StalledCatalogIsContained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	dsn := "sqlite3://" + filepath.Join(t.TempDir(), "catalog.db")

	stalled := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/mdt0"})
	stalled.IrodsAPIUpdateType = cfg.UpdatePolicy
	stalled.MessageReceiveTimeoutMsec = 20
	stalled.MaximumCallRetries = 1
	stalled.MaximumRedeliveryAttempts = 1
	healthy := testShard("lustre01-MDT0001", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/mdt1"})
	healthy.CatalogDSN = dsn

	src0 := changelog.NewMemorySource()
	src1 := changelog.NewMemorySource()
	invoker := &silentInvoker{}

	opts := testOptions(t, nil, map[string]*changelog.MemorySource{
		stalled.MDTName: src0,
		healthy.MDTName: src1,
	})
	opts.Invokers = func(shard *cfg.ShardConfiguration) (catalog.Invoker, error) {
		if shard.MDTName != stalled.MDTName {
			return nil, fmt.Errorf("unexpected policy shard %s", shard.MDTName)
		}
		return invoker, nil
	}
	o := NewOrchestrator([]cfg.ShardConfiguration{stalled, healthy}, opts)
	stop := start(t, o)

	src0.Add("MKDIR", "t="+fidDir0, "p="+rootFID, "dir0")
	src0.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")
	src1.Add("MKDIR", "t="+fidDir0, "p="+rootFID, "dir0")
	last := src1.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")

	// MDT0000 keeps waiting on its hooks while MDT0001 commits everything
	require.Eventually(t, func() bool {
		inst, ok := o.Instance(stalled.MDTName)
		return ok && inst.Stats().Failures > 0
	}, waitFor, tick)
	waitCursor(t, o, healthy.MDTName, last)

	inst, ok := o.Instance(stalled.MDTName)
	require.True(t, ok)
	assert.Equal(t, uint64(0), inst.Stats().Cursor)
	assert.Positive(t, invoker.calls.Load())
	stop()

	assert.Equal(t, uint64(0), src0.Cleared())
	assert.Equal(t, last, src1.Cleared())

	store, err := catalog.Open(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()
	for _, p := range []string{"/tempZone/mdt1/dir0", "/tempZone/mdt1/dir1"} {
		ok, err := store.Exists(context.Background(), p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestConnector_FailingShardIsContained(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(lustre, "file1"), []byte("x"), 0o644))
	dsn := "sqlite3://" + filepath.Join(t.TempDir(), "catalog.db")

	broken := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	broken.CatalogDSN = "sqlite3://" + filepath.Join(t.TempDir(), "missing", "catalog.db")
	healthy := testShard("lustre01-MDT0001", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	healthy.CatalogDSN = dsn

	src0 := changelog.NewMemorySource()
	src1 := changelog.NewMemorySource()
	src0.Add("CREAT", "t="+fidFile1, "p="+rootFID, "file1")
	last := src1.Add("CREAT", "t="+fidFile1, "p="+rootFID, "file1")

	o := NewOrchestrator([]cfg.ShardConfiguration{broken, healthy}, testOptions(t, nil, map[string]*changelog.MemorySource{
		broken.MDTName:  src0,
		healthy.MDTName: src1,
	}))
	stop := start(t, o)

	waitCursor(t, o, healthy.MDTName, last)
	_, running := o.Instance(broken.MDTName)
	assert.False(t, running)
	stop()

	assert.Equal(t, uint64(0), src0.Cleared())
	assert.Equal(t, last, src1.Cleared())

	store, err := catalog.Open(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()
	ok, err := store.Exists(context.Background(), "/tempZone/lustre01/file1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConnector_ResumesFromCursor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	store := openStore(t)
	defer store.Close()

	src := changelog.NewMemorySource()
	shard := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	opts := testOptions(t, store, map[string]*changelog.MemorySource{shard.MDTName: src})

	src.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")
	first := src.Add("MKDIR", "t="+fidDir0, "p="+rootFID, "dir0")

	o := NewOrchestrator([]cfg.ShardConfiguration{shard}, opts)
	stop := start(t, o)
	waitCursor(t, o, shard.MDTName, first)
	stop()

	// Removing dir1 from the catalog shows whether it is replayed
	require.NoError(t, store.Apply(context.Background(), catalog.Change{Op: changelog.OpRmdir, Path: "/tempZone/lustre01/dir1"}))
	// A fresh resolver knows no FIDs and asks the changelog source
	src.SetPath("0x200000402:0x4:0x0", filepath.Join(lustre, "dir0"))
	last := src.Add("MKDIR", "t=[0x200000402:0x9:0x0]", "p="+fidDir0, "sub")

	o = NewOrchestrator([]cfg.ShardConfiguration{shard}, opts)
	stop = start(t, o)
	waitCursor(t, o, shard.MDTName, last)
	waitExists(t, store, "/tempZone/lustre01/dir0/sub", true)
	stop()

	ok, err := store.Exists(context.Background(), "/tempZone/lustre01/dir1")
	require.NoError(t, err)
	assert.False(t, ok, "committed record was replayed")

	j, err := journal.Open(opts.journalDir(shard.MDTName))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, last, j.Cursor())
}

func TestConnector_ReplayAfterLostCursor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	store := openStore(t)
	defer store.Close()

	shard := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	history := func() (*changelog.MemorySource, uint64) {
		src := changelog.NewMemorySource()
		src.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")
		src.Add("CREAT", "t="+fidFile1, "p="+fidDir1, "f")
		last := src.Add("RENME", "t="+noFID, "p="+rootFID, "dir2", "s="+fidDir1, "sp="+rootFID, "dir1")
		return src, last
	}

	require.NoError(t, os.MkdirAll(filepath.Join(lustre, "dir2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(lustre, "dir2", "f"), []byte("x"), 0o644))

	src, last := history()
	o := NewOrchestrator([]cfg.ShardConfiguration{shard}, testOptions(t, store, map[string]*changelog.MemorySource{shard.MDTName: src}))
	stop := start(t, o)
	waitCursor(t, o, shard.MDTName, last)
	stop()
	waitExists(t, store, "/tempZone/lustre01/dir2/f", true)

	// The catalog kept the batch but the cursor was lost before it was
	// saved: a fresh journal reads the same records from the start
	src, last = history()
	o = NewOrchestrator([]cfg.ShardConfiguration{shard}, testOptions(t, store, map[string]*changelog.MemorySource{shard.MDTName: src}))
	stop = start(t, o)
	waitCursor(t, o, shard.MDTName, last)

	stats := o.ShardStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Failures)
	stop()

	ctx := context.Background()
	for p, want := range map[string]bool{
		"/tempZone/lustre01/dir1":   false,
		"/tempZone/lustre01/dir1/f": false,
		"/tempZone/lustre01/dir2":   true,
		"/tempZone/lustre01/dir2/f": true,
	} {
		ok, err := store.Exists(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, want, ok, p)
	}
	e, err := store.Stat(ctx, "/tempZone/lustre01/dir2/f")
	require.NoError(t, err)
	assert.Equal(t, "0x200000402:0x1:0x0", e.EntityID)
}

func TestInstance_Broadcasts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	store := openStore(t)
	defer store.Close()

	src := changelog.NewMemorySource()
	shard := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	inst, err := Open(context.Background(), &shard, testOptions(t, store, map[string]*changelog.MemorySource{shard.MDTName: src}))
	require.NoError(t, err)
	assert.Equal(t, shard.MDTName, inst.MDT())

	signals, unsubscribe := inst.Subscribe(notify.Filter{})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	src.Add("MKDIR", "t="+fidDir1, "p="+rootFID, "dir1")

	var sawChange, sawUpdate bool
	timeout := time.After(waitFor)
	for !sawChange || !sawUpdate {
		select {
		case sig := <-signals:
			switch sig.Topic {
			case notify.TopicChangelog:
				rec, ok := sig.Payload.(changelog.ChangeRecord)
				require.True(t, ok)
				assert.Equal(t, changelog.OpMkdir, rec.Op)
				assert.Equal(t, uint64(1), sig.Seq)
				sawChange = true
			case notify.TopicUpdates:
				a, ok := sig.Payload.(BatchAnnouncement)
				require.True(t, ok)
				assert.Equal(t, 1, a.Succeeded)
				assert.Equal(t, uint64(1), a.Watermark)
				sawUpdate = true
			}
		case <-timeout:
			t.Fatal("missing broadcasts")
		}
	}

	cancel()
	require.NoError(t, <-done)

	// Stopping the instance closes its subscriptions
	for range signals {
	}
}

func TestOrchestrator_ConfigErrorAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lustre := lustreDir(t)
	store := openStore(t)
	defer store.Close()

	good := testShard("lustre01-MDT0000", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	bad := testShard("lustre01-MDT0001", lustre, cfg.RegisterMapping{LustrePath: lustre, IrodsPath: "/tempZone/lustre01"})
	bad.ChangelogReaderBroadcastAddress = "kafka:///lustre"

	o := NewOrchestrator([]cfg.ShardConfiguration{good, bad}, testOptions(t, store, map[string]*changelog.MemorySource{
		good.MDTName: changelog.NewMemorySource(),
		bad.MDTName:  changelog.NewMemorySource(),
	}))

	done := make(chan error, 1)
	go func() { done <- o.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, cfg.IsConfigError(err))
	case <-time.After(waitFor):
		t.Fatal("configuration error did not stop the connector")
	}
}

func TestOpen_InvalidShard(t *testing.T) {
	shard := testShard("lustre01-MDT0000", "/lustre01")
	_, err := Open(context.Background(), &shard, Options{DataDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, cfg.IsConfigError(err))
}
