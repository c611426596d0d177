package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/changelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	c, err := parseConfig([]string{
		"--catalog=sqlite3:///tmp/catalog.db",
		"--nats=nats://127.0.0.1:4222",
		"--resources=demoResc, lustreResc,",
		"--timeout=5s",
	})
	require.NoError(t, err)
	assert.Equal(t, "sqlite3:///tmp/catalog.db", c.CatalogDSN)
	assert.Equal(t, "nats://127.0.0.1:4222", c.NATSURL)
	assert.Equal(t, catalog.DefaultHookSubject, c.Subject)
	assert.Equal(t, []string{"demoResc", "lustreResc"}, c.Resources)
	assert.Equal(t, 5*time.Second, c.Timeout)
}

func TestParseConfig_FromShard(t *testing.T) {
	p := filepath.Join(t.TempDir(), "mdt0.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
mdtname = "lustre01-MDT0000"
lustre_root_path = "/lustre01"
irods_resource_name = "demoResc"
irods_api_update_type = "policy"
catalog_dsn = "postgres://irods:secret@db:5432/ICAT"
policy_nats_url = "nats://nats:4222"
policy_subject = "irods.lustre.mdt0"
`), 0644))

	c, err := parseConfig([]string{"--shard=" + p})
	require.NoError(t, err)
	assert.Equal(t, "postgres://irods:secret@db:5432/ICAT", c.CatalogDSN)
	assert.Equal(t, "nats://nats:4222", c.NATSURL)
	assert.Equal(t, "irods.lustre.mdt0", c.Subject)
	assert.Equal(t, []string{"demoResc"}, c.Resources)

	// Flags win over the shard document
	c, err = parseConfig([]string{"--shard=" + p, "--catalog=sqlite3://local.db", "--resources=other"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite3://local.db", c.CatalogDSN)
	assert.Equal(t, []string{"other"}, c.Resources)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no catalog", []string{"--nats=nats://127.0.0.1:4222"}},
		{"no nats", []string{"--catalog=sqlite3://catalog.db"}},
		{"unknown scheme", []string{"--catalog=oracle://db", "--nats=nats://127.0.0.1:4222"}},
		{"zero timeout", []string{"--catalog=sqlite3://catalog.db", "--nats=nats://127.0.0.1:4222", "--timeout=0s"}},
		{"extra argument", []string{"--catalog=sqlite3://catalog.db", "--nats=nats://127.0.0.1:4222", "serve"}},
		{"missing shard", []string{"--shard=/does/not/exist.toml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(tt.args)
			assert.Error(t, err)
		})
	}
}

func TestRun_CatalogUnavailable(t *testing.T) {
	c := &Config{
		CatalogDSN: "sqlite3://" + filepath.Join(t.TempDir(), "missing", "catalog.db"),
		NATSURL:    "nats://127.0.0.1:1",
		Timeout:    time.Second,
	}
	require.NoError(t, c.Validate())

	err := run(context.Background(), c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")
}

// Needs a running NATS server, e.g. NATS_URL=nats://127.0.0.1:4222
func TestRun_ServesHooks(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	dsn := "sqlite3://" + filepath.Join(t.TempDir(), "catalog.db")
	c := &Config{
		CatalogDSN: dsn,
		NATSURL:    url,
		Subject:    fmt.Sprintf("test.hookd.%d", time.Now().UnixNano()),
		Resources:  []string{"demoResc"},
		Timeout:    time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- run(ctx, c, ready) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("hook server stopped: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("hook server did not start")
	}

	inv, err := catalog.NewNATSInvoker(url, c.Subject)
	require.NoError(t, err)
	defer inv.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	require.NoError(t, inv.Invoke(callCtx, catalog.Change{Op: changelog.OpMkdir, Path: "/tempZone/lustre01/dir1", EntityID: "0x200000402:0x2:0x0", Directory: true, Resource: "demoResc"}))
	require.NoError(t, inv.Invoke(callCtx, catalog.Change{Op: changelog.OpCreate, Path: "/tempZone/lustre01/dir1/f", PhysicalPath: "/lustre01/dir1/f", Resource: "demoResc"}))

	err = inv.Invoke(callCtx, catalog.Change{Op: changelog.OpCreate, Path: "/tempZone/lustre01/g", PhysicalPath: "/lustre01/g", Resource: "nope"})
	assert.ErrorIs(t, err, catalog.ErrUnknownResource)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hook server did not stop")
	}

	store, err := catalog.Open(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()
	for p, want := range map[string]bool{
		"/tempZone/lustre01/dir1/f": true,
		"/tempZone/lustre01/g":      false,
	} {
		ok, err := store.Exists(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, want, ok, p)
	}
}
