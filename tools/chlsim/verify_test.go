package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lustre-irods/connector/catalog"
	"github.com/lustre-irods/connector/cfg"
	"github.com/lustre-irods/connector/changelog"
	"github.com/lustre-irods/connector/connector"
	"github.com/lustre-irods/connector/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_AgainstConnector(t *testing.T) {
	const mdt = "lustre01-MDT0000"

	tree := NewTree(mdt, "/lustre01")
	gen := NewGenerator(tree, WorkloadDistribution{Create: 70, Mkdir: 30}, 11)
	src := changelog.NewMemorySource()
	for i := 0; i < 200; i++ {
		src.AddLine(gen.Next())
	}

	store, err := catalog.Open(context.Background(), "sqlite3://"+filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer store.Close()

	shard := cfg.ShardConfiguration{
		MDTName:           mdt,
		LustreRootPath:    "/lustre01",
		IrodsResourceName: "demoResc",
		RegisterMap:       []cfg.RegisterMapping{{LustrePath: "/lustre01", IrodsPath: "/tempZone/lustre01"}},
	}
	shard.ApplyDefaults()

	o := connector.NewOrchestrator([]cfg.ShardConfiguration{shard}, connector.Options{
		DataDir: t.TempDir(),
		Store:   store,
		Sources: func(*cfg.ShardConfiguration) (changelog.Source, error) {
			return src, nil
		},
		PollInterval: 10 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
		RestartDelay: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return src.Cleared() == src.Last()
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	table, err := translate.NewTable(shard.RegisterMap)
	require.NoError(t, err)
	filter, err := translate.NewGlobFilter(nil)
	require.NoError(t, err)

	result, err := NewVerifier(store, table, filter, 0, 0, 1).Verify(context.Background(), tree)
	require.NoError(t, err)
	assert.True(t, result.OK(), "%+v", result.Mismatches)
	assert.Equal(t, 200, result.Sampled)

	// A path the connector never saw
	ghost := tree.newFID()
	tree.insert(ghost, &node{Parent: changelog.RootFID, Name: "ghost"})

	result, err = NewVerifier(store, table, filter, 0, 0, 1).Verify(context.Background(), tree)
	require.NoError(t, err)
	assert.False(t, result.OK())
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, "/tempZone/lustre01/ghost", result.Mismatches[0].CatalogPath)
	assert.Equal(t, "NOT FOUND", result.Mismatches[0].Got)

	// Sampling caps the number of checked paths
	result, err = NewVerifier(store, table, filter, 25, 0, 1).Verify(context.Background(), tree)
	require.NoError(t, err)
	assert.Equal(t, 25, result.Sampled)
}
