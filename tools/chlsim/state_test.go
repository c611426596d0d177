package main

import (
	"testing"

	"github.com/lustre-irods/connector/changelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_EntriesAndClear(t *testing.T) {
	state, err := OpenState(t.TempDir())
	require.NoError(t, err)

	lines, err := state.Entries(1, 0)
	require.NoError(t, err)
	assert.Empty(t, lines, "no changelog yet")

	gen := NewGenerator(NewTree("m", "/lustre01"), WorkloadDistribution{Create: 100}, 5)
	require.NoError(t, state.Append(generateBatch(gen, 6)))
	require.NoError(t, state.Append(generateBatch(gen, 4)))

	lines, err = state.Entries(0, 0)
	require.NoError(t, err)
	require.Len(t, lines, 10)

	lines, err = state.Entries(3, 5)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	raw, err := changelog.ParseEntry(changelog.Entry{Index: 3, Line: lines[0]})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), raw.Index)

	require.NoError(t, state.Clear(7))
	require.NoError(t, state.Clear(4), "clearing backwards is a no-op")
	cleared, err := state.Cleared()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cleared)

	lines, err = state.Entries(1, 0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "8 01CREAT")
}

func TestState_TreeRoundTrip(t *testing.T) {
	state, err := OpenState(t.TempDir())
	require.NoError(t, err)

	tree, err := state.LoadTree("lustre01-MDT0000", "/lustre01")
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Len())

	gen := NewGenerator(tree, mixed(), 9)
	generateBatch(gen, 300)
	require.NoError(t, state.SaveTree(tree))

	loaded, err := state.LoadTree("lustre01-MDT0000", "/ignored")
	require.NoError(t, err)
	assert.Equal(t, "/lustre01", loaded.Mount)
	assert.Equal(t, tree.NextIndex, loaded.NextIndex)
	assert.Equal(t, tree.NextOID, loaded.NextOID)
	assert.Equal(t, tree.Paths(), loaded.Paths())
	assert.Equal(t, tree.Gone, loaded.Gone)
	assert.Equal(t, tree.files.len(), loaded.files.len())
	assert.Equal(t, tree.dirs.len(), loaded.dirs.len())

	_, err = state.LoadTree("lustre01-MDT0001", "/lustre01")
	assert.Error(t, err)
}
