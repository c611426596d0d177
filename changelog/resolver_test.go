package changelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fidDir1  FID = "0x200000402:0x1:0x0"
	fidFile1 FID = "0x200000402:0x2:0x0"
	fidSub   FID = "0x200000402:0x3:0x0"
	fidFile2 FID = "0x200000402:0x4:0x0"
)

func decodeLine(t *testing.T, r *Resolver, index uint64, typ string, fields ...string) ChangeRecord {
	t.Helper()
	raw, err := ParseEntry(Entry{Index: index, Line: FormatEntry(index, typ, fixedTime, fields...)})
	require.NoError(t, err)
	rec, err := r.Decode(context.Background(), "lustre01-MDT0000", raw)
	require.NoError(t, err)
	return rec
}

func fid(f FID) string {
	return "[" + string(f) + "]"
}

func newTestResolver(t *testing.T, lookup PathLookup) *Resolver {
	t.Helper()
	r, err := NewResolver("/lustreResc/lustre01", 0, lookup)
	require.NoError(t, err)
	return r
}

func TestResolver_CreateUnderMkdir(t *testing.T) {
	r := newTestResolver(t, nil)

	rec := decodeLine(t, r, 1, "MKDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")
	assert.Equal(t, OpMkdir, rec.Op)
	assert.Equal(t, "/lustreResc/lustre01/dir1", rec.SourcePath)
	assert.True(t, rec.Directory)
	assert.Equal(t, string(fidDir1), rec.EntityID)

	rec = decodeLine(t, r, 2, "CREAT", "t="+fid(fidFile1), "p="+fid(fidDir1), "file1")
	assert.Equal(t, OpCreate, rec.Op)
	assert.Equal(t, "/lustreResc/lustre01/dir1/file1", rec.SourcePath)
	assert.False(t, rec.Directory)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.Equal(t, "lustre01-MDT0000", rec.MDT)

	rec = decodeLine(t, r, 3, "CLOSE", "t="+fid(fidFile1))
	assert.Equal(t, OpModify, rec.Op)
	assert.Equal(t, "/lustreResc/lustre01/dir1/file1", rec.SourcePath)
}

func TestResolver_RenameDirectoryRewritesDescendants(t *testing.T) {
	r := newTestResolver(t, nil)

	decodeLine(t, r, 1, "MKDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")
	decodeLine(t, r, 2, "MKDIR", "t="+fid(fidSub), "p="+fid(fidDir1), "sub")
	decodeLine(t, r, 3, "CREAT", "t="+fid(fidFile1), "p="+fid(fidSub), "file1")

	rec := decodeLine(t, r, 4, "RENME", "t=[0:0x0:0x0]", "p="+fid(RootFID), "dir2", "s="+fid(fidDir1), "sp="+fid(RootFID), "dir1")
	assert.Equal(t, OpRename, rec.Op)
	assert.Equal(t, "/lustreResc/lustre01/dir1", rec.SourcePath)
	assert.Equal(t, "/lustreResc/lustre01/dir2", rec.DestPath)
	assert.Equal(t, string(fidDir1), rec.EntityID)
	assert.True(t, rec.Directory)

	p, dir, err := r.Path(context.Background(), fidFile1)
	require.NoError(t, err)
	assert.Equal(t, "/lustreResc/lustre01/dir2/sub/file1", p)
	assert.False(t, dir)

	p, dir, err = r.Path(context.Background(), fidSub)
	require.NoError(t, err)
	assert.Equal(t, "/lustreResc/lustre01/dir2/sub", p)
	assert.True(t, dir)
}

func TestResolver_RenameOverwritesTarget(t *testing.T) {
	r := newTestResolver(t, nil)

	decodeLine(t, r, 1, "CREAT", "t="+fid(fidFile1), "p="+fid(RootFID), "a")
	decodeLine(t, r, 2, "CREAT", "t="+fid(fidFile2), "p="+fid(RootFID), "b")
	rec := decodeLine(t, r, 3, "RENME", "t="+fid(fidFile2), "p="+fid(RootFID), "b", "s="+fid(fidFile1), "sp="+fid(RootFID), "a")
	assert.Equal(t, "/lustreResc/lustre01/a", rec.SourcePath)
	assert.Equal(t, "/lustreResc/lustre01/b", rec.DestPath)
	assert.False(t, rec.Directory)

	p, _, err := r.Path(context.Background(), fidFile1)
	require.NoError(t, err)
	assert.Equal(t, "/lustreResc/lustre01/b", p)

	_, _, err = r.Path(context.Background(), fidFile2)
	assert.Error(t, err)
}

func TestResolver_RmdirForgetsTree(t *testing.T) {
	r := newTestResolver(t, nil)

	decodeLine(t, r, 1, "MKDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")
	decodeLine(t, r, 2, "CREAT", "t="+fid(fidFile1), "p="+fid(fidDir1), "file1")
	assert.Equal(t, 2, r.Len())

	rec := decodeLine(t, r, 3, "RMDIR", "t="+fid(fidDir1), "p="+fid(RootFID), "dir1")
	assert.Equal(t, OpRmdir, rec.Op)
	assert.True(t, rec.Directory)
	assert.Equal(t, "/lustreResc/lustre01/dir1", rec.SourcePath)
	assert.Equal(t, 0, r.Len())
}

func TestResolver_UnlinkKeepsOtherLinks(t *testing.T) {
	r := newTestResolver(t, nil)

	decodeLine(t, r, 1, "CREAT", "t="+fid(fidFile1), "p="+fid(RootFID), "a")
	rec := decodeLine(t, r, 2, "HLINK", "t="+fid(fidFile1), "p="+fid(RootFID), "b")
	assert.Equal(t, OpLink, rec.Op)
	assert.Equal(t, "/lustreResc/lustre01/a", rec.SourcePath)
	assert.Equal(t, "/lustreResc/lustre01/b", rec.DestPath)

	// The cache still points at "a", unlinking "b" leaves it alone
	rec = decodeLine(t, r, 3, "UNLNK", "t="+fid(fidFile1), "p="+fid(RootFID), "b")
	assert.Equal(t, "/lustreResc/lustre01/b", rec.SourcePath)
	p, _, err := r.Path(context.Background(), fidFile1)
	require.NoError(t, err)
	assert.Equal(t, "/lustreResc/lustre01/a", p)
}

func TestResolver_LinkWithoutKnownSource(t *testing.T) {
	r := newTestResolver(t, nil)

	rec := decodeLine(t, r, 1, "HLINK", "t="+fid(fidFile1), "p="+fid(RootFID), "b")
	assert.Empty(t, rec.SourcePath)
	assert.Equal(t, "/lustreResc/lustre01/b", rec.DestPath)
}

func TestResolver_FallbackLookup(t *testing.T) {
	src := NewMemorySource()
	src.SetPath(fidDir1, "/lustreResc/lustre01/existing/")
	r := newTestResolver(t, src)

	rec := decodeLine(t, r, 1, "CREAT", "t="+fid(fidFile1), "p="+fid(fidDir1), "file1")
	assert.Equal(t, "/lustreResc/lustre01/existing/file1", rec.SourcePath)

	// Unknown parent without a lookup answer cannot be decoded
	raw, err := ParseEntry(Entry{Index: 2, Line: FormatEntry(2, "CREAT", fixedTime, "t="+fid(fidFile2), "p="+fid(fidSub), "x")})
	require.NoError(t, err)
	_, err = r.Decode(context.Background(), "lustre01-MDT0000", raw)
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
}
