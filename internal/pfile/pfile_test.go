package pfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pious-project/pious/pkg/fhandle"
)

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteMetadata(dir, Metadata{Extant: false, PDSCnt: 3, SegCnt: 6}))

	got, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.False(t, got.Extant)
	assert.Equal(t, int32(3), got.PDSCnt)
	assert.Equal(t, int32(6), got.SegCnt)

	require.NoError(t, SetExtant(dir, true))
	extant, err := IsExtant(dir)
	require.NoError(t, err)
	assert.True(t, extant)
}

func TestCreateDirThenSegmentPath(t *testing.T) {
	root := t.TempDir()
	dir := Dir(root, "myfile")
	require.NoError(t, CreateDir(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, filepath.Join(dir, "segment.2"), SegmentPath(dir, 2))
}

func TestCreateDirTwiceIsExist(t *testing.T) {
	root := t.TempDir()
	dir := Dir(root, "dup")
	require.NoError(t, CreateDir(dir))
	err := CreateDir(dir)
	assert.Error(t, err)
}

func TestTableLookupCreatesAndReuses(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, "segment.0")

	h1, created, err := tbl.Lookup(path, true, 0o644, 0o022)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	h2, created2, err := tbl.Lookup(path, true, 0o644, 0o022)
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, h1, h2)
}

func TestUmaskMasksCreationMode(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, "segment.0")

	_, _, err := tbl.Lookup(path, true, 0o777, 0o022)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestLookupMissingWithoutCreatIsNoent(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	_, _, err := tbl.Lookup(filepath.Join(dir, "nope"), false, 0o644, 0)
	assert.Error(t, err)
}

func TestHandleFromDifferentGenerationIsStale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.0")

	t1 := NewTable()
	h, _, err := t1.Lookup(path, true, 0o644, 0)
	require.NoError(t, err)

	t2 := NewTable()
	_, _, err = t2.Lookup(path, true, 0o644, 0)
	require.NoError(t, err)

	storage := FileStorage{Table: t2}
	_, err = storage.ReadBlock(h, 0, make([]byte, 8))
	assert.Error(t, err)
}

func TestFetchAddSintReturnsPreIncrementValue(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, ".sharptr")
	require.NoError(t, CreateSharptr(dir, 1))

	h, _, err := tbl.Lookup(path, false, 0, 0)
	require.NoError(t, err)
	storage := FileStorage{Table: tbl}

	prev, err := storage.FetchAddSint(h, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), prev)

	prev2, err := storage.FetchAddSint(h, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(100), prev2)

	final, err := storage.ReadSint(h, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(150), final)
}

func TestTableCloseRetiresHandle(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, "segment.0")
	h, _, err := tbl.Lookup(path, true, 0o644, 0)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Size())

	require.NoError(t, tbl.Close(h))
	assert.Equal(t, 0, tbl.Size())

	storage := FileStorage{Table: tbl}
	_, err = storage.ReadBlock(h, 0, make([]byte, 8))
	assert.Error(t, err)
}

func TestTableStatReportsSizeAndMode(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, "segment.0")
	h, _, err := tbl.Lookup(path, true, 0o640, 0)
	require.NoError(t, err)

	storage := FileStorage{Table: tbl}
	_, err = storage.WriteBlock(h, 0, []byte("hello world"))
	require.NoError(t, err)

	info, err := tbl.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), info.Size())
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestTableStatOnUnknownHandleIsBadf(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Stat(fhandle.New(99, 1))
	assert.Error(t, err)
}

func TestTableChmodChangesMode(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, "segment.0")
	h, _, err := tbl.Lookup(path, true, 0o644, 0)
	require.NoError(t, err)

	require.NoError(t, tbl.Chmod(h, 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTableUnlinkRemovesFileAndRetiresHandle(t *testing.T) {
	dir := t.TempDir()
	tbl := NewTable()
	path := filepath.Join(dir, "segment.0")
	h, _, err := tbl.Lookup(path, true, 0o644, 0)
	require.NoError(t, err)

	require.NoError(t, tbl.Unlink(h))
	assert.Equal(t, 0, tbl.Size())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Unlinking an already-retired handle reports EBADF rather than
	// silently succeeding a second time.
	err = tbl.Unlink(h)
	assert.Error(t, err)
}

func TestMkdirModeMasksCreationMode(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "subdir")

	require.NoError(t, MkdirMode(dir, 0o777, 0o022))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestMkdirModeTwiceIsExist(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dup")
	require.NoError(t, MkdirMode(dir, 0o755, 0))

	err := MkdirMode(dir, 0o755, 0)
	assert.Error(t, err)
}

func TestRmdirRemovesEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "subdir")
	require.NoError(t, MkdirMode(dir, 0o755, 0))

	require.NoError(t, Rmdir(dir))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestRmdirMissingIsNoent(t *testing.T) {
	root := t.TempDir()
	err := Rmdir(filepath.Join(root, "nope"))
	assert.Error(t, err)
}
