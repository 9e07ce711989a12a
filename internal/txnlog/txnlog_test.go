package txnlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/transid"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redo.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendThenLoadRoundTrips(t *testing.T) {
	l := openTestLog(t)
	id := transid.New()
	entry := Entry{
		TransID: id,
		Writes: []WriteRecord{
			{Handle: fhandle.New(1, 1), Offset: 0, Data: []byte("hello")},
			{Handle: fhandle.New(1, 1), Offset: 5, Data: []byte("world")},
		},
	}

	require.NoError(t, l.Append(entry))

	got, found, err := l.Load(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.TransID.Equal(id))
	require.Len(t, got.Writes, 2)
	assert.Equal(t, "hello", string(got.Writes[0].Data))
	assert.Equal(t, int64(5), got.Writes[1].Offset)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	l := openTestLog(t)
	_, found, err := l.Load(transid.New())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTruncateRemovesEntry(t *testing.T) {
	l := openTestLog(t)
	id := transid.New()
	require.NoError(t, l.Append(Entry{TransID: id}))

	require.NoError(t, l.Truncate(id))

	_, found, err := l.Load(id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPendingListsEveryUntruncatedEntry(t *testing.T) {
	l := openTestLog(t)
	a := transid.New()
	require.NoError(t, l.Append(Entry{TransID: a}))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].TransID.Equal(a))
}

func TestReprepareOverwritesPriorEntry(t *testing.T) {
	l := openTestLog(t)
	id := transid.New()
	require.NoError(t, l.Append(Entry{TransID: id, Writes: []WriteRecord{{Offset: 1}}}))
	require.NoError(t, l.Append(Entry{TransID: id, Writes: []WriteRecord{{Offset: 1}, {Offset: 2}}}))

	got, found, err := l.Load(id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, got.Writes, 2)
}
