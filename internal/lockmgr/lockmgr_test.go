package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/transid"
)

var testFile = fhandle.New(1, 1)

func TestReadersAreCompatible(t *testing.T) {
	m := New(250 * time.Millisecond)
	a := transid.ID{Sec: 1}
	b := transid.ID{Sec: 2}
	now := time.Now()

	req := func(id transid.ID, k Kind) Request {
		return Request{TransID: id, FHandle: testFile, Range: Range{0, 10}, Kind: k}
	}

	assert.Equal(t, Granted, m.Acquire(1, req(a, ReadLock), now))
	assert.Equal(t, Granted, m.Acquire(2, req(b, ReadLock), now))
}

func TestWriteIsExclusive(t *testing.T) {
	m := New(250 * time.Millisecond)
	a := transid.ID{Sec: 1}
	b := transid.ID{Sec: 2}
	now := time.Now()

	req := func(id transid.ID, k Kind) Request {
		return Request{TransID: id, FHandle: testFile, Range: Range{0, 10}, Kind: k}
	}

	assert.Equal(t, Granted, m.Acquire(1, req(a, WriteLock), now))
	assert.Equal(t, Blocked, m.Acquire(2, req(b, ReadLock), now))
	assert.Equal(t, Blocked, m.Acquire(3, req(b, WriteLock), now))
}

func TestZeroByteAcquiresNoLock(t *testing.T) {
	m := New(250 * time.Millisecond)
	a := transid.ID{Sec: 1}
	b := transid.ID{Sec: 2}
	now := time.Now()

	zero := Request{TransID: a, FHandle: testFile, Range: Range{0, 0}, Kind: WriteLock}
	assert.Equal(t, Granted, m.Acquire(1, zero, now))

	// b can still take a full write lock over the same nominal range.
	full := Request{TransID: b, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	assert.Equal(t, Granted, m.Acquire(2, full, now))
}

func TestSameTransactionUpgrade(t *testing.T) {
	m := New(250 * time.Millisecond)
	a := transid.ID{Sec: 1}
	now := time.Now()

	read := Request{TransID: a, FHandle: testFile, Range: Range{0, 10}, Kind: ReadLock}
	require.Equal(t, Granted, m.Acquire(1, read, now))

	write := Request{TransID: a, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	assert.Equal(t, Granted, m.Acquire(2, write, now))
}

func TestUpgradeBlocksBehindOtherReader(t *testing.T) {
	m := New(250 * time.Millisecond)
	a := transid.ID{Sec: 1}
	b := transid.ID{Sec: 2}
	now := time.Now()

	reqA := Request{TransID: a, FHandle: testFile, Range: Range{0, 10}, Kind: ReadLock}
	reqB := Request{TransID: b, FHandle: testFile, Range: Range{0, 10}, Kind: ReadLock}
	require.Equal(t, Granted, m.Acquire(1, reqA, now))
	require.Equal(t, Granted, m.Acquire(2, reqB, now))

	upgrade := Request{TransID: a, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	assert.Equal(t, Blocked, m.Acquire(3, upgrade, now))
}

func TestReleaseGrantsWaiter(t *testing.T) {
	m := New(250 * time.Millisecond)
	a := transid.ID{Sec: 1}
	b := transid.ID{Sec: 2}
	now := time.Now()

	reqA := Request{TransID: a, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	reqB := Request{TransID: b, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	require.Equal(t, Granted, m.Acquire(1, reqA, now))
	require.Equal(t, Blocked, m.Acquire(2, reqB, now))

	granted := m.Release(a)
	require.Len(t, granted, 1)
	assert.Equal(t, Ticket(2), granted[0])
}

func TestDeadlockVictimIsYounger(t *testing.T) {
	m := New(10 * time.Millisecond)
	older := transid.ID{Sec: 1}
	younger := transid.ID{Sec: 2}
	now := time.Now()

	holdReq := Request{TransID: older, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	waitReq := Request{TransID: younger, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	require.Equal(t, Granted, m.Acquire(1, holdReq, now))
	require.Equal(t, Blocked, m.Acquire(2, waitReq, now))

	later := now.Add(20 * time.Millisecond)
	aborted, granted := m.Tick(later)
	require.Len(t, aborted, 1)
	assert.True(t, aborted[0].Equal(younger))
	assert.Empty(t, granted)

	// older still holds its lock.
	stillBlocked := Request{TransID: transid.ID{Sec: 3}, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	assert.Equal(t, Blocked, m.Acquire(3, stillBlocked, later))
}

func TestRetryWithSameIDEventuallyWins(t *testing.T) {
	m := New(10 * time.Millisecond)
	young := transid.ID{Sec: 2}
	old := transid.ID{Sec: 1}
	now := time.Now()

	// young holds, old waits: old is the blocked requester but OLDER than
	// the holder, so the holder (young) must be the victim.
	holdReq := Request{TransID: young, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	waitReq := Request{TransID: old, FHandle: testFile, Range: Range{0, 10}, Kind: WriteLock}
	require.Equal(t, Granted, m.Acquire(1, holdReq, now))
	require.Equal(t, Blocked, m.Acquire(2, waitReq, now))

	later := now.Add(20 * time.Millisecond)
	aborted, granted := m.Tick(later)
	require.Len(t, aborted, 1)
	assert.True(t, aborted[0].Equal(young))
	require.Len(t, granted, 1)
	assert.Equal(t, Ticket(2), granted[0])
}
