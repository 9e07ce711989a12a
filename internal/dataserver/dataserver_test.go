package dataserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pious-project/pious/internal/config"
	"github.com/pious-project/pious/internal/txnlog"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
	"github.com/pious-project/pious/pkg/wire"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CacheBlockSize = 16
	cfg.CacheBlockCount = 8
	cfg.DeadlockTimeout = 30 * time.Millisecond
	cfg.RecentResultWindow = 200 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	root := t.TempDir()
	s := New(cfg, root, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func newID(usec int64) transid.ID {
	return transid.ID{HostID: 1, ProcID: 1, Sec: 1000, USec: usec}
}

func lookupCreate(t *testing.T, s *Server, path string) wire.LookupReply {
	t.Helper()
	env := wire.Envelope{Op: wire.OpLookup, Body: wire.LookupRequest{
		CMsgID: 1, Path: path, Creat: true, Mode: 0o644, Cmask: 0o022,
	}.MarshalBinary()}
	reply := <-s.Submit("client-a", env)
	body, err := wire.UnmarshalLookupReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, body.Code)
	return body
}

func recvWithin(t *testing.T, ch <-chan wire.Envelope, d time.Duration) (wire.Envelope, bool) {
	t.Helper()
	select {
	case env := <-ch:
		return env, true
	case <-time.After(d):
		return wire.Envelope{}, false
	}
}

func TestFirstOpMustCarryTransSNZero(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, "f1").Handle
	id := newID(1)

	env := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(id, 1), // transsn 1, should be rejected
		Handle: h,
		Offset: 0,
		Data:   []byte("hi"),
	}.MarshalBinary()}
	reply := <-s.Submit("client-a", env)
	body, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.EPROTO, body.Code)
}

func TestTransSNMustIncrementByOne(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, "f2").Handle
	id := newID(2)

	write := func(sn uint64, data string) wire.WriteReply {
		env := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
			Header: wire.NewHeader(id, sn),
			Handle: h,
			Offset: 0,
			Data:   []byte(data),
		}.MarshalBinary()}
		reply := <-s.Submit("client-a", env)
		body, err := wire.UnmarshalWriteReply(reply.Body)
		require.NoError(t, err)
		return body
	}

	require.Equal(t, piouserr.OK, write(0, "aa").Code)
	require.Equal(t, piouserr.OK, write(1, "bb").Code)
	// Replaying transsn 1 again (a non-abort retransmit) must be rejected.
	require.Equal(t, piouserr.EPROTO, write(1, "cc").Code)
}

func TestAbortIsExemptFromSequencing(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, "f3").Handle
	id := newID(3)

	writeEnv := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(id, 0),
		Handle: h,
		Offset: 0,
		Data:   []byte("xx"),
	}.MarshalBinary()}
	reply := <-s.Submit("client-a", writeEnv)
	wb, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, wb.Code)

	abortEnv := wire.Envelope{Op: wire.OpAbort, Body: wire.TransIDRequest{TransID: id}.MarshalBinary()}
	reply = <-s.Submit("client-a", abortEnv)
	ab, err := wire.UnmarshalSimpleReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, ab.Code)

	// A fresh transaction reusing the same id can start again at transsn 0.
	reply = <-s.Submit("client-a", writeEnv)
	wb2, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, wb2.Code)
}

func TestWriteLockBlocksConflictingWriterUntilRelease(t *testing.T) {
	cfg := testConfig()
	cfg.DeadlockTimeout = time.Second // longer than this test's waits, so the deadlock timer never fires
	s := startServer(t, cfg)
	h := lookupCreate(t, s, "f4").Handle
	idA := newID(10)
	idB := newID(11)

	writeA := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(idA, 0), Handle: h, Offset: 0, Data: []byte("aaaa"),
	}.MarshalBinary()}
	replyA := <-s.Submit("client-a", writeA)
	ra, err := wire.UnmarshalWriteReply(replyA.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, ra.Code)

	writeB := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(idB, 0), Handle: h, Offset: 0, Data: []byte("bbbb"),
	}.MarshalBinary()}
	chB := s.Submit("client-b", writeB)

	_, ok := recvWithin(t, chB, 50*time.Millisecond)
	require.False(t, ok, "conflicting writer should still be blocked")

	abortA := wire.Envelope{Op: wire.OpAbort, Body: wire.TransIDRequest{TransID: idA}.MarshalBinary()}
	replyAbort := <-s.Submit("client-a", abortA)
	aa, err := wire.UnmarshalSimpleReply(replyAbort.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, aa.Code)

	envB, ok := recvWithin(t, chB, time.Second)
	require.True(t, ok, "writer B should unblock once A releases")
	rb, err := wire.UnmarshalWriteReply(envB.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, rb.Code)
}

func TestDeadlockTimeoutAbortsYoungerTransaction(t *testing.T) {
	cfg := testConfig()
	cfg.DeadlockTimeout = 20 * time.Millisecond
	s := startServer(t, cfg)
	h := lookupCreate(t, s, "f5").Handle
	older := newID(100)
	younger := newID(200)

	writeOlder := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(older, 0), Handle: h, Offset: 0, Data: []byte("aaaa"),
	}.MarshalBinary()}
	reply := <-s.Submit("client-older", writeOlder)
	ro, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, ro.Code)

	writeYounger := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(younger, 0), Handle: h, Offset: 0, Data: []byte("bbbb"),
	}.MarshalBinary()}
	chYounger := s.Submit("client-younger", writeYounger)

	envY, ok := recvWithin(t, chYounger, time.Second)
	require.True(t, ok, "younger transaction should be aborted by the deadlock timer")
	ry, err := wire.UnmarshalWriteReply(envY.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.EABORT, ry.Code)

	// The older transaction should still be able to proceed (next op, transsn 1).
	readOlder := wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
		Header: wire.NewHeader(older, 1), Handle: h, Offset: 0, NByte: 4,
	}.MarshalBinary()}
	replyRead := <-s.Submit("client-older", readOlder)
	rr, err := wire.UnmarshalReadReply(replyRead.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, rr.Code)
	require.Equal(t, "aaaa", string(rr.Data))
}

func TestCommitAppliesWritesAndReleasesLocks(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, "f6").Handle
	id := newID(300)

	writeEnv := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(id, 0), Handle: h, Offset: 0, Data: []byte("commitme"),
	}.MarshalBinary()}
	reply := <-s.Submit("client-a", writeEnv)
	wb, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, wb.Code)

	commitEnv := wire.Envelope{Op: wire.OpCommit, Body: wire.TransIDRequest{TransID: id}.MarshalBinary()}
	reply = <-s.Submit("client-a", commitEnv)
	cb, err := wire.UnmarshalSimpleReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, cb.Code)

	// A fresh transaction can read what was committed.
	id2 := newID(301)
	readEnv := wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
		Header: wire.NewHeader(id2, 0), Handle: h, Offset: 0, NByte: 8,
	}.MarshalBinary()}
	reply = <-s.Submit("client-b", readEnv)
	rb, err := wire.UnmarshalReadReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, rb.Code)
	require.Equal(t, "commitme", string(rb.Data))
}

func TestAbortDiscardsBufferedWrites(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, "f7").Handle
	id := newID(400)

	writeEnv := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(id, 0), Handle: h, Offset: 0, Data: []byte("original"),
	}.MarshalBinary()}
	<-s.Submit("client-a", writeEnv)

	commitEnv := wire.Envelope{Op: wire.OpCommit, Body: wire.TransIDRequest{TransID: id}.MarshalBinary()}
	<-s.Submit("client-a", commitEnv)

	id2 := newID(401)
	overwriteEnv := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(id2, 0), Handle: h, Offset: 0, Data: []byte("replaced"),
	}.MarshalBinary()}
	<-s.Submit("client-b", overwriteEnv)

	abortEnv := wire.Envelope{Op: wire.OpAbort, Body: wire.TransIDRequest{TransID: id2}.MarshalBinary()}
	reply := <-s.Submit("client-b", abortEnv)
	ab, err := wire.UnmarshalSimpleReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, ab.Code)

	id3 := newID(402)
	readEnv := wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
		Header: wire.NewHeader(id3, 0), Handle: h, Offset: 0, NByte: 8,
	}.MarshalBinary()}
	reply = <-s.Submit("client-c", readEnv)
	rb, err := wire.UnmarshalReadReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, "original", string(rb.Data))
}

func TestReadOnlyPrepareReturnsSentinel(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, "f8").Handle
	id := newID(500)

	readEnv := wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
		Header: wire.NewHeader(id, 0), Handle: h, Offset: 0, NByte: 4,
	}.MarshalBinary()}
	<-s.Submit("client-a", readEnv)

	prepareEnv := wire.Envelope{Op: wire.OpPrepare, Body: wire.TransIDRequest{TransID: id}.MarshalBinary()}
	reply := <-s.Submit("client-a", prepareEnv)
	pb, err := wire.UnmarshalPrepareReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, pb.Code)
	require.True(t, pb.ReadOnly, "a prepare with no dirty blocks should report read-only")
}

func TestStablePrepareThenCommitWritesBackSynchronously(t *testing.T) {
	dir := t.TempDir()
	redo, err := txnlog.Open(dir + "/redo.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = redo.Close() })

	cfg := testConfig()
	root := t.TempDir()
	s := New(cfg, root, redo)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	h := lookupCreate(t, s, "stable-file").Handle
	id := newID(600)

	writeEnv := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: wire.NewHeader(id, 0), Handle: h, Offset: 0, Data: []byte("durable!"),
	}.MarshalBinary()}
	reply := <-s.Submit("client-a", writeEnv)
	wb, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, wb.Code)

	prepareEnv := wire.Envelope{Op: wire.OpPrepare, Body: wire.TransIDRequest{TransID: id}.MarshalBinary()}
	reply = <-s.Submit("client-a", prepareEnv)
	pb, err := wire.UnmarshalPrepareReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, pb.Code)
	require.False(t, pb.ReadOnly)

	commitEnv := wire.Envelope{Op: wire.OpCommit, Body: wire.TransIDRequest{TransID: id}.MarshalBinary()}
	reply = <-s.Submit("client-a", commitEnv)
	cb, err := wire.UnmarshalSimpleReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, cb.Code)
}

func TestFASintReturnsPreIncrementValue(t *testing.T) {
	s := startServer(t, testConfig())
	h := lookupCreate(t, s, ".sharptr-like").Handle
	id := newID(700)

	fa := func(sn uint64, delta int64) wire.SintReply {
		env := wire.Envelope{Op: wire.OpFASint, Body: wire.FASintRequest{
			Header: wire.NewHeader(id, sn), Handle: h, Offset: 0, Delta: delta,
		}.MarshalBinary()}
		reply := <-s.Submit("client-a", env)
		body, err := wire.UnmarshalSintReply(reply.Body)
		require.NoError(t, err)
		return body
	}

	first := fa(0, 1)
	require.Equal(t, piouserr.OK, first.Code)
	require.Equal(t, int64(0), first.Value, "first fetch-and-add on an untouched slot starts from zero")

	second := fa(1, 1)
	require.Equal(t, piouserr.OK, second.Code)
	require.Equal(t, int64(1), second.Value)
}
