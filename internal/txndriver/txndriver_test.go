package txndriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pious-project/pious/internal/config"
	"github.com/pious-project/pious/internal/dataserver"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
	"github.com/pious-project/pious/pkg/wire"
)

func startTestServer(t *testing.T) wire.Endpoint {
	t.Helper()
	cfg := config.Default()
	cfg.CacheBlockSize = 16
	cfg.CacheBlockCount = 8
	cfg.DeadlockTimeout = 200 * time.Millisecond
	root := t.TempDir()
	srv := dataserver.New(cfg, root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	ln, err := wire.TCP{}.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = srv.Serve(ctx, ln) }()

	return ln.Addr()
}

func newDriver(t *testing.T, endpoint wire.Endpoint) *Driver {
	t.Helper()
	d := New(wire.TCP{}, config.Default())
	require.NoError(t, d.Acquire(context.Background(), endpoint))
	t.Cleanup(func() { d.Release(endpoint) })
	return d
}

func lookup(t *testing.T, d *Driver, endpoint wire.Endpoint, path string) wire.LookupReply {
	t.Helper()
	env := wire.Envelope{Op: wire.OpLookup, Body: wire.LookupRequest{
		CMsgID: d.NextCMsgID(), Path: path, Creat: true, Mode: 0o644, Cmask: 0o022,
	}.MarshalBinary()}
	reply, err := d.RoundTrip(endpoint, env)
	require.NoError(t, err)
	body, err := wire.UnmarshalLookupReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, body.Code)
	return body
}

func TestRunIndependentCommitsOnSuccess(t *testing.T) {
	endpoint := startTestServer(t)
	d := newDriver(t, endpoint)
	h := lookup(t, d, endpoint, "f1").Handle

	err := d.RunIndependent(false, func(txn *Txn) error {
		env := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
			Header: txn.Header(endpoint), Handle: h, Offset: 0, Data: []byte("hello"),
		}.MarshalBinary()}
		reply, err := txn.Do(endpoint, env)
		require.NoError(t, err)
		wb, err := wire.UnmarshalWriteReply(reply.Body)
		require.NoError(t, err)
		txn.Observe(endpoint, wb.Code)
		if wb.Code != piouserr.OK {
			return piouserr.New(wb.Code, "test write")
		}
		return nil
	})
	require.NoError(t, err)

	// A fresh independent read observes the committed write.
	err = d.RunIndependent(false, func(txn *Txn) error {
		env := wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
			Header: txn.Header(endpoint), Handle: h, Offset: 0, NByte: 5,
		}.MarshalBinary()}
		reply, err := txn.Do(endpoint, env)
		require.NoError(t, err)
		rb, err := wire.UnmarshalReadReply(reply.Body)
		require.NoError(t, err)
		txn.Observe(endpoint, rb.Code)
		require.Equal(t, piouserr.OK, rb.Code)
		require.Equal(t, "hello", string(rb.Data))
		return nil
	})
	require.NoError(t, err)
}

func TestRunIndependentAbortsOnFailureWithoutFinishing(t *testing.T) {
	endpoint := startTestServer(t)
	d := newDriver(t, endpoint)
	h := lookup(t, d, endpoint, "f2").Handle

	called := 0
	err := d.RunIndependent(false, func(txn *Txn) error {
		called++
		env := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
			Header: txn.Header(endpoint), Handle: h, Offset: 0, Data: []byte("partial"),
		}.MarshalBinary()}
		reply, err := txn.Do(endpoint, env)
		require.NoError(t, err)
		wb, err := wire.UnmarshalWriteReply(reply.Body)
		require.NoError(t, err)
		txn.Observe(endpoint, wb.Code)
		return piouserr.New(piouserr.EINVAL, "test forced failure")
	})
	require.Error(t, err)
	require.Equal(t, piouserr.EINVAL, piouserr.CodeOf(err))
	require.Equal(t, 1, called, "a non-ABORT failure must not be retried")

	// The write must not have been committed.
	var readBack string
	err2 := d.RunIndependent(false, func(txn *Txn) error {
		env := wire.Envelope{Op: wire.OpRead, Body: wire.ReadRequest{
			Header: txn.Header(endpoint), Handle: h, Offset: 0, NByte: 7,
		}.MarshalBinary()}
		reply, err := txn.Do(endpoint, env)
		require.NoError(t, err)
		rb, err := wire.UnmarshalReadReply(reply.Body)
		require.NoError(t, err)
		txn.Observe(endpoint, rb.Code)
		readBack = string(rb.Data)
		return nil
	})
	require.NoError(t, err2)
	require.NotEqual(t, "partial", readBack)
}

func TestTxnHeaderResetsSequenceOnFreshTransaction(t *testing.T) {
	endpoint := startTestServer(t)
	d := newDriver(t, endpoint)
	h := lookup(t, d, endpoint, "f3").Handle

	id := transid.New()
	txnA := d.Begin(id, false)
	hdr := txnA.Header(endpoint)
	require.Equal(t, uint64(0), hdr.TransSN)

	env := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: hdr, Handle: h, Offset: 0, Data: []byte("xx"),
	}.MarshalBinary()}
	reply, err := txnA.Do(endpoint, env)
	require.NoError(t, err)
	wb, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	require.Equal(t, piouserr.OK, wb.Code)
	txnA.Observe(endpoint, wb.Code)

	require.NoError(t, txnA.AbortAll())

	// A fresh transaction touching the same server starts at transsn 0
	// again, since abort resets the server's expected sequence.
	txnB := d.Begin(transid.New(), false)
	hdr2 := txnB.Header(endpoint)
	require.Equal(t, uint64(0), hdr2.TransSN)
}

func TestPrepareAllSkipsVolatileTransactions(t *testing.T) {
	endpoint := startTestServer(t)
	d := newDriver(t, endpoint)
	h := lookup(t, d, endpoint, "f4").Handle

	txn := d.Begin(transid.New(), false)
	env := wire.Envelope{Op: wire.OpWrite, Body: wire.WriteRequest{
		Header: txn.Header(endpoint), Handle: h, Offset: 0, Data: []byte("volatile"),
	}.MarshalBinary()}
	reply, err := txn.Do(endpoint, env)
	require.NoError(t, err)
	wb, err := wire.UnmarshalWriteReply(reply.Body)
	require.NoError(t, err)
	txn.Observe(endpoint, wb.Code)

	require.NoError(t, txn.PrepareAll())
	require.NoError(t, txn.CommitAll())
}
