// Package txndriver is the client-side per-server transaction state
// machine and two-phase-commit driver: it owns one connection per data
// server endpoint a client process touches, tracks the transsn each
// touched server expects next for whatever transaction currently holds
// that connection, and drives prepare/commit/abort across every server
// a transaction touched.
package txndriver

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pious-project/pious/internal/config"
	"github.com/pious-project/pious/internal/piouslog"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
	"github.com/pious-project/pious/pkg/wire"
)

// serverConn is the per-server client state table entry: one
// connection, the transsn due next for whichever transaction currently
// holds it, and a reference count so two open files sharing a server
// (common under striping, where many segments of different parafiles
// can land on the same data server) share one connection instead of
// dialing twice.
type serverConn struct {
	conn    wire.Conn
	refs    int
	haveTxn bool
	curTxn  transid.ID
	nextSN  uint64
}

// Driver is one client process's connection pool and the entry point
// for every request, transactional or control, against any data
// server. A Driver is not safe for concurrent use — per the single-
// threaded client model, one library call is in flight per process at
// a time; a multi-client test scenario uses one Driver per simulated
// client.
type Driver struct {
	transport wire.Transport
	cfg       config.Config
	log       zerolog.Logger

	mu      sync.Mutex
	servers map[wire.Endpoint]*serverConn
	cmsgID  uint64
}

func New(transport wire.Transport, cfg config.Config) *Driver {
	return &Driver{
		transport: transport,
		cfg:       cfg,
		log:       piouslog.WithComponent("txndriver"),
		servers:   make(map[wire.Endpoint]*serverConn),
	}
}

// Acquire dials endpoint on first reference and bumps its reference
// count on every subsequent call, mirroring the per-server client
// state's linkcnt: the connection lives as long as at least one open
// file still references it.
func (d *Driver) Acquire(ctx context.Context, endpoint wire.Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sc, ok := d.servers[endpoint]; ok {
		sc.refs++
		return nil
	}
	conn, err := d.transport.Dial(ctx, endpoint)
	if err != nil {
		return err
	}
	d.servers[endpoint] = &serverConn{conn: conn, refs: 1}
	return nil
}

// Release drops one reference to endpoint's connection, closing it once
// nothing references it anymore.
func (d *Driver) Release(endpoint wire.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.servers[endpoint]
	if !ok {
		return
	}
	sc.refs--
	if sc.refs <= 0 {
		_ = sc.conn.Close()
		delete(d.servers, endpoint)
	}
}

// NextCMsgID returns a fresh caller-chosen id for a control operation,
// unique for the life of this Driver.
func (d *Driver) NextCMsgID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmsgID++
	return d.cmsgID
}

// RoundTrip sends env to endpoint and waits for its reply. It is used
// directly for control operations (lookup, mkdir, stat, ...), which
// carry no transsn and need no sequencing.
func (d *Driver) RoundTrip(endpoint wire.Endpoint, env wire.Envelope) (wire.Envelope, error) {
	d.mu.Lock()
	sc, ok := d.servers[endpoint]
	d.mu.Unlock()
	if !ok {
		return wire.Envelope{}, piouserr.New(piouserr.ESRCDEST, "txndriver.RoundTrip")
	}
	if err := sc.conn.Send(env); err != nil {
		return wire.Envelope{}, err
	}
	return sc.conn.Recv()
}

// Send writes env to endpoint's connection without waiting for a reply.
// Paired with Recv, it lets a caller fan a request out to several
// servers before collecting any of their replies — the access engine's
// pipeline, where at most one request is outstanding per server but
// several different servers' requests are in flight at once.
func (d *Driver) Send(endpoint wire.Endpoint, env wire.Envelope) error {
	d.mu.Lock()
	sc, ok := d.servers[endpoint]
	d.mu.Unlock()
	if !ok {
		return piouserr.New(piouserr.ESRCDEST, "txndriver.Send")
	}
	return sc.conn.Send(env)
}

// Recv waits for the next reply on endpoint's connection.
func (d *Driver) Recv(endpoint wire.Endpoint) (wire.Envelope, error) {
	d.mu.Lock()
	sc, ok := d.servers[endpoint]
	d.mu.Unlock()
	if !ok {
		return wire.Envelope{}, piouserr.New(piouserr.ESRCDEST, "txndriver.Recv")
	}
	return sc.conn.Recv()
}

// Begin starts (or resumes) tracking a transaction with id, returning a
// Txn used to drive every operation it performs. stable controls
// whether Finish prepares before committing.
func (d *Driver) Begin(id transid.ID, stable bool) *Txn {
	return &Txn{
		driver:   d,
		id:       id,
		stable:   stable,
		touched:  make(map[wire.Endpoint]bool),
		readOnly: make(map[wire.Endpoint]bool),
	}
}
