package txndriver

import (
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
	"github.com/pious-project/pious/pkg/wire"
)

// Txn drives one transaction — user-begun, or a one-shot independent
// access the access engine treats as a single-operation transaction —
// across however many servers it ends up touching. It builds the
// (transid, transsn) header for every transactional request so callers
// above never track sequence numbers themselves.
type Txn struct {
	driver   *Driver
	id       transid.ID
	stable   bool
	touched  map[wire.Endpoint]bool
	readOnly map[wire.Endpoint]bool
}

func (t *Txn) ID() transid.ID { return t.id }

func (t *Txn) Stable() bool { return t.stable }

// Touched lists every server endpoint this transaction has sent a
// transactional operation to so far.
func (t *Txn) Touched() []wire.Endpoint {
	out := make([]wire.Endpoint, 0, len(t.touched))
	for ep := range t.touched {
		out = append(out, ep)
	}
	return out
}

// Header returns the header to stamp on the next transactional request
// this transaction sends to endpoint. The first request to a server a
// transaction hasn't touched yet always carries transsn 0, matching
// the per-server client state's reset rule for a newly started
// transaction.
func (t *Txn) Header(endpoint wire.Endpoint) wire.Header {
	sc := t.serverConn(endpoint)
	if !sc.haveTxn || sc.curTxn != t.id {
		sc.haveTxn = true
		sc.curTxn = t.id
		sc.nextSN = 0
	}
	return wire.NewHeader(t.id, sc.nextSN)
}

func (t *Txn) serverConn(endpoint wire.Endpoint) *serverConn {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()
	return t.driver.servers[endpoint]
}

// Do sends env (whose body must already carry the header from
// Header(endpoint)) to endpoint and returns its reply, marking endpoint
// touched so PrepareAll/CommitAll/AbortAll later reach it. The caller
// extracts the result code from the operation-specific reply body and
// passes it to Observe to decide whether the sequence number advanced.
func (t *Txn) Do(endpoint wire.Endpoint, env wire.Envelope) (wire.Envelope, error) {
	reply, err := t.driver.RoundTrip(endpoint, env)
	if err != nil {
		return wire.Envelope{}, err
	}
	t.touched[endpoint] = true
	return reply, nil
}

// Send writes env to endpoint without waiting for a reply, marking
// endpoint touched. Paired with Recv to let a caller fan a request out
// to several servers at once; the access engine's pipeline is the only
// caller that needs this split form, everything else uses Do.
func (t *Txn) Send(endpoint wire.Endpoint, env wire.Envelope) error {
	if err := t.driver.Send(endpoint, env); err != nil {
		return err
	}
	t.touched[endpoint] = true
	return nil
}

// Recv waits for the next reply on endpoint's connection.
func (t *Txn) Recv(endpoint wire.Endpoint) (wire.Envelope, error) {
	return t.driver.Recv(endpoint)
}

// Observe records the outcome code of a just-completed transactional
// round trip against endpoint, advancing that server's expected transsn
// on success. Callers extract code from the operation-specific reply
// body (ReadReply.Code, WriteReply.Code, ...) since RoundTrip itself
// doesn't know the body's shape.
func (t *Txn) Observe(endpoint wire.Endpoint, code piouserr.Code) {
	if code != piouserr.OK {
		return
	}
	sc := t.serverConn(endpoint)
	sc.nextSN++
}

// PrepareAll sends PREPARE to every server this transaction touched.
// Volatile transactions skip this entirely: prepare only matters for
// crash durability, which volatile transactions explicitly forgo.
// Servers that reply with a read-only prepare are recorded so CommitAll
// knows not to send them a COMMIT.
func (t *Txn) PrepareAll() error {
	if !t.stable {
		return nil
	}
	for endpoint := range t.touched {
		env := wire.Envelope{Op: wire.OpPrepare, Body: wire.TransIDRequest{TransID: t.id}.MarshalBinary()}
		reply, err := t.driver.RoundTrip(endpoint, env)
		if err != nil {
			return err
		}
		body, err := wire.UnmarshalPrepareReply(reply.Body)
		if err != nil {
			return piouserr.Wrap(piouserr.EPROTO, "txndriver.PrepareAll", err)
		}
		if body.Code != piouserr.OK {
			return piouserr.New(body.Code, "txndriver.PrepareAll")
		}
		if body.ReadOnly {
			t.readOnly[endpoint] = true
		}
	}
	return nil
}

// CommitAll sends COMMIT to every touched server except one that
// answered PREPARE with the read-only sentinel (it released its locks
// already and has nothing left to apply).
func (t *Txn) CommitAll() error {
	for endpoint := range t.touched {
		if t.readOnly[endpoint] {
			continue
		}
		env := wire.Envelope{Op: wire.OpCommit, Body: wire.TransIDRequest{TransID: t.id}.MarshalBinary()}
		reply, err := t.driver.RoundTrip(endpoint, env)
		if err != nil {
			return err
		}
		body, err := wire.UnmarshalSimpleReply(reply.Body)
		if err != nil {
			return piouserr.Wrap(piouserr.EPROTO, "txndriver.CommitAll", err)
		}
		if body.Code != piouserr.OK {
			return piouserr.New(body.Code, "txndriver.CommitAll")
		}
	}
	return nil
}

// AbortAll sends ABORT to every touched server. Abort is idempotent and
// exempt from sequencing at the server, so it is safe to call even for
// a server the transaction never actually wrote to, and safe to call a
// second time.
func (t *Txn) AbortAll() error {
	var first error
	for endpoint := range t.touched {
		// The server forgets the transaction on abort, so a retry that
		// reuses this id must start again at transsn 0.
		if sc := t.serverConn(endpoint); sc != nil && sc.haveTxn && sc.curTxn == t.id {
			sc.haveTxn = false
		}
		env := wire.Envelope{Op: wire.OpAbort, Body: wire.TransIDRequest{TransID: t.id}.MarshalBinary()}
		reply, err := t.driver.RoundTrip(endpoint, env)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		if _, err := wire.UnmarshalSimpleReply(reply.Body); err != nil && first == nil {
			first = piouserr.Wrap(piouserr.EPROTO, "txndriver.AbortAll", err)
		}
	}
	return first
}

// Finish completes a non-user transaction on success: prepare (if
// stable) then commit across every touched server.
func (t *Txn) Finish() error {
	if err := t.PrepareAll(); err != nil {
		return err
	}
	return t.CommitAll()
}
