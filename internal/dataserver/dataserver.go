// Package dataserver implements a PIOUS data server: the single
// cooperative dispatch loop built on top of internal/lockmgr,
// internal/cache, internal/txnlog, and internal/pfile. Nothing in
// Server is safe for concurrent use by
// design — Submit is the only entry point, and it is nothing more than
// a channel send into the one goroutine Run drives, mirroring the
// single-threaded-loop, no-mutual-exclusion model.
package dataserver

import (
	"context"
	"time"

	"github.com/pious-project/pious/internal/cache"
	"github.com/pious-project/pious/internal/config"
	"github.com/pious-project/pious/internal/lockmgr"
	"github.com/pious-project/pious/internal/metrics"
	"github.com/pious-project/pious/internal/pfile"
	"github.com/pious-project/pious/internal/piouslog"
	"github.com/pious-project/pious/internal/txnlog"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
	"github.com/pious-project/pious/pkg/wire"

	"github.com/rs/zerolog"
)

// request is one decoded message waiting for the loop to act on it.
type request struct {
	clientID string
	env      wire.Envelope
	reply    chan wire.Envelope
}

// pendingOp is a request parked on a lock it could not immediately
// acquire.
type pendingOp struct {
	ticket  lockmgr.Ticket
	transID transid.ID
	req     request
	resume  func(now time.Time) wire.Envelope
}

// Server is one data server's complete in-memory state.
type Server struct {
	cfg     config.Config
	lockMgr *lockmgr.Manager
	blocks  *cache.Cache
	storage pfile.FileStorage
	redo    *txnlog.Log
	files   *pfile.Table
	root    string

	log zerolog.Logger

	requests chan request
	stop     chan struct{}

	txns      map[transid.ID]*txnRecord
	pending   map[lockmgr.Ticket]*pendingOp
	results   map[resultKey]cachedResult
	shuttingDown bool
}

// New builds a data server rooted at root (the local directory holding
// every segment file this server is responsible for), optionally
// logging stable-transaction redo sets to redo (nil disables stable
// transactions: a PREPARE of a transaction with buffered writes then
// fails EFATAL, while a read-only PREPARE still succeeds).
func New(cfg config.Config, root string, redo *txnlog.Log) *Server {
	files := pfile.NewTable()
	storage := pfile.FileStorage{Table: files}
	return &Server{
		cfg:     cfg,
		lockMgr: lockmgr.New(cfg.DeadlockTimeout),
		blocks:  cache.New(storage, cfg.CacheBlockSize, cfg.CacheBlockCount),
		storage: storage,
		redo:    redo,
		files:   files,
		root:    root,
		log:     piouslog.WithComponent("dataserver"),
		requests: make(chan request),
		stop:     make(chan struct{}),
		txns:     make(map[transid.ID]*txnRecord),
		pending:  make(map[lockmgr.Ticket]*pendingOp),
		results:  make(map[resultKey]cachedResult),
	}
}

// Submit enqueues one message for the loop and returns the channel its
// reply (if any) will arrive on. Control operations and immediately
// granted transactional operations reply right away; a transactional
// operation that blocks on a lock replies only once the lock is granted
// or the transaction is chosen as a deadlock victim.
func (s *Server) Submit(clientID string, env wire.Envelope) <-chan wire.Envelope {
	reply := make(chan wire.Envelope, 1)
	s.requests <- request{clientID: clientID, env: env, reply: reply}
	return reply
}

// Run drives the dispatch loop until ctx is cancelled or the server
// processes a SHUTDOWN control operation.
func (s *Server) Run(ctx context.Context) {
	tickEvery := s.cfg.DeadlockTimeout / 4
	if tickEvery <= 0 {
		tickEvery = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case req := <-s.requests:
			s.handle(req)
			if s.shuttingDown {
				return
			}
		case now := <-ticker.C:
			s.tick(now)
			s.prune(now)
		}
	}
}

var nextTicket uint64

func newTicket() lockmgr.Ticket {
	nextTicket++
	return lockmgr.Ticket(nextTicket)
}

func (s *Server) txnFor(id transid.ID, now time.Time) *txnRecord {
	rec, ok := s.txns[id]
	if !ok {
		rec = newTxnRecord(id, now)
		s.txns[id] = rec
		metrics.TransactionsActive.Inc()
	}
	return rec
}

func (s *Server) finishTxn(id transid.ID, outcome string) {
	if _, ok := s.txns[id]; ok {
		delete(s.txns, id)
		metrics.TransactionsActive.Dec()
	}
	metrics.TransactionOutcomesTotal.WithLabelValues(outcome).Inc()
}

// checkSeq enforces the transsn sequencing rule for every
// transactional opcode other than ABORT, which is exempt.
func checkSeq(rec *txnRecord, sn uint64) piouserr.Code {
	if sn != rec.expectedSN {
		return piouserr.EPROTO
	}
	return piouserr.OK
}

func (s *Server) handle(req request) {
	now := time.Now()
	env := req.env

	switch env.Op {
	case wire.OpRead:
		s.handleRead(req, now)
	case wire.OpWrite:
		s.handleWrite(req, now)
	case wire.OpReadSint:
		s.handleReadSint(req, now)
	case wire.OpWriteSint:
		s.handleWriteSint(req, now)
	case wire.OpFASint:
		s.handleFASint(req, now)
	case wire.OpPrepare:
		s.handlePrepare(req)
	case wire.OpCommit:
		s.handleCommit(req)
	case wire.OpAbort:
		s.handleAbort(req)
	case wire.OpLookup:
		s.handleLookup(req)
	case wire.OpMkdir:
		s.handleMkdir(req)
	case wire.OpRmdir:
		s.handleRmdir(req)
	case wire.OpUnlink:
		s.handleUnlink(req)
	case wire.OpChmod:
		s.handleChmod(req)
	case wire.OpStat:
		s.handleStat(req)
	case wire.OpPing:
		s.handlePing(req)
	case wire.OpReset:
		s.handleReset(req)
	case wire.OpCacheflush:
		s.handleCacheflush(req)
	case wire.OpShutdown:
		s.handleShutdown(req)
	default:
		req.reply <- wire.Envelope{Op: env.Op, Body: wire.SimpleReply{Code: piouserr.EPROTO}.MarshalBinary()}
	}
}

func (s *Server) handleRead(req request, now time.Time) {
	body, err := wire.UnmarshalReadRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpRead, piouserr.EPROTO)
		return
	}
	rec := s.txnFor(body.Header.TransID, now)
	if code := checkSeq(rec, body.Header.TransSN); code != piouserr.OK {
		req.reply <- wire.Envelope{Op: wire.OpRead, Body: wire.ReadReply{Code: code}.MarshalBinary()}
		return
	}
	if body.NByte < 0 {
		req.reply <- wire.Envelope{Op: wire.OpRead, Body: wire.ReadReply{Code: piouserr.EINVAL}.MarshalBinary()}
		return
	}

	lockReq := lockmgr.Request{TransID: rec.id, FHandle: body.Handle, Kind: lockmgr.ReadLock, Range: lockmgr.Range{Offset: body.Offset, Length: body.NByte}}
	s.acquireThen(req, rec, lockReq, now, func(now time.Time) wire.Envelope {
		buf := make([]byte, body.NByte)
		n, err := s.blocks.Read(body.Handle, body.Offset, buf)
		if err != nil {
			return wire.Envelope{Op: wire.OpRead, Body: wire.ReadReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		rec.expectedSN++
		return wire.Envelope{Op: wire.OpRead, Body: wire.ReadReply{Code: piouserr.OK, Data: buf[:n]}.MarshalBinary()}
	})
}

func (s *Server) handleWrite(req request, now time.Time) {
	body, err := wire.UnmarshalWriteRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpWrite, piouserr.EPROTO)
		return
	}
	rec := s.txnFor(body.Header.TransID, now)
	if code := checkSeq(rec, body.Header.TransSN); code != piouserr.OK {
		req.reply <- wire.Envelope{Op: wire.OpWrite, Body: wire.WriteReply{Code: code}.MarshalBinary()}
		return
	}

	lockReq := lockmgr.Request{TransID: rec.id, FHandle: body.Handle, Kind: lockmgr.WriteLock, Range: lockmgr.Range{Offset: body.Offset, Length: int64(len(body.Data))}}
	s.acquireThen(req, rec, lockReq, now, func(now time.Time) wire.Envelope {
		n, err := s.blocks.Write(body.Handle, body.Offset, body.Data, cache.Async)
		if err != nil {
			return wire.Envelope{Op: wire.OpWrite, Body: wire.WriteReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		rec.markDirty(body.Handle, s.blocks.AlignedOffsets(body.Offset, int64(n)))
		rec.expectedSN++
		return wire.Envelope{Op: wire.OpWrite, Body: wire.WriteReply{Code: piouserr.OK, N: int64(n)}.MarshalBinary()}
	})
}

func (s *Server) handleReadSint(req request, now time.Time) {
	body, err := wire.UnmarshalReadSintRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpReadSint, piouserr.EPROTO)
		return
	}
	rec := s.txnFor(body.Header.TransID, now)
	if code := checkSeq(rec, body.Header.TransSN); code != piouserr.OK {
		req.reply <- wire.Envelope{Op: wire.OpReadSint, Body: wire.SintReply{Code: code}.MarshalBinary()}
		return
	}
	lockReq := lockmgr.Request{TransID: rec.id, FHandle: body.Handle, Kind: lockmgr.ReadLock, Range: lockmgr.Range{Offset: body.Offset, Length: 8}}
	s.acquireThen(req, rec, lockReq, now, func(now time.Time) wire.Envelope {
		v, err := s.storage.ReadSint(body.Handle, body.Offset)
		if err != nil {
			return wire.Envelope{Op: wire.OpReadSint, Body: wire.SintReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		rec.expectedSN++
		return wire.Envelope{Op: wire.OpReadSint, Body: wire.SintReply{Code: piouserr.OK, Value: v}.MarshalBinary()}
	})
}

func (s *Server) handleWriteSint(req request, now time.Time) {
	body, err := wire.UnmarshalWriteSintRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpWriteSint, piouserr.EPROTO)
		return
	}
	rec := s.txnFor(body.Header.TransID, now)
	if code := checkSeq(rec, body.Header.TransSN); code != piouserr.OK {
		req.reply <- wire.Envelope{Op: wire.OpWriteSint, Body: wire.SimpleReply{Code: code}.MarshalBinary()}
		return
	}
	lockReq := lockmgr.Request{TransID: rec.id, FHandle: body.Handle, Kind: lockmgr.WriteLock, Range: lockmgr.Range{Offset: body.Offset, Length: 8}}
	s.acquireThen(req, rec, lockReq, now, func(now time.Time) wire.Envelope {
		err := s.storage.WriteSint(body.Handle, body.Offset, body.Value)
		if err == nil {
			rec.expectedSN++
		}
		return wire.Envelope{Op: wire.OpWriteSint, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
	})
}

func (s *Server) handleFASint(req request, now time.Time) {
	body, err := wire.UnmarshalFASintRequest(req.env.Body)
	if err != nil {
		req.reply <- replyErr(wire.OpFASint, piouserr.EPROTO)
		return
	}
	rec := s.txnFor(body.Header.TransID, now)
	if code := checkSeq(rec, body.Header.TransSN); code != piouserr.OK {
		req.reply <- wire.Envelope{Op: wire.OpFASint, Body: wire.SintReply{Code: code}.MarshalBinary()}
		return
	}
	lockReq := lockmgr.Request{TransID: rec.id, FHandle: body.Handle, Kind: lockmgr.WriteLock, Range: lockmgr.Range{Offset: body.Offset, Length: 8}}
	s.acquireThen(req, rec, lockReq, now, func(now time.Time) wire.Envelope {
		prev, err := s.storage.FetchAddSint(body.Handle, body.Offset, body.Delta)
		if err != nil {
			return wire.Envelope{Op: wire.OpFASint, Body: wire.SintReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		}
		rec.expectedSN++
		return wire.Envelope{Op: wire.OpFASint, Body: wire.SintReply{Code: piouserr.OK, Value: prev}.MarshalBinary()}
	})
}

// acquireThen tries to grant lockReq immediately. On success it runs do
// now and replies. On failure it parks req until the lock is granted or
// the transaction is chosen as a deadlock victim.
func (s *Server) acquireThen(req request, rec *txnRecord, lockReq lockmgr.Request, now time.Time, do func(now time.Time) wire.Envelope) {
	ticket := newTicket()
	outcome := s.lockMgr.Acquire(ticket, lockReq, now)
	if outcome == lockmgr.Granted {
		req.reply <- do(now)
		return
	}
	s.pending[ticket] = &pendingOp{ticket: ticket, transID: rec.id, req: req, resume: do}
}

// resumeGranted delivers replies to every pending operation named by
// tickets, used whenever a lock release (from a tick, a commit, or an
// abort) makes a parked waiter immediately grantable instead of leaving
// it to the next periodic tick.
func (s *Server) resumeGranted(tickets []lockmgr.Ticket, now time.Time) {
	for _, t := range tickets {
		if p, ok := s.pending[t]; ok {
			p.req.reply <- p.resume(now)
			delete(s.pending, t)
		}
	}
}

func (s *Server) tick(now time.Time) {
	aborted, granted := s.lockMgr.Tick(now)

	grantedSet := make(map[lockmgr.Ticket]bool, len(granted))
	for _, t := range granted {
		grantedSet[t] = true
	}
	s.resumeGranted(granted, now)

	for _, victim := range aborted {
		// Tick only releases the victim's locks on the one file its
		// blocked waiter was contending over; make the abort complete
		// across every file the victim may also hold locks on.
		s.resumeGranted(s.lockMgr.Release(victim), now)
		s.discardTxn(victim)

		for ticket, p := range s.pending {
			if p.transID == victim && !grantedSet[ticket] {
				p.req.reply <- replyErr(p.req.env.Op, piouserr.EABORT)
				delete(s.pending, ticket)
			}
		}
	}
}

func (s *Server) discardTxn(id transid.ID) {
	rec, ok := s.txns[id]
	if !ok {
		return
	}
	for db := range rec.dirty {
		_ = s.blocks.DiscardBlock(db.handle, db.offset)
	}
	if rec.stable && s.redo != nil {
		_ = s.redo.Truncate(id)
	}
	s.finishTxn(id, "abort")
}

func (s *Server) handlePrepare(req request) {
	body, err := wire.UnmarshalTransIDRequest(req.env.Body)
	if err != nil {
		req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.EPROTO}.MarshalBinary()}
		return
	}
	rec, ok := s.txns[body.TransID]
	if !ok {
		req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.EABORT}.MarshalBinary()}
		return
	}
	rec.stable = true
	rec.state = txnPrepared

	if len(rec.dirty) == 0 {
		// No COMMIT follows a read-only prepare, so the transaction ends here.
		s.resumeGranted(s.lockMgr.Release(rec.id), time.Now())
		s.finishTxn(rec.id, "readonly")
		req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.OK, ReadOnly: true}.MarshalBinary()}
		return
	}
	if s.redo == nil {
		req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.EFATAL}.MarshalBinary()}
		return
	}

	entry := txnlog.Entry{TransID: rec.id}
	for db := range rec.dirty {
		buf := make([]byte, s.cfg.CacheBlockSize)
		if _, err := s.blocks.Read(db.handle, db.offset, buf); err != nil {
			req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
			return
		}
		entry.Writes = append(entry.Writes, txnlog.WriteRecord{Handle: db.handle, Offset: db.offset, Data: buf})
	}
	if err := s.redo.Append(entry); err != nil {
		req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
		return
	}
	req.reply <- wire.Envelope{Op: wire.OpPrepare, Body: wire.PrepareReply{Code: piouserr.OK}.MarshalBinary()}
}

func (s *Server) handleCommit(req request) {
	body, err := wire.UnmarshalTransIDRequest(req.env.Body)
	if err != nil {
		req.reply <- wire.Envelope{Op: wire.OpCommit, Body: wire.SimpleReply{Code: piouserr.EPROTO}.MarshalBinary()}
		return
	}
	rec, ok := s.txns[body.TransID]
	if !ok {
		req.reply <- wire.Envelope{Op: wire.OpCommit, Body: wire.SimpleReply{Code: piouserr.EABORT}.MarshalBinary()}
		return
	}

	if rec.stable {
		for db := range rec.dirty {
			if err := s.blocks.WritebackBlock(db.handle, db.offset); err != nil {
				req.reply <- wire.Envelope{Op: wire.OpCommit, Body: wire.SimpleReply{Code: piouserr.CodeOf(err)}.MarshalBinary()}
				return
			}
		}
		if s.redo != nil {
			_ = s.redo.Truncate(rec.id)
		}
	}

	s.resumeGranted(s.lockMgr.Release(rec.id), time.Now())
	s.finishTxn(rec.id, "commit")
	req.reply <- wire.Envelope{Op: wire.OpCommit, Body: wire.SimpleReply{Code: piouserr.OK}.MarshalBinary()}
}

func (s *Server) handleAbort(req request) {
	body, err := wire.UnmarshalTransIDRequest(req.env.Body)
	if err != nil {
		req.reply <- wire.Envelope{Op: wire.OpAbort, Body: wire.SimpleReply{Code: piouserr.EPROTO}.MarshalBinary()}
		return
	}
	// Abort is exempt from the transsn sequence rule and is idempotent:
	// a transaction already gone (committed, or aborted by deadlock
	// timeout) just reports success.
	if rec, ok := s.txns[body.TransID]; ok {
		for db := range rec.dirty {
			_ = s.blocks.DiscardBlock(db.handle, db.offset)
		}
		if rec.stable && s.redo != nil {
			_ = s.redo.Truncate(rec.id)
		}
		s.resumeGranted(s.lockMgr.Release(rec.id), time.Now())
		s.finishTxn(rec.id, "abort")
	}

	for ticket, p := range s.pending {
		if p.transID == body.TransID {
			p.req.reply <- replyErr(p.req.env.Op, piouserr.EABORT)
			delete(s.pending, ticket)
		}
	}

	req.reply <- wire.Envelope{Op: wire.OpAbort, Body: wire.SimpleReply{Code: piouserr.OK}.MarshalBinary()}
}

func replyErr(op wire.Opcode, code piouserr.Code) wire.Envelope {
	switch op {
	case wire.OpRead:
		return wire.Envelope{Op: op, Body: wire.ReadReply{Code: code}.MarshalBinary()}
	case wire.OpWrite:
		return wire.Envelope{Op: op, Body: wire.WriteReply{Code: code}.MarshalBinary()}
	case wire.OpReadSint, wire.OpFASint:
		return wire.Envelope{Op: op, Body: wire.SintReply{Code: code}.MarshalBinary()}
	case wire.OpPrepare:
		return wire.Envelope{Op: op, Body: wire.PrepareReply{Code: code}.MarshalBinary()}
	case wire.OpLookup:
		return wire.Envelope{Op: op, Body: wire.LookupReply{Code: code}.MarshalBinary()}
	case wire.OpStat:
		return wire.Envelope{Op: op, Body: wire.StatReply{Code: code}.MarshalBinary()}
	default:
		return wire.Envelope{Op: op, Body: wire.SimpleReply{Code: code}.MarshalBinary()}
	}
}

