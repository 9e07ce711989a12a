// Package lockmgr implements the data server's two-phase byte-range
// lock manager with a deadlock-avoidance timeout.
//
// The manager is driven from the data server's single cooperative
// dispatch loop: Acquire never blocks the caller.
// A request that cannot be granted immediately is parked as a waiter
// with a deadline; the loop calls Tick once per iteration to age
// waiters, abort whichever transaction the deadlock timer picks as
// victim, and report which parked requests can now proceed.
package lockmgr

import (
	"time"

	"github.com/pious-project/pious/internal/metrics"
	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/transid"
)

// Kind is the lock mode requested over a byte range.
type Kind int

const (
	ReadLock Kind = iota
	WriteLock
)

// Range is a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

func (r Range) end() int64 { return r.Offset + r.Length }

func (r Range) overlaps(o Range) bool {
	if r.Length == 0 || o.Length == 0 {
		return false
	}
	return r.Offset < o.end() && o.Offset < r.end()
}

// Request describes a single lock acquisition attempt.
type Request struct {
	TransID transid.ID
	FHandle fhandle.Handle
	Range   Range
	Kind    Kind
}

// Outcome is the immediate result of Acquire.
type Outcome int

const (
	Granted Outcome = iota
	Blocked
)

// Ticket correlates a parked waiter back to the caller's pending
// operation; the dispatch loop mints one per blocked request.
type Ticket uint64

type heldLock struct {
	holder transid.ID
	kind   Kind
	rng    Range
}

type waiter struct {
	ticket   Ticket
	req      Request
	deadline time.Time
}

type fileState struct {
	held    []heldLock
	waiters []*waiter
}

// Manager owns the lock table for one data server.
type Manager struct {
	files   map[fhandle.Handle]*fileState
	timeout time.Duration
}

func New(timeout time.Duration) *Manager {
	return &Manager{
		files:   make(map[fhandle.Handle]*fileState),
		timeout: timeout,
	}
}

func (m *Manager) fileFor(h fhandle.Handle) *fileState {
	fs, ok := m.files[h]
	if !ok {
		fs = &fileState{}
		m.files[h] = fs
	}
	return fs
}

// Acquire attempts to grant req immediately. If it cannot be granted, it
// is parked as a waiter identified by ticket, with its deadline armed
// from now.
func (m *Manager) Acquire(ticket Ticket, req Request, now time.Time) Outcome {
	if req.Range.Length == 0 {
		// A zero-byte request acquires no lock.
		return Granted
	}

	fs := m.fileFor(req.FHandle)
	if tryGrant(fs, req) {
		metrics.LocksHeld.Inc()
		return Granted
	}

	fs.waiters = append(fs.waiters, &waiter{
		ticket:   ticket,
		req:      req,
		deadline: now.Add(m.timeout),
	})
	return Blocked
}

// tryGrant attempts to grant req against fs's current holders, with the
// same-transaction read->write upgrade rule, and records it if granted.
func tryGrant(fs *fileState, req Request) bool {
	selfIdx := -1
	for i, hl := range fs.held {
		if !hl.rng.overlaps(req.Range) {
			continue
		}
		if hl.holder.Equal(req.TransID) {
			if req.Kind == WriteLock && hl.kind == ReadLock {
				selfIdx = i
				continue
			}
			// Already holds a compatible or stronger lock.
			continue
		}
		// Different holder: readers are mutually compatible, anything
		// else (writer vs. anything) conflicts.
		if req.Kind == ReadLock && hl.kind == ReadLock {
			continue
		}
		return false
	}

	if selfIdx >= 0 {
		// Upgrade in place: no other reader overlapped (checked above),
		// so this is safe.
		fs.held[selfIdx].kind = WriteLock
		fs.held[selfIdx].rng = unionRange(fs.held[selfIdx].rng, req.Range)
		return true
	}

	fs.held = append(fs.held, heldLock{holder: req.TransID, kind: req.Kind, rng: req.Range})
	return true
}

func unionRange(a, b Range) Range {
	start := a.Offset
	if b.Offset < start {
		start = b.Offset
	}
	end := a.end()
	if b.end() > end {
		end = b.end()
	}
	return Range{Offset: start, Length: end - start}
}

// Release drops every lock held by id across every file (transaction
// commit or abort) and reports which parked waiters can now be granted.
func (m *Manager) Release(id transid.ID) []Ticket {
	var granted []Ticket
	for _, fs := range m.files {
		releaseFrom(fs, id)
		granted = append(granted, regrantWaiters(fs)...)
	}
	return granted
}

func releaseFrom(fs *fileState, id transid.ID) {
	kept := fs.held[:0]
	for _, hl := range fs.held {
		if !hl.holder.Equal(id) {
			kept = append(kept, hl)
		} else {
			metrics.LocksHeld.Dec()
		}
	}
	fs.held = kept
}

// regrantWaiters walks waiters in arrival order, granting every one that
// the current holder set now admits.
func regrantWaiters(fs *fileState) []Ticket {
	var granted []Ticket
	remaining := fs.waiters[:0]
	for _, w := range fs.waiters {
		if tryGrant(fs, w.req) {
			granted = append(granted, w.ticket)
			metrics.LocksHeld.Inc()
		} else {
			remaining = append(remaining, w)
		}
	}
	fs.waiters = remaining
	return granted
}

// Tick ages every parked waiter. Any whose deadline has elapsed triggers
// deadlock-avoidance: the victim is the younger (per transid.GreaterThan)
// of the waiter and the holders currently blocking it; the victim's
// locks are released (so it counts as aborted)
// and its transid is reported so the dispatch loop can fail its pending
// operation and release any of its other resources. Tick then reports
// which remaining waiters became grantable as a result.
func (m *Manager) Tick(now time.Time) (aborted []transid.ID, granted []Ticket) {
	for _, fs := range m.files {
		i := 0
		for i < len(fs.waiters) {
			w := fs.waiters[i]
			if now.Before(w.deadline) {
				i++
				continue
			}

			victim := m.pickVictim(fs, w.req)
			aborted = append(aborted, victim)
			metrics.DeadlockAbortsTotal.Inc()

			releaseFrom(fs, victim)
			if victim.Equal(w.req.TransID) {
				fs.waiters = append(fs.waiters[:i], fs.waiters[i+1:]...)
				// Don't advance i: the slice shrank in place.
				continue
			}
			// A blocker was the victim; re-attempt this waiter now.
			if tryGrant(fs, w.req) {
				granted = append(granted, w.ticket)
				metrics.LocksHeld.Inc()
				fs.waiters = append(fs.waiters[:i], fs.waiters[i+1:]...)
				continue
			}
			i++
		}
		granted = append(granted, regrantWaiters(fs)...)
	}
	return aborted, granted
}

// pickVictim returns the younger of the blocked requester and the
// holders currently in conflict with it, guaranteeing the older
// transaction (and any transaction retried with the same id after a
// prior abort) eventually wins.
func (m *Manager) pickVictim(fs *fileState, req Request) transid.ID {
	victim := req.TransID
	for _, hl := range fs.held {
		if !hl.rng.overlaps(req.Range) || hl.holder.Equal(req.TransID) {
			continue
		}
		if req.Kind == ReadLock && hl.kind == ReadLock {
			continue
		}
		if hl.holder.GreaterThan(victim) {
			victim = hl.holder
		}
	}
	return victim
}

// Forget drops all lock-table state for a file handle, used when a data
// server unlinks or resets a file whose handle will never be reused.
func (m *Manager) Forget(h fhandle.Handle) {
	delete(m.files, h)
}
