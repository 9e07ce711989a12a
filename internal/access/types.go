// Package access implements the client-side access engine: it turns one
// application call on an open parafile into striping arithmetic, a
// pipelined fan-out of per-server operations, shared-pointer
// fetch-and-add, and the non-user-transaction retry/commit/abort
// wrapper around all of it.
package access

import (
	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/wire"
)

// View is the logical mapping from a linear byte address to (segment,
// segment-offset) a parafile was opened with.
type View int

const (
	// ViewGlobal addresses the file through the shared pointer: every
	// client sharing the parafile's group advances the same position.
	ViewGlobal View = iota
	// ViewIndependent addresses the file through a pointer private to
	// this open, advanced only by this client's own calls.
	ViewIndependent
	// ViewSegmented addresses one explicit segment by index, bypassing
	// striping arithmetic entirely.
	ViewSegmented
)

// SegmentInfo is one stripe segment's file handle and hosting server.
type SegmentInfo struct {
	Handle   fhandle.Handle
	Endpoint wire.Endpoint
}

// ParafileInfo is the client-side open-file record: everything the
// access engine needs to turn a logical read/write/seek into per-server
// operations, without itself resolving names or spawning servers (that
// is the coordinator's job, consumed here as an already-resolved
// descriptor).
type ParafileInfo struct {
	// StripeUnit is the configured round-robin striping unit size in
	// bytes, shared by every segment.
	StripeUnit int64

	// Segments lists each stripe segment in order; len(Segments) is
	// seg_cnt.
	Segments []SegmentInfo

	// SharedPtr is the file handle and byte offset of the shared-pointer
	// sint slot, hosted on the low-order (first) server. Only
	// meaningful for ViewGlobal.
	SharedPtr     fhandle.Handle
	SharedPtrHost wire.Endpoint
	SharedPtrOff  int64

	View View

	// Stable marks the parafile's faultmode: a stable file's
	// transactions are prepared (synchronously logged) before commit; a
	// volatile file's are not, trading crash durability for speed.
	Stable bool
}

// SegCnt is the number of stripe segments.
func (p *ParafileInfo) SegCnt() int { return len(p.Segments) }

// PdsCnt is the number of distinct data servers hosting this parafile's
// segments. A parafile may stripe more segments than servers, several
// segments sharing one server.
func (p *ParafileInfo) PdsCnt() int {
	seen := make(map[wire.Endpoint]bool, len(p.Segments))
	for _, s := range p.Segments {
		seen[s.Endpoint] = true
	}
	return len(seen)
}
