package dataserver

import (
	"time"

	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/transid"
)

type txnState int

const (
	txnRunning txnState = iota
	txnPrepared
)

// dirtyBlock identifies one block a transaction has written, tracked so
// commit and abort can scope their work to exactly the blocks this
// transaction touched instead of the whole cache.
type dirtyBlock struct {
	handle fhandle.Handle
	offset int64
}

// txnRecord is a data server's bookkeeping for one in-flight
// transaction. It is deleted from Server.txns the moment the
// transaction commits or aborts: a committed-or-aborted transaction
// holds no locks, and a client may reuse the same id afterward starting
// again from transsn 0, which falls out naturally from the record
// simply not existing yet.
type txnRecord struct {
	id         transid.ID
	state      txnState
	expectedSN uint64
	stable     bool
	dirty      map[dirtyBlock]struct{}
	arrived    time.Time
}

func newTxnRecord(id transid.ID, now time.Time) *txnRecord {
	return &txnRecord{id: id, arrived: now, dirty: make(map[dirtyBlock]struct{})}
}

func (r *txnRecord) markDirty(h fhandle.Handle, blockOffsets []int64) {
	for _, off := range blockOffsets {
		r.dirty[dirtyBlock{h, off}] = struct{}{}
	}
}
