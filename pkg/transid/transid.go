// Package transid implements the pds_transidt abstract data type: the
// quadruple that uniquely identifies a PIOUS transaction and orders
// transactions for the data server's deadlock-avoidance scheduler.
package transid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"
)

// ID uniquely identifies a transaction, or an independent (non-user)
// access that the client-side access engine treats as a one-operation
// transaction. Zero value is not a valid id.
type ID struct {
	HostID uint64
	ProcID int64
	Sec    int64
	USec   int64
}

var (
	hostIDOnce sync.Once
	hostID     uint64
)

// LocalHostID derives a process-lifetime-stable host identifier by
// hashing the local hostname together with a random salt generated once
// per process and held in memory, mirroring the original
// gethostid()-at-startup pattern (no durable host identity is assumed;
// see original_source/src/pdce/pdce_srcdestt.h).
func LocalHostID() uint64 {
	hostIDOnce.Do(func() {
		h := fnv.New64a()
		if name, err := os.Hostname(); err == nil {
			_, _ = h.Write([]byte(name))
		}
		var salt [8]byte
		if _, err := rand.Read(salt[:]); err == nil {
			_, _ = h.Write(salt[:])
		}
		hostID = h.Sum64()
	})
	return hostID
}

// New assigns a fresh, (with overwhelming probability) globally unique
// transaction id from a clock sample and the local process identity.
// transid_assign() in the original.
func New() ID {
	now := time.Now()
	return ID{
		HostID: LocalHostID(),
		ProcID: int64(os.Getpid()),
		Sec:    now.Unix(),
		USec:   int64(now.Nanosecond() / 1000),
	}
}

// Equal reports whether two transaction ids refer to the same
// transaction. transid_eq(); compares in the order most likely to
// short-circuit on inequality.
func (t ID) Equal(o ID) bool {
	return t.USec == o.USec && t.Sec == o.Sec && t.ProcID == o.ProcID && t.HostID == o.HostID
}

// GreaterThan implements transid_gt(): total order by (sec, usec,
// hostid, procid), timestamp first so that older transactions win
// scheduling contention.
func (t ID) GreaterThan(o ID) bool {
	switch {
	case t.Sec != o.Sec:
		return t.Sec > o.Sec
	case t.USec != o.USec:
		return t.USec > o.USec
	case t.HostID != o.HostID:
		return t.HostID > o.HostID
	default:
		return t.ProcID > o.ProcID
	}
}

// Less reports whether t strictly precedes o in the scheduling order.
func (t ID) Less(o ID) bool {
	return !t.Equal(o) && !t.GreaterThan(o)
}

// Hash implements transid_hash(): reduces by usec modulo buckets;
// buckets <= 0 always yields bucket 0.
func (t ID) Hash(buckets int) int {
	if buckets <= 0 {
		return 0
	}
	return int(t.USec % int64(buckets))
}

func (t ID) String() string {
	return fmt.Sprintf("%x.%d.%d.%06d", t.HostID, t.ProcID, t.Sec, t.USec)
}

// MarshalBinary packs the id into its fixed 32-byte wire representation,
// all fields big-endian so the encoding is independent of the sending
// host's native byte order.
func (t ID) MarshalBinary() []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], t.HostID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(t.ProcID))
	binary.BigEndian.PutUint64(buf[16:24], uint64(t.Sec))
	binary.BigEndian.PutUint64(buf[24:32], uint64(t.USec))
	return buf
}

// UnmarshalID unpacks an ID from its wire representation.
func UnmarshalID(buf []byte) (ID, error) {
	if len(buf) < 32 {
		return ID{}, fmt.Errorf("transid: short buffer: %d bytes", len(buf))
	}
	return ID{
		HostID: binary.BigEndian.Uint64(buf[0:8]),
		ProcID: int64(binary.BigEndian.Uint64(buf[8:16])),
		Sec:    int64(binary.BigEndian.Uint64(buf[16:24])),
		USec:   int64(binary.BigEndian.Uint64(buf[24:32])),
	}, nil
}
