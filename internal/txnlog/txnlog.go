// Package txnlog is a data server's durable redo-set log for stable
// transactions. Prepare writes a transaction's buffered writes here
// before replying, so a stable transaction's commit survives a crash
// between prepare and commit; commit truncates the entry once the
// writes have been written back to storage.
package txnlog

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"go.etcd.io/bbolt"

	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
)

var bucketName = []byte("redo")

// WriteRecord is one buffered write captured in a transaction's redo
// set.
type WriteRecord struct {
	Handle fhandle.Handle
	Offset int64
	Data   []byte
}

// Entry is the durable record written at prepare time.
type Entry struct {
	TransID transid.ID
	Writes  []WriteRecord
}

// Log is a single data server's redo-set log.
type Log struct {
	db     *bbolt.DB
	handle codec.MsgpackHandle
}

// Open opens (creating if absent) the bbolt database at path and
// ensures the redo bucket exists.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, piouserr.Wrap(piouserr.EUNXP, "txnlog.Open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, piouserr.Wrap(piouserr.EUNXP, "txnlog.Open", err)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	return l.db.Close()
}

// Append durably writes e's redo set, keyed by its transaction id. A
// re-prepare of the same id overwrites the prior entry.
func (l *Log) Append(e Entry) error {
	key := e.TransID.MarshalBinary()
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &l.handle)
	if err := enc.Encode(e); err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "txnlog.Append", err)
	}
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, buf)
	})
	if err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "txnlog.Append", err)
	}
	return nil
}

// Load returns the logged entry for id, if one is still pending.
func (l *Log) Load(id transid.ID) (Entry, bool, error) {
	var e Entry
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(id.MarshalBinary())
		if v == nil {
			return nil
		}
		dec := codec.NewDecoderBytes(v, &l.handle)
		if err := dec.Decode(&e); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, piouserr.Wrap(piouserr.EUNXP, "txnlog.Load", err)
	}
	return e, found, nil
}

// Truncate removes id's logged entry, called once its writes have been
// written back on commit (or discarded on abort of a transaction that
// had already prepared).
func (l *Log) Truncate(id transid.ID) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(id.MarshalBinary())
	})
	if err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "txnlog.Truncate", err)
	}
	return nil
}

// Pending returns every entry left in the log, for a server to replay
// at startup after a crash between prepare and commit.
func (l *Log) Pending() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var e Entry
			dec := codec.NewDecoderBytes(v, &l.handle)
			if err := dec.Decode(&e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, piouserr.Wrap(piouserr.EUNXP, "txnlog.Pending", err)
	}
	return entries, nil
}
