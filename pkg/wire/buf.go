package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
)

// writer accumulates a message body as a flat byte slice. All multi-byte
// scalars are written big-endian, independent of the local host's native
// order, so a body is interpretable by any receiving host.
type writer struct {
	buf []byte
}

func (w *writer) Bytes() []byte { return w.buf }

func (w *writer) putUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putInt64(v int64) { w.putUint64(uint64(v)) }

func (w *writer) putBool(v bool) {
	if v {
		w.putUint8(1)
	} else {
		w.putUint8(0)
	}
}

func (w *writer) putBytes(b []byte) {
	w.putUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) putString(s string) { w.putBytes([]byte(s)) }

func (w *writer) putTransID(id transid.ID) { w.buf = append(w.buf, id.MarshalBinary()...) }

func (w *writer) putHandle(h fhandle.Handle) { w.buf = append(w.buf, h.MarshalBinary()...) }

func (w *writer) putCode(c piouserr.Code) { w.putUint8(uint8(int8(c))) }

// reader consumes a message body written by writer, in the same field
// order. A short buffer is reported via err rather than a panic.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("wire: short buffer: need %d bytes at offset %d, have %d", n, r.pos, len(r.buf))
		return false
	}
	return true
}

func (r *reader) getUint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) getUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) getUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) getInt64() int64 { return int64(r.getUint64()) }

func (r *reader) getBool() bool { return r.getUint8() != 0 }

func (r *reader) getBytes() []byte {
	n := r.getUint32()
	if !r.need(int(n)) {
		return nil
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return b
}

func (r *reader) getString() string { return string(r.getBytes()) }

func (r *reader) getTransID() transid.ID {
	if !r.need(32) {
		return transid.ID{}
	}
	id, err := transid.UnmarshalID(r.buf[r.pos : r.pos+32])
	if err != nil {
		r.err = err
		return transid.ID{}
	}
	r.pos += 32
	return id
}

func (r *reader) getHandle() fhandle.Handle {
	if !r.need(8) {
		return fhandle.Invalid
	}
	h := fhandle.Unmarshal(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return h
}

func (r *reader) getCode() piouserr.Code { return piouserr.Code(int8(r.getUint8())) }
