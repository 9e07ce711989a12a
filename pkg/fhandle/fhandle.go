// Package fhandle defines the opaque, server-local file handle returned
// by a data server's lookup operation. Handles are meaningless outside
// the data server that issued them and go stale when that server
// restarts.
package fhandle

import "encoding/binary"

// Handle is opaque to callers; only the issuing data server interprets
// its bits (segment file descriptor index + a generation token that
// changes across restarts, so stale handles from a prior server
// incarnation are rejected rather than silently reused).
type Handle uint64

// Invalid is never returned by a successful lookup.
const Invalid Handle = 0

func New(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) Index() uint32      { return uint32(h) }
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

func (h Handle) MarshalBinary() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(h))
	return buf
}

func Unmarshal(buf []byte) Handle {
	return Handle(binary.BigEndian.Uint64(buf))
}
