package wire

import (
	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/transid"
)

// Header is the (transid, transsn) pair carried by every transactional
// operation.
type Header struct {
	TransID transid.ID
	TransSN uint64
}

// NewHeader builds the header for the sn'th operation a client issues
// against transaction id (0 for the first operation of a transaction).
func NewHeader(id transid.ID, sn uint64) Header {
	return Header{TransID: id, TransSN: sn}
}

func (h Header) put(w *writer) {
	w.putTransID(h.TransID)
	w.putUint64(h.TransSN)
}

func getHeader(r *reader) Header {
	return Header{TransID: r.getTransID(), TransSN: r.getUint64()}
}

// ReadRequest asks for up to NByte bytes starting at Offset on Handle.
type ReadRequest struct {
	Header Header
	Handle fhandle.Handle
	Offset int64
	NByte  int64
}

func (m ReadRequest) MarshalBinary() []byte {
	w := &writer{}
	m.Header.put(w)
	w.putHandle(m.Handle)
	w.putInt64(m.Offset)
	w.putInt64(m.NByte)
	return w.Bytes()
}

func UnmarshalReadRequest(buf []byte) (ReadRequest, error) {
	r := newReader(buf)
	m := ReadRequest{Header: getHeader(r), Handle: r.getHandle(), Offset: r.getInt64(), NByte: r.getInt64()}
	return m, r.err
}

// ReadReply carries the bytes actually transferred, bounded by file
// length.
type ReadReply struct {
	Code piouserr.Code
	Data []byte
}

func (m ReadReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	w.putBytes(m.Data)
	return w.Bytes()
}

func UnmarshalReadReply(buf []byte) (ReadReply, error) {
	r := newReader(buf)
	m := ReadReply{Code: r.getCode(), Data: r.getBytes()}
	return m, r.err
}

// WriteRequest carries the bytes to write at Offset on Handle.
type WriteRequest struct {
	Header Header
	Handle fhandle.Handle
	Offset int64
	Data   []byte
}

func (m WriteRequest) MarshalBinary() []byte {
	w := &writer{}
	m.Header.put(w)
	w.putHandle(m.Handle)
	w.putInt64(m.Offset)
	w.putBytes(m.Data)
	return w.Bytes()
}

func UnmarshalWriteRequest(buf []byte) (WriteRequest, error) {
	r := newReader(buf)
	m := WriteRequest{Header: getHeader(r), Handle: r.getHandle(), Offset: r.getInt64(), Data: r.getBytes()}
	return m, r.err
}

// WriteReply carries the number of bytes actually transferred, bounded
// by the length of the request's Data.
type WriteReply struct {
	Code piouserr.Code
	N    int64
}

func (m WriteReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	w.putInt64(m.N)
	return w.Bytes()
}

func UnmarshalWriteReply(buf []byte) (WriteReply, error) {
	r := newReader(buf)
	m := WriteReply{Code: r.getCode(), N: r.getInt64()}
	return m, r.err
}

// ReadSintRequest reads a single signed-int slot at Offset.
type ReadSintRequest struct {
	Header Header
	Handle fhandle.Handle
	Offset int64
}

func (m ReadSintRequest) MarshalBinary() []byte {
	w := &writer{}
	m.Header.put(w)
	w.putHandle(m.Handle)
	w.putInt64(m.Offset)
	return w.Bytes()
}

func UnmarshalReadSintRequest(buf []byte) (ReadSintRequest, error) {
	r := newReader(buf)
	m := ReadSintRequest{Header: getHeader(r), Handle: r.getHandle(), Offset: r.getInt64()}
	return m, r.err
}

// SintReply carries a single signed-integer slot value (used by both
// READ_SINT and the pre-increment value of FA_SINT).
type SintReply struct {
	Code  piouserr.Code
	Value int64
}

func (m SintReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	w.putInt64(m.Value)
	return w.Bytes()
}

func UnmarshalSintReply(buf []byte) (SintReply, error) {
	r := newReader(buf)
	m := SintReply{Code: r.getCode(), Value: r.getInt64()}
	return m, r.err
}

// WriteSintRequest overwrites a signed-int slot at Offset.
type WriteSintRequest struct {
	Header Header
	Handle fhandle.Handle
	Offset int64
	Value  int64
}

func (m WriteSintRequest) MarshalBinary() []byte {
	w := &writer{}
	m.Header.put(w)
	w.putHandle(m.Handle)
	w.putInt64(m.Offset)
	w.putInt64(m.Value)
	return w.Bytes()
}

func UnmarshalWriteSintRequest(buf []byte) (WriteSintRequest, error) {
	r := newReader(buf)
	m := WriteSintRequest{Header: getHeader(r), Handle: r.getHandle(), Offset: r.getInt64(), Value: r.getInt64()}
	return m, r.err
}

// FASintRequest atomically adds Delta to the signed-int slot at Offset
// and returns the pre-increment value.
type FASintRequest struct {
	Header Header
	Handle fhandle.Handle
	Offset int64
	Delta  int64
}

func (m FASintRequest) MarshalBinary() []byte {
	w := &writer{}
	m.Header.put(w)
	w.putHandle(m.Handle)
	w.putInt64(m.Offset)
	w.putInt64(m.Delta)
	return w.Bytes()
}

func UnmarshalFASintRequest(buf []byte) (FASintRequest, error) {
	r := newReader(buf)
	m := FASintRequest{Header: getHeader(r), Handle: r.getHandle(), Offset: r.getInt64(), Delta: r.getInt64()}
	return m, r.err
}

// SimpleReply carries only a result code, for operations with no payload
// beyond success/failure.
type SimpleReply struct {
	Code piouserr.Code
}

func (m SimpleReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	return w.Bytes()
}

func UnmarshalSimpleReply(buf []byte) (SimpleReply, error) {
	r := newReader(buf)
	m := SimpleReply{Code: r.getCode()}
	return m, r.err
}

// TransIDRequest is the body shared by prepare, commit, and abort: they
// act on a whole transaction, not a byte range.
type TransIDRequest struct {
	TransID transid.ID
}

func (m TransIDRequest) MarshalBinary() []byte {
	w := &writer{}
	w.putTransID(m.TransID)
	return w.Bytes()
}

func UnmarshalTransIDRequest(buf []byte) (TransIDRequest, error) {
	r := newReader(buf)
	m := TransIDRequest{TransID: r.getTransID()}
	return m, r.err
}

// PrepareReply reports whether a read-only prepare means the client need
// not send a matching commit.
type PrepareReply struct {
	Code     piouserr.Code
	ReadOnly bool
}

func (m PrepareReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	w.putBool(m.ReadOnly)
	return w.Bytes()
}

func UnmarshalPrepareReply(buf []byte) (PrepareReply, error) {
	r := newReader(buf)
	m := PrepareReply{Code: r.getCode(), ReadOnly: r.getBool()}
	return m, r.err
}

// LookupRequest resolves a path (already scoped to this server's
// segment by the coordinator) to a file handle, creating it if Creat is
// set.
type LookupRequest struct {
	CMsgID uint64
	Path   string
	Creat  bool
	Mode   uint32
	Cmask  uint32
}

func (m LookupRequest) MarshalBinary() []byte {
	w := &writer{}
	w.putUint64(m.CMsgID)
	w.putString(m.Path)
	w.putBool(m.Creat)
	w.putUint32(m.Mode)
	w.putUint32(m.Cmask)
	return w.Bytes()
}

func UnmarshalLookupRequest(buf []byte) (LookupRequest, error) {
	r := newReader(buf)
	m := LookupRequest{
		CMsgID: r.getUint64(),
		Path:   r.getString(),
		Creat:  r.getBool(),
		Mode:   r.getUint32(),
		Cmask:  r.getUint32(),
	}
	return m, r.err
}

// LookupReply returns the resolved handle and the file's effective mode
// (after umask masking, if this lookup created the file).
type LookupReply struct {
	Code   piouserr.Code
	Handle fhandle.Handle
	Mode   uint32
	Size   int64
}

func (m LookupReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	w.putHandle(m.Handle)
	w.putUint32(m.Mode)
	w.putInt64(m.Size)
	return w.Bytes()
}

func UnmarshalLookupReply(buf []byte) (LookupReply, error) {
	r := newReader(buf)
	m := LookupReply{Code: r.getCode(), Handle: r.getHandle(), Mode: r.getUint32(), Size: r.getInt64()}
	return m, r.err
}

// CMsgRequest is the body shared by every remaining idempotent control
// operation that needs no argument beyond its reply-matching id:
// cacheflush, ping, reset, shutdown.
type CMsgRequest struct {
	CMsgID uint64
}

func (m CMsgRequest) MarshalBinary() []byte {
	w := &writer{}
	w.putUint64(m.CMsgID)
	return w.Bytes()
}

func UnmarshalCMsgRequest(buf []byte) (CMsgRequest, error) {
	r := newReader(buf)
	m := CMsgRequest{CMsgID: r.getUint64()}
	return m, r.err
}

// PathRequest is the body shared by mkdir and rmdir.
type PathRequest struct {
	CMsgID uint64
	Path   string
	Mode   uint32
	Cmask  uint32
}

func (m PathRequest) MarshalBinary() []byte {
	w := &writer{}
	w.putUint64(m.CMsgID)
	w.putString(m.Path)
	w.putUint32(m.Mode)
	w.putUint32(m.Cmask)
	return w.Bytes()
}

func UnmarshalPathRequest(buf []byte) (PathRequest, error) {
	r := newReader(buf)
	m := PathRequest{CMsgID: r.getUint64(), Path: r.getString(), Mode: r.getUint32(), Cmask: r.getUint32()}
	return m, r.err
}

// HandleRequest is the body shared by unlink, chmod, and stat.
type HandleRequest struct {
	CMsgID uint64
	Handle fhandle.Handle
	Mode   uint32
}

func (m HandleRequest) MarshalBinary() []byte {
	w := &writer{}
	w.putUint64(m.CMsgID)
	w.putHandle(m.Handle)
	w.putUint32(m.Mode)
	return w.Bytes()
}

func UnmarshalHandleRequest(buf []byte) (HandleRequest, error) {
	r := newReader(buf)
	m := HandleRequest{CMsgID: r.getUint64(), Handle: r.getHandle(), Mode: r.getUint32()}
	return m, r.err
}

// StatReply answers a STAT control operation.
type StatReply struct {
	Code    piouserr.Code
	Mode    uint32
	Size    int64
	ModTime int64
}

func (m StatReply) MarshalBinary() []byte {
	w := &writer{}
	w.putCode(m.Code)
	w.putUint32(m.Mode)
	w.putInt64(m.Size)
	w.putInt64(m.ModTime)
	return w.Bytes()
}

func UnmarshalStatReply(buf []byte) (StatReply, error) {
	r := newReader(buf)
	m := StatReply{Code: r.getCode(), Mode: r.getUint32(), Size: r.getInt64(), ModTime: r.getInt64()}
	return m, r.err
}
