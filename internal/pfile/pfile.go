// Package pfile is one data server's view of the parafile segments it
// hosts on local storage: the per-parafile directory layout (metadata,
// shared-pointer slots, segment files), the server-local open-file
// table that hands out fhandle.Handle values, and the byte-addressable
// storage adapter the cache reads and writes through.
package pfile

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/piouserr"
)

const (
	metadataName = ".metadata"
	sharptrName  = ".sharptr"

	dirMode      os.FileMode = 0o755
	metadataMode os.FileMode = 0o644
	sharptrMode  os.FileMode = 0o666
)

// Metadata is the parafile's fixed-size directory record: three signed
// 32-bit integers at indices 0..2.
type Metadata struct {
	Extant bool
	PDSCnt int32
	SegCnt int32
}

func (m Metadata) marshal() []byte {
	buf := make([]byte, 12)
	if m.Extant {
		binary.BigEndian.PutUint32(buf[0:4], 1)
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.PDSCnt))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.SegCnt))
	return buf
}

func unmarshalMetadata(buf []byte) (Metadata, error) {
	if len(buf) < 12 {
		return Metadata{}, piouserr.New(piouserr.EUNXP, "pfile.unmarshalMetadata")
	}
	return Metadata{
		Extant: binary.BigEndian.Uint32(buf[0:4]) != 0,
		PDSCnt: int32(binary.BigEndian.Uint32(buf[4:8])),
		SegCnt: int32(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// Dir returns the local directory a parafile named name is rooted at,
// under root.
func Dir(root, name string) string {
	return filepath.Join(root, name)
}

// CreateDir makes the parafile's directory, not yet extant.
func CreateDir(dir string) error {
	if err := os.Mkdir(dir, dirMode); err != nil {
		if os.IsExist(err) {
			return piouserr.Wrap(piouserr.EEXIST, "pfile.CreateDir", err)
		}
		return piouserr.Wrap(piouserr.EUNXP, "pfile.CreateDir", err)
	}
	return nil
}

// WriteMetadata writes m to dir's .metadata file.
func WriteMetadata(dir string, m Metadata) error {
	path := filepath.Join(dir, metadataName)
	if err := os.WriteFile(path, m.marshal(), metadataMode); err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "pfile.WriteMetadata", err)
	}
	return nil
}

// ReadMetadata reads dir's .metadata file.
func ReadMetadata(dir string) (Metadata, error) {
	path := filepath.Join(dir, metadataName)
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, piouserr.Wrap(piouserr.ENOENT, "pfile.ReadMetadata", err)
		}
		return Metadata{}, piouserr.Wrap(piouserr.EUNXP, "pfile.ReadMetadata", err)
	}
	return unmarshalMetadata(buf)
}

// SetExtant flips the directory's extant flag. Setting it true only
// after every segment file in the group exists, and false before
// removing anything, keeps a crash mid-unlink from leaving a
// half-deleted parafile marked extant.
func SetExtant(dir string, extant bool) error {
	m, err := ReadMetadata(dir)
	if err != nil {
		return err
	}
	m.Extant = extant
	return WriteMetadata(dir, m)
}

// IsExtant reports dir's current extant flag.
func IsExtant(dir string) (bool, error) {
	m, err := ReadMetadata(dir)
	if err != nil {
		return false, err
	}
	return m.Extant, nil
}

// RemoveDir deletes a parafile directory and everything under it. The
// caller must have already cleared the extant flag.
func RemoveDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "pfile.RemoveDir", err)
	}
	return nil
}

// MkdirMode creates dir with mode masked by cmask, for the MKDIR control
// operation, with the umask rule applied uniformly to every creation
// path, not just parafile directories.
func MkdirMode(dir string, mode, cmask os.FileMode) error {
	effective := mode &^ cmask & 0o777
	if err := os.Mkdir(dir, effective); err != nil {
		if os.IsExist(err) {
			return piouserr.Wrap(piouserr.EEXIST, "pfile.MkdirMode", err)
		}
		if os.IsNotExist(err) {
			return piouserr.Wrap(piouserr.ENOENT, "pfile.MkdirMode", err)
		}
		return piouserr.Wrap(piouserr.EUNXP, "pfile.MkdirMode", err)
	}
	return nil
}

// Rmdir removes an empty directory.
func Rmdir(dir string) error {
	if err := os.Remove(dir); err != nil {
		if os.IsNotExist(err) {
			return piouserr.Wrap(piouserr.ENOENT, "pfile.Rmdir", err)
		}
		return piouserr.Wrap(piouserr.EUNXP, "pfile.Rmdir", err)
	}
	return nil
}

// CreateSharptr writes a fresh, zeroed .sharptr file with room for
// groups signed-int slots.
func CreateSharptr(dir string, groups int) error {
	path := filepath.Join(dir, sharptrName)
	buf := make([]byte, 8*groups)
	if err := os.WriteFile(path, buf, sharptrMode); err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "pfile.CreateSharptr", err)
	}
	return nil
}

// SegmentPath returns the path of segment n within dir.
func SegmentPath(dir string, n int) string {
	return filepath.Join(dir, "segment."+itoa(n))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// entry is one server-local open file.
type entry struct {
	file *os.File
	path string
}

// Table is a data server's open-file table: it hands out fhandle.Handle
// values bound to a local *os.File for the life of the server process.
// Every handle it issues carries the same generation token, derived once
// at process start, so a handle presented to a restarted server (a fresh
// Table, fresh generation) is rejected as stale rather than silently
// reused against the wrong file.
type Table struct {
	mu         sync.Mutex
	generation uint32
	nextIndex  uint32
	byPath     map[string]fhandle.Handle
	byHandle   map[fhandle.Handle]*entry
}

var tableSeq uint32

// NewTable derives a generation token unique to this Table instance:
// a process restart (or, in tests, a second Table standing in for one)
// always gets a different value, so a handle from a prior incarnation
// is rejected rather than silently matched to the wrong open file.
func NewTable() *Table {
	seq := atomic.AddUint32(&tableSeq, 1)
	return &Table{
		generation: uint32(time.Now().UnixNano()) ^ seq,
		byPath:     make(map[string]fhandle.Handle),
		byHandle:   make(map[fhandle.Handle]*entry),
	}
}

// Lookup resolves path to a handle, opening (and optionally creating) the
// backing file on first reference. mode is the creation mode requested
// by the caller; cmask is the process-wide umask, ANDed out of mode
// before the file is created.
func (t *Table) Lookup(path string, creat bool, mode, cmask os.FileMode) (h fhandle.Handle, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byPath[path]; ok {
		return existing, false, nil
	}

	flags := os.O_RDWR
	effectiveMode := mode
	if creat {
		flags |= os.O_CREATE
		effectiveMode = mode &^ cmask & 0o777
	}
	_, statErr := os.Stat(path)
	willCreate := creat && os.IsNotExist(statErr)

	f, err := os.OpenFile(path, flags, effectiveMode)
	if err != nil {
		if os.IsNotExist(err) {
			return fhandle.Invalid, false, piouserr.Wrap(piouserr.ENOENT, "pfile.Table.Lookup", err)
		}
		if os.IsPermission(err) {
			return fhandle.Invalid, false, piouserr.Wrap(piouserr.EACCES, "pfile.Table.Lookup", err)
		}
		return fhandle.Invalid, false, piouserr.Wrap(piouserr.EUNXP, "pfile.Table.Lookup", err)
	}

	t.nextIndex++
	handle := fhandle.New(t.nextIndex, t.generation)
	t.byPath[path] = handle
	t.byHandle[handle] = &entry{file: f, path: path}
	return handle, willCreate, nil
}

func (t *Table) get(h fhandle.Handle) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byHandle[h]
	if !ok || h.Generation() != t.generation {
		return nil, false
	}
	return e, true
}

// Close releases a handle: the backing file is closed and the handle
// retired, for explicit unlink or reset.
func (t *Table) Close(h fhandle.Handle) error {
	t.mu.Lock()
	e, ok := t.byHandle[h]
	if ok {
		delete(t.byHandle, h)
		delete(t.byPath, e.path)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.file.Close(); err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "pfile.Table.Close", err)
	}
	return nil
}

// Size reports how many handles are currently open.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byHandle)
}

// Stat reports the backing file's current size and mode.
func (t *Table) Stat(h fhandle.Handle) (os.FileInfo, error) {
	e, ok := t.get(h)
	if !ok {
		return nil, piouserr.New(piouserr.EBADF, "pfile.Table.Stat")
	}
	info, err := e.file.Stat()
	if err != nil {
		return nil, piouserr.Wrap(piouserr.EUNXP, "pfile.Table.Stat", err)
	}
	return info, nil
}

// Chmod changes the backing file's mode.
func (t *Table) Chmod(h fhandle.Handle, mode os.FileMode) error {
	e, ok := t.get(h)
	if !ok {
		return piouserr.New(piouserr.EBADF, "pfile.Table.Chmod")
	}
	if err := os.Chmod(e.path, mode); err != nil {
		return piouserr.Wrap(piouserr.EUNXP, "pfile.Table.Chmod", err)
	}
	return nil
}

// Unlink closes and removes the backing file named by h.
func (t *Table) Unlink(h fhandle.Handle) error {
	t.mu.Lock()
	e, ok := t.byHandle[h]
	if ok {
		delete(t.byHandle, h)
		delete(t.byPath, e.path)
	}
	t.mu.Unlock()
	if !ok {
		return piouserr.New(piouserr.EBADF, "pfile.Table.Unlink")
	}
	_ = e.file.Close()
	if err := os.Remove(e.path); err != nil {
		if os.IsNotExist(err) {
			return piouserr.Wrap(piouserr.ENOENT, "pfile.Table.Unlink", err)
		}
		return piouserr.Wrap(piouserr.EUNXP, "pfile.Table.Unlink", err)
	}
	return nil
}

// FileStorage adapts a Table into the byte-addressable read/write
// primitive the cache and the sint operations need.
type FileStorage struct {
	Table *Table
}

func (s FileStorage) ReadBlock(h fhandle.Handle, offset int64, buf []byte) (int, error) {
	e, ok := s.Table.get(h)
	if !ok {
		return 0, piouserr.New(piouserr.EBADF, "pfile.FileStorage.ReadBlock")
	}
	n, err := e.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, piouserr.Wrap(piouserr.EUNXP, "pfile.FileStorage.ReadBlock", err)
	}
	return n, nil
}

func (s FileStorage) WriteBlock(h fhandle.Handle, offset int64, buf []byte) (int, error) {
	e, ok := s.Table.get(h)
	if !ok {
		return 0, piouserr.New(piouserr.EBADF, "pfile.FileStorage.WriteBlock")
	}
	n, err := e.file.WriteAt(buf, offset)
	if err != nil {
		return n, piouserr.Wrap(piouserr.EUNXP, "pfile.FileStorage.WriteBlock", err)
	}
	return n, nil
}

// ReadSint reads the 8-byte signed integer at offset.
func (s FileStorage) ReadSint(h fhandle.Handle, offset int64) (int64, error) {
	var buf [8]byte
	if _, err := s.ReadBlock(h, offset, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteSint writes the 8-byte signed integer at offset.
func (s FileStorage) WriteSint(h fhandle.Handle, offset int64, value int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	_, err := s.WriteBlock(h, offset, buf[:])
	return err
}

// FetchAddSint atomically (the caller is expected to already hold the
// write lock on this range) reads the slot at offset, adds delta, writes
// the result back, and returns the pre-increment value.
func (s FileStorage) FetchAddSint(h fhandle.Handle, offset int64, delta int64) (int64, error) {
	prev, err := s.ReadSint(h, offset)
	if err != nil {
		return 0, err
	}
	if err := s.WriteSint(h, offset, prev+delta); err != nil {
		return 0, err
	}
	return prev, nil
}
