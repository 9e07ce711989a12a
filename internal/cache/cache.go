// Package cache implements the data server's segmented-LRU block cache.
// Every data block a server touches is born in the probationary segment
// and promoted to protected on a re-reference; evictions from protected
// demote back to probationary, and evictions from probationary are what
// actually leave the cache, triggering a writeback first if dirty.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pious-project/pious/internal/metrics"
	"github.com/pious-project/pious/pkg/fhandle"
	"github.com/pious-project/pious/pkg/piouserr"
)

// WritebackMode selects how an eviction writes a dirty block back to
// Storage. Write itself never writes to Storage, and WritebackBlock and
// Flush always write synchronously whatever the mode.
type WritebackMode int

const (
	// Sync writes the evicted block back inside the call that caused
	// the eviction.
	Sync WritebackMode = iota
	// Async hands the evicted block to a background goroutine and
	// returns immediately. The data server records every write as Async.
	Async
)

// Storage is the backing medium a Cache reads blocks from and writes
// dirty blocks back to. A data server's on-disk segment files satisfy
// this.
type Storage interface {
	ReadBlock(h fhandle.Handle, offset int64, buf []byte) (int, error)
	WriteBlock(h fhandle.Handle, offset int64, buf []byte) (int, error)
}

type blockKey struct {
	handle fhandle.Handle
	offset int64
}

// Block is one fixed-size cache entry.
type Block struct {
	Handle fhandle.Handle
	Offset int64
	Data   []byte
	Dirty  bool
	mode   WritebackMode
}

type asyncJob struct {
	handle fhandle.Handle
	offset int64
	data   []byte
}

// Cache is a data server's private block cache. It is not safe for
// concurrent use: a server's single dispatch loop is its only caller.
type Cache struct {
	blockSize int
	storage   Storage

	protected    *lru.Cache
	probationary *lru.Cache

	suppressProtectedEvict    bool
	suppressProbationaryEvict bool

	asyncCh chan asyncJob
	wg      sync.WaitGroup

	mu        sync.Mutex
	asyncErrs []error
}

// New builds a cache with the given fixed block size and total block
// count, split evenly between the protected and probationary segments.
// A blockCount of 0 or 1 is promoted to 2 so each segment holds at
// least one block.
func New(storage Storage, blockSize, blockCount int) *Cache {
	if blockCount <= 1 {
		blockCount = 2
	}
	protectedCap := blockCount / 2
	probationaryCap := blockCount - protectedCap

	c := &Cache{
		blockSize: blockSize,
		storage:   storage,
		asyncCh:   make(chan asyncJob, probationaryCap+protectedCap),
	}

	probationary, err := lru.NewWithEvict(probationaryCap, c.onProbationaryEvict)
	if err != nil {
		panic(err) // only fails on capacity <= 0, a caller bug
	}
	protected, err := lru.NewWithEvict(protectedCap, c.onProtectedEvict)
	if err != nil {
		panic(err)
	}
	c.probationary = probationary
	c.protected = protected

	go c.asyncLoop()
	return c
}

// Close drains and stops the async writeback worker. Callers should
// Flush first if they need every dirty block durable before Close.
func (c *Cache) Close() {
	close(c.asyncCh)
	c.wg.Wait()
}

func (c *Cache) align(offset int64) int64 {
	return offset - offset%int64(c.blockSize)
}

// Read copies up to len(buf) bytes starting at offset into buf, fetching
// blocks from storage on a miss. It returns fewer bytes than requested
// only when a read hits a short block at end of file.
func (c *Cache) Read(h fhandle.Handle, offset int64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		absolute := offset + int64(n)
		blockOff := c.align(absolute)
		within := int(absolute - blockOff)

		blk, err := c.fetch(h, blockOff)
		if err != nil {
			return n, err
		}
		if within >= len(blk.Data) {
			break
		}
		cnt := copy(buf[n:], blk.Data[within:])
		n += cnt
		if cnt == 0 {
			break
		}
	}
	return n, nil
}

// Write copies data into the cache starting at offset, dirtying every
// block it touches and recording mode for the eventual writeback. Write
// never itself pushes the change to storage: a dirty block only leaves
// the cache through eviction pressure, an explicit WritebackBlock, or
// Flush, so a transaction that later aborts can still call DiscardBlock
// to undo a write that nothing has forced to disk yet.
func (c *Cache) Write(h fhandle.Handle, offset int64, data []byte, mode WritebackMode) (int, error) {
	n := 0
	for n < len(data) {
		absolute := offset + int64(n)
		blockOff := c.align(absolute)
		within := int(absolute - blockOff)

		blk, err := c.fetch(h, blockOff)
		if err != nil {
			return n, err
		}
		cnt := copy(blk.Data[within:], data[n:])
		if cnt == 0 {
			break
		}
		blk.Dirty = true
		blk.mode = mode
		n += cnt
	}
	return n, nil
}

// AlignedOffsets returns the sequence of block-aligned offsets the range
// [offset, offset+n) touches, so a caller can track exactly which blocks
// a transaction has dirtied without reaching into cache internals.
func (c *Cache) AlignedOffsets(offset, n int64) []int64 {
	if n <= 0 {
		return nil
	}
	var offsets []int64
	end := offset + n
	for cur := c.align(offset); cur < end; cur += int64(c.blockSize) {
		offsets = append(offsets, cur)
	}
	return offsets
}

// WritebackBlock forces one specific block to storage synchronously now,
// regardless of the mode it was written under. Used at commit for a
// stable transaction, where durability is required before the commit
// reply is sent even if the underlying writes were buffered as Async.
func (c *Cache) WritebackBlock(h fhandle.Handle, blockOff int64) error {
	key := blockKey{h, blockOff}
	if v, ok := c.protected.Peek(key); ok {
		return c.flushBlock(v.(*Block))
	}
	if v, ok := c.probationary.Peek(key); ok {
		return c.flushBlock(v.(*Block))
	}
	return nil
}

// DiscardBlock drops a block's in-memory write and reloads it from
// storage, undoing a dirty write that was never pushed to disk. Used at
// abort. If the block was already evicted and written back under cache
// pressure before the abort, the write cannot be undone this way; stable
// transactions accept this as the same durability-completeness gap
// durability-completeness gap crash recovery leaves unresolved here.
func (c *Cache) DiscardBlock(h fhandle.Handle, blockOff int64) error {
	key := blockKey{h, blockOff}
	var blk *Block
	if v, ok := c.protected.Peek(key); ok {
		blk = v.(*Block)
	} else if v, ok := c.probationary.Peek(key); ok {
		blk = v.(*Block)
	}
	if blk == nil || !blk.Dirty {
		return nil
	}
	buf := make([]byte, c.blockSize)
	if _, err := c.storage.ReadBlock(h, blockOff, buf); err != nil {
		return err
	}
	blk.Data = buf
	blk.Dirty = false
	return nil
}

func (c *Cache) fetch(h fhandle.Handle, blockOff int64) (*Block, error) {
	key := blockKey{h, blockOff}

	if v, ok := c.protected.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("hit_protected").Inc()
		return v.(*Block), nil
	}
	if v, ok := c.probationary.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("hit_probationary").Inc()
		blk := v.(*Block)
		c.promote(key, blk)
		return blk, nil
	}

	metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
	buf := make([]byte, c.blockSize)
	if _, err := c.storage.ReadBlock(h, blockOff, buf); err != nil {
		return nil, err
	}
	blk := &Block{Handle: h, Offset: blockOff, Data: buf}
	c.probationary.Add(key, blk)
	return blk, nil
}

func (c *Cache) promote(key blockKey, blk *Block) {
	c.suppressProbationaryEvict = true
	c.probationary.Remove(key)
	c.suppressProbationaryEvict = false

	c.protected.Add(key, blk)
	metrics.CachePromotionsTotal.Inc()
}

// onProtectedEvict fires when the protected segment is full and Add
// displaces its least-recently-used entry: that entry demotes to
// probationary rather than leaving the cache.
func (c *Cache) onProtectedEvict(key, value interface{}) {
	if c.suppressProtectedEvict {
		return
	}
	metrics.CacheEvictionsTotal.WithLabelValues("protected").Inc()
	c.probationary.Add(key, value.(*Block))
}

// onProbationaryEvict fires both for a genuine eviction (segment full)
// and for the deliberate Remove inside promote; suppressProbationaryEvict
// distinguishes the two so a promoted block isn't written back and
// dropped as if it had left the cache.
func (c *Cache) onProbationaryEvict(key, value interface{}) {
	if c.suppressProbationaryEvict {
		return
	}
	metrics.CacheEvictionsTotal.WithLabelValues("probationary").Inc()
	blk := value.(*Block)
	if blk.Dirty {
		if err := c.writeback(blk); err != nil {
			c.mu.Lock()
			c.asyncErrs = append(c.asyncErrs, err)
			c.mu.Unlock()
		}
	}
}

func (c *Cache) writeback(blk *Block) error {
	if blk.mode == Async {
		data := append([]byte(nil), blk.Data...)
		c.wg.Add(1)
		c.asyncCh <- asyncJob{handle: blk.Handle, offset: blk.Offset, data: data}
		blk.Dirty = false
		metrics.CacheWritebacksTotal.WithLabelValues("async").Inc()
		return nil
	}

	_, err := c.storage.WriteBlock(blk.Handle, blk.Offset, blk.Data)
	metrics.CacheWritebacksTotal.WithLabelValues("sync").Inc()
	if err != nil {
		return err
	}
	blk.Dirty = false
	return nil
}

func (c *Cache) asyncLoop() {
	for job := range c.asyncCh {
		if _, err := c.storage.WriteBlock(job.handle, job.offset, job.data); err != nil {
			c.mu.Lock()
			c.asyncErrs = append(c.asyncErrs, err)
			c.mu.Unlock()
		}
		c.wg.Done()
	}
}

// Flush forces every dirty block in both segments to Storage
// synchronously and waits for any writeback already in flight, so a
// caller observing a nil return knows both dirty sets have landed.
func (c *Cache) Flush() error {
	var errs []error
	for _, k := range c.protected.Keys() {
		if v, ok := c.protected.Peek(k); ok {
			if err := c.flushBlock(v.(*Block)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, k := range c.probationary.Keys() {
		if v, ok := c.probationary.Peek(k); ok {
			if err := c.flushBlock(v.(*Block)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	c.wg.Wait()
	c.mu.Lock()
	errs = append(errs, c.asyncErrs...)
	c.asyncErrs = nil
	c.mu.Unlock()

	if len(errs) > 0 {
		return piouserr.Wrap(piouserr.EUNXP, "cache.Flush", errs[0])
	}
	return nil
}

func (c *Cache) flushBlock(blk *Block) error {
	if !blk.Dirty {
		return nil
	}
	_, err := c.storage.WriteBlock(blk.Handle, blk.Offset, blk.Data)
	metrics.CacheWritebacksTotal.WithLabelValues("sync").Inc()
	if err != nil {
		return err
	}
	blk.Dirty = false
	return nil
}

// Forget discards every block belonging to h without writing it back,
// for a file a server knows is being unlinked or reset.
func (c *Cache) Forget(h fhandle.Handle) {
	c.suppressProtectedEvict = true
	for _, k := range c.protected.Keys() {
		if bk, ok := k.(blockKey); ok && bk.handle == h {
			c.protected.Remove(k)
		}
	}
	c.suppressProtectedEvict = false

	c.suppressProbationaryEvict = true
	for _, k := range c.probationary.Keys() {
		if bk, ok := k.(blockKey); ok && bk.handle == h {
			c.probationary.Remove(k)
		}
	}
	c.suppressProbationaryEvict = false
}
