package idbvfs

import (
	"context"
	"math"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/lockmgr"
)

// latestSentinel is a version value smaller than any version the store
// will ever assign, so resolving a read against it always returns the
// single most recent committed block regardless of any reader's
// snapshot — what a writer needs when it merges a partial write into an
// existing block's content (spec §4.C: writers always build on the
// latest committed state, not their own stale snapshot, since only one
// writer may hold RESERVED at a time).
const latestSentinel = math.MinInt64

// idbFile is the File implementation of the IDB-variant batch-atomic
// backend (spec §4.C/§4.D).
type idbFile struct {
	store      *Store
	path       string
	blockSize  int64
	readOnly   bool
	delOnClose bool

	lock      *lockmgr.Handle
	coalescer *coalescer

	mu           sync.Mutex
	hasSnapshot  bool
	snapshot     int64
	fileSize     int64
	pending      map[int64][]byte // blockIndex -> full block-sized content
	batchOpen    bool
	batchVersion int64
	lastErr      string
}

var (
	_ vfs.File             = (*idbFile)(nil)
	_ vfs.FileLockState    = (*idbFile)(nil)
	_ vfs.FileSizeHint     = (*idbFile)(nil)
	_ vfs.FileGetLastError = (*idbFile)(nil)
	_ vfs.FileBatchState   = (*idbFile)(nil)
)

type blockSegment struct {
	index     int64
	blockOff  int64 // offset within the block
	bufOff    int64 // offset within the caller's buffer
	n         int64 // length of this segment
}

// segments splits [off, off+length) into per-block pieces.
func (f *idbFile) segments(off, length int64) []blockSegment {
	var segs []blockSegment
	var bufOff int64
	for length > 0 {
		index := off / f.blockSize
		blockOff := off % f.blockSize
		n := min(length, f.blockSize-blockOff)
		segs = append(segs, blockSegment{index: index, blockOff: blockOff, bufOff: bufOff, n: n})
		off += n
		bufOff += n
		length -= n
	}
	return segs
}

// loadBlock returns the full content of block index, preferring the
// in-batch pending version, and falling back to the given snapshot in
// the store; it returns a nil slice (not an error) if no data has ever
// been written there, meaning "entirely zero".
func (f *idbFile) loadBlock(index, snapshot int64) ([]byte, error) {
	if b, ok := f.pending[index]; ok {
		return b, nil
	}
	var out []byte
	err := f.coalescer.with(false, func(txn *badger.Txn) error {
		data, ok, ierr := f.store.readBlock(txn, f.path, index*f.blockSize, snapshot)
		if ierr != nil {
			return ierr
		}
		if ok {
			out = data
		}
		return nil
	})
	return out, err
}

func (f *idbFile) ReadAt(b []byte, off int64) (int, error) {
	if f.lock.Level() < vfs.LOCK_SHARED {
		return 0, webvfs.NewError(webvfs.IOERR_READ, "read without a shared lock")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fileSize := f.fileSize
	if off < 0 || off >= fileSize {
		clear(b)
		return len(b), webvfs.IOERR_SHORT_READ
	}

	readable := fileSize - off
	short := int64(len(b)) > readable
	toRead := int64(len(b))
	if short {
		toRead = readable
	}

	for _, seg := range f.segments(off, toRead) {
		block, err := f.loadBlock(seg.index, f.snapshot)
		if err != nil {
			f.lastErr = err.Error()
			return 0, webvfs.NewError(webvfs.IOERR_READ, "%v", err)
		}
		dst := b[seg.bufOff : seg.bufOff+seg.n]
		if int64(len(block)) <= seg.blockOff {
			clear(dst)
			continue
		}
		copied := copy(dst, block[seg.blockOff:])
		clear(dst[copied:])
	}

	if short {
		clear(b[toRead:])
		return len(b), webvfs.IOERR_SHORT_READ
	}
	return len(b), nil
}

// WriteAt, and the commit Sync performs, only require RESERVED, never
// EXCLUSIVE: batch atomicity is what makes that safe (spec §4.A's
// IOCAP_BATCH_ATOMIC characteristic, §5 "a reader holding SHARED
// observes a consistent snapshot even while a writer in another context
// progresses from RESERVED to EXCLUSIVE") — concurrent SHARED readers
// never need to be excluded for this backend's commit to be atomic,
// unlike vfs/opfsvfs and vfs/memvfs where a plain overwrite does need
// exclusivity.
func (f *idbFile) WriteAt(b []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, webvfs.READONLY
	}
	if f.lock.Level() < vfs.LOCK_RESERVED {
		return 0, webvfs.NewError(webvfs.IOERR_WRITE, "write without a reserved lock")
	}
	if len(b) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureBatchLocked(); err != nil {
		return 0, err
	}

	for _, seg := range f.segments(off, int64(len(b))) {
		block := f.pending[seg.index]
		if block == nil {
			existing, err := f.loadBlock(seg.index, latestSentinel)
			if err != nil {
				f.lastErr = err.Error()
				return 0, webvfs.NewError(webvfs.IOERR_WRITE, "%v", err)
			}
			block = make([]byte, f.blockSize)
			copy(block, existing)
		}
		copy(block[seg.blockOff:], b[seg.bufOff:seg.bufOff+seg.n])
		f.pending[seg.index] = block
	}

	if end := off + int64(len(b)); end > f.fileSize {
		f.fileSize = end
	}
	return len(b), nil
}

func (f *idbFile) ensureBatchLocked() error {
	if f.batchOpen {
		return nil
	}
	md, _, err := f.store.ReadMetadata(f.path)
	if err != nil {
		return webvfs.NewError(webvfs.IOERR_WRITE, "%v", err)
	}
	f.batchVersion = md.MaxVersion - 1
	f.batchOpen = true
	if f.pending == nil {
		f.pending = make(map[int64][]byte)
	}
	return nil
}

func (f *idbFile) Truncate(size int64) error {
	if f.readOnly {
		return webvfs.READONLY
	}
	if f.lock.Level() < vfs.LOCK_RESERVED {
		return webvfs.NewError(webvfs.IOERR_TRUNCATE, "truncate without a reserved lock")
	}
	if size < 0 {
		size = 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureBatchLocked(); err != nil {
		return err
	}

	lastIndex := int64(-1)
	if size > 0 {
		lastIndex = (size - 1) / f.blockSize
	}
	for index := range f.pending {
		if index > lastIndex {
			delete(f.pending, index)
		}
	}
	if lastIndex >= 0 {
		cut := size - lastIndex*f.blockSize
		block := f.pending[lastIndex]
		if block == nil {
			existing, err := f.loadBlock(lastIndex, latestSentinel)
			if err != nil {
				return webvfs.NewError(webvfs.IOERR_TRUNCATE, "%v", err)
			}
			block = make([]byte, f.blockSize)
			copy(block, existing)
		}
		clear(block[cut:])
		f.pending[lastIndex] = block
	}

	f.fileSize = size
	return nil
}

func (f *idbFile) Sync(flag vfs.SyncFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.batchOpen {
		touched := make([]int64, 0, len(f.pending))
		for index := range f.pending {
			touched = append(touched, index)
		}
		size, version, path, blockSize := f.fileSize, f.batchVersion, f.path, f.blockSize
		pending := f.pending

		err := f.coalescer.with(true, func(txn *badger.Txn) error {
			for _, index := range touched {
				if werr := f.store.writeBlock(txn, path, index*blockSize, version, pending[index]); werr != nil {
					return werr
				}
			}
			return f.store.putMetadata(txn, path, Metadata{BlockSize: blockSize, FileSize: size, MaxVersion: version})
		})
		if err != nil {
			f.lastErr = err.Error()
			return webvfs.NewError(webvfs.IOERR_FSYNC, "%v", err)
		}

		f.pending = make(map[int64][]byte)
		f.batchOpen = false

		// The writer's own view moves to the batch it just committed.
		if f.hasSnapshot {
			f.store.snapshots.Release(path, f.snapshot)
		}
		f.snapshot, f.hasSnapshot = version, true
		f.store.snapshots.Acquire(path, version)

		offsets := make([]int64, len(touched))
		for i, index := range touched {
			offsets[i] = index * blockSize
		}
		_ = f.store.purge(path, offsets, version)
	}

	return f.coalescer.Fence()
}

func (f *idbFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileSize, nil
}

func (f *idbFile) Lock(level vfs.LockLevel) error {
	was := f.lock.Level()
	if err := f.lock.Lock(context.Background(), level); err != nil {
		return err
	}
	// A new SHARED hold takes a snapshot; reaching RESERVED refreshes it,
	// so a writer builds on the latest committed state.
	if (was == vfs.LOCK_NONE && level >= vfs.LOCK_SHARED) || (was < vfs.LOCK_RESERVED && level >= vfs.LOCK_RESERVED) {
		md, _, err := f.store.ReadMetadata(f.path)
		if err != nil {
			_ = f.lock.Unlock(was)
			return webvfs.NewError(webvfs.IOERR_LOCK, "%v", err)
		}
		f.mu.Lock()
		old, had := f.snapshot, f.hasSnapshot
		f.snapshot = md.MaxVersion
		f.hasSnapshot = true
		f.fileSize = md.FileSize
		f.mu.Unlock()
		if had {
			f.store.snapshots.Release(f.path, old)
		}
		f.store.snapshots.Acquire(f.path, f.snapshot)
	}
	return nil
}

func (f *idbFile) Unlock(level vfs.LockLevel) error {
	droppingBelowReserved := level < vfs.LOCK_RESERVED && f.lock.Level() >= vfs.LOCK_RESERVED
	if err := f.lock.Unlock(level); err != nil {
		return err
	}

	f.mu.Lock()
	if droppingBelowReserved && f.batchOpen {
		// An unsynced batch is abandoned, as if the process had
		// crashed before committing (spec §4.C: writes are pending
		// until sync).
		f.pending = make(map[int64][]byte)
		f.batchOpen = false
		f.coalescer.Abort()
	}
	releaseSnapshot := level < vfs.LOCK_SHARED && f.hasSnapshot
	snapshot := f.snapshot
	if releaseSnapshot {
		f.hasSnapshot = false
	}
	f.mu.Unlock()

	if level <= vfs.LOCK_SHARED {
		_ = f.coalescer.Fence()
	}
	if releaseSnapshot {
		f.store.snapshots.Release(f.path, snapshot)
	}
	return nil
}

func (f *idbFile) CheckReservedLock() (bool, error) {
	return f.lock.CheckReservedLock(), nil
}

func (f *idbFile) Close() error {
	f.mu.Lock()
	if f.batchOpen {
		f.pending = make(map[int64][]byte)
		f.batchOpen = false
		f.coalescer.Abort()
	} else {
		_ = f.coalescer.Fence()
	}
	hadSnapshot, snapshot := f.hasSnapshot, f.snapshot
	f.hasSnapshot = false
	f.mu.Unlock()

	if hadSnapshot {
		f.store.snapshots.Release(f.path, snapshot)
	}
	f.lock.Close()

	if f.delOnClose {
		return f.store.deletePath(f.path)
	}
	return nil
}

func (f *idbFile) SectorSize() int { return int(f.blockSize) }

func (f *idbFile) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_BATCH_ATOMIC | vfs.IOCAP_SEQUENTIAL | vfs.IOCAP_SAFE_APPEND
}

func (f *idbFile) SizeHint(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if size > f.fileSize {
		f.fileSize = size
	}
	return nil
}

func (f *idbFile) LockState() vfs.LockLevel { return f.lock.Level() }

func (f *idbFile) GetLastError(n int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lastErr) <= n {
		return f.lastErr
	}
	return f.lastErr[:n]
}

func (f *idbFile) HasPendingBatch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchOpen
}
