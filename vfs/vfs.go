// Package vfs defines the operation set an embedded relational engine
// invokes on a virtual file system (spec §4.A), and the capability
// interfaces a backend may optionally implement.
//
// Three backends in this module satisfy VFS: vfs/memvfs (a reference,
// single-process implementation), vfs/idbvfs (a batch-atomic backend
// over a transactional key/value store), and vfs/opfsvfs (a pool of
// synchronous file handles). The engine sees no difference between
// them; it is handed a VFS by name (Find) and drives it through this
// interface alone.
package vfs

// VFS is the factory and naming surface of a backend: everything that
// does not require an open file.
type VFS interface {
	// Open opens, and optionally creates, the file at path. An empty
	// path means: generate a unique anonymous name (used for scratch
	// files such as temp journals). outFlags reports the flags the
	// backend actually honoured, at minimum read-write vs read-only.
	Open(path string, flags OpenFlag) (File, OpenFlag, error)

	// Delete removes the named file. If dirSync is true the backend
	// must ensure the deletion itself is durable before returning.
	Delete(path string, dirSync bool) error

	// Access reports whether path satisfies flag (existence, or
	// read/read-write permission).
	Access(path string, flag AccessFlag) (bool, error)

	// FullPathname returns path in its canonical, backend-specific
	// form. For the grammar in spec §6 this is the input normalized to
	// a leading-slash path with scheme and authority stripped.
	FullPathname(path string) (string, error)
}

// File is an open file handle, the receiver of every byte-level and
// locking operation in spec §4.A.
type File interface {
	// Close flushes any pending batched state and, if the file was
	// opened with OPEN_DELETEONCLOSE, removes it atomically with
	// close.
	Close() error

	// ReadAt fills b with file bytes starting at off. If the file ends
	// before off+len(b), the tail of b is zero-filled and
	// webvfs.IOERR_SHORT_READ is returned; n is always len(b) in that
	// case, per spec §4.A.
	ReadAt(b []byte, off int64) (n int, err error)

	// WriteAt persists b at off, extending the file if necessary. It
	// may stage the write pending a Sync rather than persisting it
	// immediately (spec §4.C).
	WriteAt(b []byte, off int64) (n int, err error)

	// Truncate sets the file size to exactly size.
	Truncate(size int64) error

	// Sync flushes all pending state to the substrate, returning only
	// once durability at least as strong as flag is acknowledged.
	Sync(flag SyncFlag) error

	// Size returns the current logical size of the file, reflecting
	// any pending writes and truncations.
	Size() (int64, error)

	// Lock and Unlock drive the five-state lock machine of spec §4.B.
	Lock(level LockLevel) error
	Unlock(level LockLevel) error

	// CheckReservedLock reports whether some context, possibly this
	// one, holds LOCK_RESERVED or higher on this file's path.
	CheckReservedLock() (bool, error)

	// SectorSize is a power of two in [512, 65536].
	SectorSize() int

	// DeviceCharacteristics reports I/O properties as a bitset (spec
	// §4.A).
	DeviceCharacteristics() DeviceCharacteristic
}

// FileControl is implemented by files that support backend-specific
// control operations. Unknown ops return webvfs.NOTFOUND (spec §4.A).
type FileControl interface {
	FileControl(op string, arg any) (any, error)
}

// FileLockState is an optional capability exposing the file's current
// lock level for diagnostics, the way go-sqlite3's vfs.FileLockState
// lets callers introspect locking without another round trip.
type FileLockState interface {
	LockState() LockLevel
}

// FileSizeHint is an optional capability letting a backend pre-allocate
// storage for a file expected to grow to size, without changing its
// logical size if size is smaller than the current one.
type FileSizeHint interface {
	SizeHint(size int64) error
}

// FileGetLastError retrieves the most recent diagnostic message
// recorded for this file (spec §7's xGetLastError), truncated to at
// most n bytes.
type FileGetLastError interface {
	GetLastError(n int) string
}

// FileBatchState is an optional capability reporting whether a file
// currently has an open, uncommitted write batch (spec §4.C/§4.D). The
// conformance harness uses this to probe crash-consistency: it writes,
// confirms HasPendingBatch, then simulates a crash by dropping the
// handle without Sync.
type FileBatchState interface {
	HasPendingBatch() bool
}
