package idbvfs

import (
	"time"

	"github.com/google/uuid"
	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/lockmgr"
)

// DefaultBlockSize is used when a pathname's query string carries no
// block_size parameter (spec.md §6), and as the fallback default when a
// caller constructs a VFS without overriding it.
const DefaultBlockSize = 4096

// DefaultMaxSnapshotAge is the fallback snapshot-registry expiry used
// when a caller constructs a VFS without overriding it (spec.md §9 OQ2).
const DefaultMaxSnapshotAge = 30 * time.Second

// VFS is the batch-atomic backend of spec.md §4.C/§4.D: every file lives
// as versioned blocks in a single shared Store, with per-path locking
// through vfs/lockmgr.
type VFS struct {
	store *Store
	locks *lockmgr.Manager
}

var _ vfs.VFS = (*VFS)(nil)

// New opens (creating if absent) a batch-atomic VFS backed by a block
// store rooted at dataDir, using blockSize as the store's default block
// size and maxSnapshotAge as the snapshot registry's expiry bound
// (internal/config.Config's block_size / max_snapshot_age knobs).
func New(dataDir string, blockSize int64, maxSnapshotAge time.Duration, opts ...lockmgr.Option) (*VFS, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if maxSnapshotAge <= 0 {
		maxSnapshotAge = DefaultMaxSnapshotAge
	}
	store, err := OpenStore(dataDir, blockSize, maxSnapshotAge)
	if err != nil {
		return nil, err
	}
	return &VFS{store: store, locks: lockmgr.NewManager(opts...)}, nil
}

// Register opens a VFS at dataDir with the default block size and
// snapshot-age bound, and registers it under name.
func Register(name, dataDir string) (*VFS, error) {
	v, err := New(dataDir, DefaultBlockSize, DefaultMaxSnapshotAge)
	if err != nil {
		return nil, err
	}
	vfs.Register(name, v)
	return v, nil
}

func (v *VFS) Close() error { return v.store.Close() }

func (v *VFS) Open(path string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	name, blockSize, err := v.resolve(path)
	if err != nil {
		return nil, flags, err
	}
	if name == "" {
		name = "/" + uuid.NewString()
	}

	exists, err := v.store.exists(name)
	if err != nil {
		return nil, flags, webvfs.NewError(webvfs.IOERR, "%v", err)
	}
	if !exists {
		if flags&vfs.OPEN_CREATE == 0 {
			return nil, flags, webvfs.CANTOPEN
		}
		md := Metadata{BlockSize: blockSize, FileSize: 0, MaxVersion: 0}
		if perr := v.store.createMetadata(name, md); perr != nil {
			return nil, flags, webvfs.NewError(webvfs.IOERR, "%v", perr)
		}
	} else if flags&vfs.OPEN_EXCLUSIVE != 0 && flags&vfs.OPEN_CREATE != 0 {
		return nil, flags, webvfs.CANTOPEN
	}

	md, _, err := v.store.ReadMetadata(name)
	if err != nil {
		return nil, flags, webvfs.NewError(webvfs.IOERR, "%v", err)
	}
	if md.BlockSize != 0 {
		blockSize = md.BlockSize
	}

	readOnly := flags&vfs.OPEN_READWRITE == 0
	f := &idbFile{
		store:      v.store,
		path:       name,
		blockSize:  blockSize,
		readOnly:   readOnly,
		delOnClose: flags&vfs.OPEN_DELETEONCLOSE != 0,
		lock:       v.locks.NewHandle(name),
		coalescer:  newCoalescer(v.store.db),
	}
	outFlags := flags
	if readOnly {
		outFlags = outFlags&^vfs.OPEN_READWRITE | vfs.OPEN_READONLY
	}
	return f, outFlags, nil
}

func (v *VFS) Delete(path string, dirSync bool) error {
	name, _, err := v.resolve(path)
	if err != nil {
		return err
	}
	return v.store.deletePath(name)
}

func (v *VFS) Access(path string, flag vfs.AccessFlag) (bool, error) {
	name, _, err := v.resolve(path)
	if err != nil {
		return false, err
	}
	return v.store.exists(name)
}

func (v *VFS) FullPathname(path string) (string, error) {
	name, _, err := v.resolve(path)
	return name, err
}

func (v *VFS) resolve(path string) (name string, blockSize int64, err error) {
	p, err := vfs.ParsePathname(path)
	if err != nil {
		return "", 0, webvfs.NewError(webvfs.CANTOPEN, "%v", err)
	}
	blockSize = v.store.blockSizeD
	if bs := p.Query.Get("block_size"); bs != "" {
		if n, perr := parsePositiveInt(bs); perr == nil {
			blockSize = n
		}
	}
	if p.Anon {
		return "", blockSize, nil
	}
	return p.Path, blockSize, nil
}

func parsePositiveInt(s string) (int64, error) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, webvfs.NewError(webvfs.MISUSE, "invalid integer %q", s)
		}
		n = n*10 + int64(r-'0')
	}
	if n <= 0 {
		return 0, webvfs.NewError(webvfs.MISUSE, "non-positive block_size")
	}
	return n, nil
}
