package opfsvfs

import (
	"github.com/google/uuid"
	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/lockmgr"
)

// DefaultCapacity is the pool size used when no explicit capacity is
// configured (spec.md §4.E).
const DefaultCapacity = 32

// VFS is the access-handle pool backend: a bounded Pool of slots and
// the shared lock manager of vfs/lockmgr (spec.md §4.E: "because even
// with synchronous I/O multiple contexts may share the pool").
type VFS struct {
	pool  *Pool
	locks *lockmgr.Manager
}

var _ vfs.VFS = (*VFS)(nil)

// New opens (creating if absent) a pool of capacity pre-allocated slots
// rooted at dataDir.
func New(dataDir string, capacity int, opts ...lockmgr.Option) (*VFS, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	pool, err := OpenPool(dataDir, capacity)
	if err != nil {
		return nil, err
	}
	return &VFS{pool: pool, locks: lockmgr.NewManager(opts...)}, nil
}

// Register opens a VFS at dataDir with the given pool capacity and
// registers it under name.
func Register(name, dataDir string, capacity int) (*VFS, error) {
	v, err := New(dataDir, capacity)
	if err != nil {
		return nil, err
	}
	vfs.Register(name, v)
	return v, nil
}

func (v *VFS) Close() error { return v.pool.Close() }

func (v *VFS) Open(path string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	name, err := v.resolve(path)
	if err != nil {
		return nil, flags, err
	}
	if name == "" {
		name = "/" + uuid.NewString()
	}

	existed := v.pool.Exists(name)
	if !existed && flags&vfs.OPEN_CREATE == 0 {
		return nil, flags, webvfs.CANTOPEN
	}
	if existed && flags&vfs.OPEN_EXCLUSIVE != 0 && flags&vfs.OPEN_CREATE != 0 {
		return nil, flags, webvfs.CANTOPEN
	}

	s, _, err := v.pool.Claim(name)
	if err != nil {
		return nil, flags, err
	}

	readOnly := flags&vfs.OPEN_READWRITE == 0
	f := &opfsFile{
		pool:       v.pool,
		path:       name,
		readOnly:   readOnly,
		delOnClose: flags&vfs.OPEN_DELETEONCLOSE != 0,
		slot:       s,
		lock:       v.locks.NewHandle(name),
	}
	outFlags := flags
	if readOnly {
		outFlags = outFlags&^vfs.OPEN_READWRITE | vfs.OPEN_READONLY
	}
	return f, outFlags, nil
}

func (v *VFS) Delete(path string, dirSync bool) error {
	name, err := v.resolve(path)
	if err != nil {
		return err
	}
	return v.pool.Release(name)
}

func (v *VFS) Access(path string, flag vfs.AccessFlag) (bool, error) {
	name, err := v.resolve(path)
	if err != nil {
		return false, err
	}
	return v.pool.Exists(name), nil
}

func (v *VFS) FullPathname(path string) (string, error) {
	return v.resolve(path)
}

func (v *VFS) resolve(path string) (string, error) {
	p, err := vfs.ParsePathname(path)
	if err != nil {
		return "", webvfs.NewError(webvfs.CANTOPEN, "%v", err)
	}
	if p.Anon {
		return "", nil
	}
	return p.Path, nil
}
