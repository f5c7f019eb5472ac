// Package memvfs is the reference, in-memory VFS backend (spec §4.F):
// the minimum-viable VFS semantics, with no durability and no
// cross-context sharing. It is directly adapted from
// vfs/ordmap-mvcc/memdb.go of github.com/ncruces/go-sqlite3, which
// backs SQLite's "ordmap" memdb VFS with the same persistent-map
// structure this package uses.
package memvfs

import (
	"runtime"
	"sync"
	"time"

	ordmap "github.com/edofic/go-ordmap/v2"
	"github.com/google/uuid"

	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
)

// SectorSize is fixed for the memory backend: large enough that most
// engine page sizes fit a single sector, matching spec §4.A's power-
// of-two-in-[512,65536] requirement at its upper bound.
const SectorSize = 65536

var _ [0]struct{} = [SectorSize & 65535]struct{}{}

func init() {
	vfs.Register("memvfs", VFS{})
}

// VFS is the memvfs backend. The zero value is ready to use; Register
// already makes one instance available under the name "memvfs".
type VFS struct{}

var (
	sharedMtx sync.Mutex
	// sharedDBs holds every database created with Create, keyed by
	// name, so that multiple Open calls for the same shared name in
	// the same process observe the same content (spec §3: a file
	// descriptor is per-open, the backing store is per-name).
	sharedDBs = map[string]*memDB{}
)

// Create makes a shared, named in-memory database seeded with data.
// The database is visible to any Open("/name", ...) in this process
// until Delete is called. Passing nil data creates an empty database.
func Create(name string, data []byte) {
	sharedMtx.Lock()
	defer sharedMtx.Unlock()

	db := &memDB{
		refs: 1,
		name: name,
		data: ordmap.NewBuiltin[int64, []byte](),
		size: int64(len(data)),
	}

	sectors := divRoundUp(db.size, SectorSize)
	for i := int64(0); i < sectors; i++ {
		sector := make([]byte, SectorSize)
		copy(sector, data[i*SectorSize:])
		db.data = db.data.Insert(i, sector)
	}

	sharedDBs[name] = db
}

// Fork creates newName as an independent copy-on-write snapshot of the
// shared database name, sharing its persistent map structure until one
// side mutates it. This is cheap exactly because ordmap is persistent:
// forking is an O(1) reference to the current root.
func Fork(name, newName string) {
	sharedMtx.Lock()
	defer sharedMtx.Unlock()
	if src := sharedDBs[name]; src != nil {
		sharedDBs[newName] = src.fork()
	}
}

// Delete removes a shared in-memory database. Any file descriptor
// still open against it keeps working against its own reference; the
// name simply stops resolving for future Opens.
func Delete(name string) {
	sharedMtx.Lock()
	defer sharedMtx.Unlock()
	delete(sharedDBs, name)
}

func (VFS) Open(path string, flags vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) {
	const types = vfs.OPEN_MAIN_DB | vfs.OPEN_TEMP_DB | vfs.OPEN_TEMP_JOURNAL
	if flags&types == 0 && !anonymous(path) {
		return nil, flags, webvfs.CANTOPEN
	}

	shared := len(path) > 1
	name := path
	if shared && name[0] == '/' {
		name = name[1:]
	}

	var db *memDB
	if shared {
		sharedMtx.Lock()
		db = sharedDBs[name]
		if db == nil {
			if flags&vfs.OPEN_CREATE == 0 {
				sharedMtx.Unlock()
				return nil, flags, webvfs.CANTOPEN
			}
			// Like Create: the registry's own reference keeps the
			// database alive after its last Close, until Delete.
			db = &memDB{refs: 1, name: name, data: ordmap.NewBuiltin[int64, []byte]()}
		}
		db.refs++
		sharedDBs[name] = db
		sharedMtx.Unlock()
	} else {
		// Anonymous or unshared: a private, unreferenced backing
		// store scoped to this single file descriptor.
		db = &memDB{name: uuid.NewString(), data: ordmap.NewBuiltin[int64, []byte]()}
	}

	return &memFile{
		memDB:         db,
		shared:        shared,
		readOnly:      flags&vfs.OPEN_READONLY != 0,
		deleteOnClose: flags&vfs.OPEN_DELETEONCLOSE != 0,
	}, flags | vfs.OPEN_MEMORY, nil
}

func anonymous(path string) bool { return path == "" }

func (VFS) Delete(name string, dirSync bool) error {
	if len(name) > 1 && name[0] == '/' {
		name = name[1:]
	}
	Delete(name)
	return nil
}

func (VFS) Access(name string, flag vfs.AccessFlag) (bool, error) {
	if len(name) > 1 && name[0] == '/' {
		name = name[1:]
	}
	sharedMtx.Lock()
	defer sharedMtx.Unlock()
	_, ok := sharedDBs[name]
	return ok, nil
}

func (VFS) FullPathname(name string) (string, error) {
	return name, nil
}

type memDB struct {
	name string

	data ordmap.NodeBuiltin[int64, []byte] // +guarded by dataMtx
	size int64                             // +guarded by dataMtx

	refs int32 // +guarded by sharedMtx

	shared   int32 // +guarded by lockMtx
	pending  bool  // +guarded by lockMtx
	reserved bool  // +guarded by lockMtx

	lockMtx sync.Mutex
	dataMtx sync.RWMutex
}

func (m *memDB) release() {
	sharedMtx.Lock()
	defer sharedMtx.Unlock()
	if m.refs--; m.refs == 0 && m == sharedDBs[m.name] {
		delete(sharedDBs, m.name)
	}
}

func (m *memDB) fork() *memDB {
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	return &memDB{
		refs: 1,
		name: m.name,
		data: m.data,
		size: m.size,
	}
}

type memFile struct {
	*memDB
	lock          vfs.LockLevel
	shared        bool
	readOnly      bool
	deleteOnClose bool
}

var (
	_ vfs.FileLockState = (*memFile)(nil)
	_ vfs.FileSizeHint  = (*memFile)(nil)
)

func (m *memFile) Close() error {
	if m.shared {
		m.release()
	}
	if m.deleteOnClose && m.shared {
		Delete(m.name)
	}
	return m.Unlock(vfs.LOCK_NONE)
}

func (m *memFile) ReadAt(b []byte, off int64) (n int, err error) {
	m.dataMtx.RLock()
	defer m.dataMtx.RUnlock()

	fileSize := m.size
	if off < 0 {
		return 0, webvfs.IOERR_READ
	}
	if off >= fileSize {
		clear(b)
		return len(b), webvfs.IOERR_SHORT_READ
	}

	readable := fileSize - off
	short := int64(len(b)) > readable
	want := int64(len(b))
	if short {
		want = readable
	}

	base := off / SectorSize
	rest := off % SectorSize
	inSector := min64(want, SectorSize-rest)

	page, ok := m.data.Get(base)
	if !ok {
		clear(b[:inSector])
	} else {
		avail := int64(len(page)) - rest
		if avail <= 0 {
			clear(b[:inSector])
		} else {
			got := copy(b[:min64(inSector, avail)], page[rest:])
			if int64(got) < inSector {
				clear(b[got:inSector])
			}
		}
	}
	n = int(inSector)

	if short {
		clear(b[n:])
		return len(b), webvfs.IOERR_SHORT_READ
	}
	return n, nil
}

func (m *memFile) WriteAt(b []byte, off int64) (n int, err error) {
	if m.readOnly {
		return 0, webvfs.IOERR_WRITE
	}

	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()

	if off < 0 {
		return 0, webvfs.IOERR_WRITE
	}

	written := 0
	for written < len(b) {
		chunkOff := off + int64(written)
		base := chunkOff / SectorSize
		rest := chunkOff % SectorSize
		chunk := b[written:]
		if int64(len(chunk)) > SectorSize-rest {
			chunk = chunk[:SectorSize-rest]
		}

		page, ok := m.data.Get(base)
		var newPage []byte
		if ok {
			newPage = make([]byte, SectorSize)
			copy(newPage, page)
		} else {
			newPage = make([]byte, SectorSize)
		}
		copy(newPage[rest:], chunk)
		m.data = m.data.Insert(base, newPage)

		written += len(chunk)
	}

	if end := off + int64(len(b)); end > m.size {
		m.size = end
	}
	return len(b), nil
}

func (m *memFile) Truncate(size int64) error {
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	return m.truncate(size)
}

func (m *memFile) truncate(size int64) error {
	if size < 0 {
		size = 0
	}
	m.size = size

	if size == 0 {
		m.data = ordmap.NewBuiltin[int64, []byte]()
		return nil
	}

	lastBase := (size - 1) / SectorSize
	sizeInLastSector := size - lastBase*SectorSize

	if lastSector, ok := m.data.Get(lastBase); ok {
		truncated := make([]byte, SectorSize)
		copy(truncated, lastSector)
		m.data = m.data.Insert(lastBase, truncated[:sizeInLastSector])
	}

	for iter := m.data.Iterate(); !iter.Done(); iter.Next() {
		if key := iter.GetKey(); key > lastBase {
			m.data = m.data.Remove(key)
		}
	}
	return nil
}

func (m *memFile) Sync(flag vfs.SyncFlag) error { return nil }

func (m *memFile) Size() (int64, error) {
	m.dataMtx.RLock()
	defer m.dataMtx.RUnlock()
	return m.size, nil
}

const spinWait = 25 * time.Microsecond

// Lock and Unlock implement the same five-state machine as
// vfs/lockmgr, but purely in-process: memvfs is not shared across
// contexts (spec §4.F), so there is no advisory primitive to delegate
// to. The state bookkeeping mirrors go-sqlite3's memdb VFS exactly.
func (m *memFile) Lock(lock vfs.LockLevel) error {
	if m.lock >= lock {
		return nil
	}
	if m.readOnly && lock >= vfs.LOCK_RESERVED {
		return webvfs.IOERR_LOCK
	}

	m.lockMtx.Lock()
	defer m.lockMtx.Unlock()

	switch lock {
	case vfs.LOCK_SHARED:
		if m.pending {
			return webvfs.BUSY
		}
		m.shared++
	case vfs.LOCK_RESERVED:
		if m.reserved {
			return webvfs.BUSY
		}
		m.reserved = true
	case vfs.LOCK_EXCLUSIVE:
		if m.lock < vfs.LOCK_PENDING {
			m.lock = vfs.LOCK_PENDING
			m.pending = true
		}
		for before := time.Now(); m.shared > 1; {
			if time.Since(before) > spinWait*10 {
				return webvfs.BUSY_RECOVERY
			}
			m.lockMtx.Unlock()
			runtime.Gosched()
			m.lockMtx.Lock()
		}
	}

	m.lock = lock
	return nil
}

func (m *memFile) Unlock(lock vfs.LockLevel) error {
	if m.lock <= lock {
		return nil
	}

	m.lockMtx.Lock()
	defer m.lockMtx.Unlock()

	old := m.lock
	if old >= vfs.LOCK_PENDING && lock < vfs.LOCK_PENDING {
		m.pending = false
	}
	if old >= vfs.LOCK_RESERVED && lock < vfs.LOCK_RESERVED {
		m.reserved = false
	}
	if old >= vfs.LOCK_SHARED && lock < vfs.LOCK_SHARED {
		m.shared--
		if m.shared < 0 {
			m.shared = 0
		}
	}

	m.lock = lock
	return nil
}

func (m *memFile) CheckReservedLock() (bool, error) {
	m.lockMtx.Lock()
	defer m.lockMtx.Unlock()
	return m.reserved || m.lock >= vfs.LOCK_EXCLUSIVE, nil
}

func (m *memFile) SectorSize() int { return SectorSize }

func (m *memFile) DeviceCharacteristics() vfs.DeviceCharacteristic {
	return vfs.IOCAP_ATOMIC |
		vfs.IOCAP_SEQUENTIAL |
		vfs.IOCAP_SAFE_APPEND |
		vfs.IOCAP_POWERSAFE_OVERWRITE
}

func (m *memFile) SizeHint(size int64) error {
	m.dataMtx.Lock()
	defer m.dataMtx.Unlock()
	if size > m.size {
		return m.truncate(size)
	}
	return nil
}

func (m *memFile) LockState() vfs.LockLevel {
	m.lockMtx.Lock()
	defer m.lockMtx.Unlock()
	return m.lock
}

func divRoundUp(a, b int64) int64 { return (a + b - 1) / b }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
