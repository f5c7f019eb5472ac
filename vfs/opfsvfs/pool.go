// Package opfsvfs implements the access-handle pool backend (spec.md
// §4.E): a fixed-size pool of pre-opened file handles, each carrying a
// trailing metadata region recording the pathname currently assigned
// to it, adapted from the claim/release/reference bookkeeping
// NewPoolBackedFileAllocator builds around a FilePool in
// jacobshirley-bb-remote-execution's pool_backed_file_allocator.go.
// Unlike that allocator's in-memory reference counts, assignment here
// is recovered from disk on Open so the pool survives a restart.
package opfsvfs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
)

// opfsMetaSize is the fixed width of the trailing metadata region, the
// Go stand-in for OPFS's per-handle side channel (spec.md §4.E: "each
// holds an associated assigned pathname persisted in a trailing
// metadata region").
const opfsMetaSize = 512

type slotMeta struct {
	Path       string `json:"path"`
	Generation uint64 `json:"generation"`
}

// slot is one pre-opened handle in the pool. Its underlying file is
// laid out as [data (dataSize bytes)][metadata (opfsMetaSize bytes)];
// the metadata region always trails the data region, so it is rewritten
// at a new physical offset whenever dataSize changes.
type slot struct {
	index int
	file  *os.File

	mu         sync.Mutex
	dataSize   int64
	path       string // "" when unassigned
	generation uint64

	flockMu   sync.Mutex
	flockHeld bool
}

func (s *slot) writeMetaLocked() error {
	buf, err := json.Marshal(slotMeta{Path: s.path, Generation: s.generation})
	if err != nil {
		return err
	}
	if len(buf) > opfsMetaSize {
		return fmt.Errorf("opfsvfs: assigned pathname too long for metadata region")
	}
	padded := make([]byte, opfsMetaSize)
	copy(padded, buf)
	_, err = s.file.WriteAt(padded, s.dataSize)
	return err
}

func (s *slot) readMeta() (slotMeta, error) {
	info, err := s.file.Stat()
	if err != nil {
		return slotMeta{}, err
	}
	total := info.Size()
	if total < opfsMetaSize {
		return slotMeta{}, nil
	}
	s.dataSize = total - opfsMetaSize
	buf := make([]byte, opfsMetaSize)
	if _, err := s.file.ReadAt(buf, s.dataSize); err != nil {
		return slotMeta{}, err
	}
	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	if end == 0 {
		return slotMeta{}, nil
	}
	var m slotMeta
	if err := json.Unmarshal(buf[:end], &m); err != nil {
		// A partially written or garbage trailer is treated as
		// "unassigned" rather than a fatal error, the same
		// tolerance a crash-recovered pool needs.
		return slotMeta{}, nil
	}
	return m, nil
}

// Pool is a fixed-size collection of slots, each a single *os.File
// reused across many claimed pathnames over its lifetime (spec.md
// §4.E: "a fixed pool of pre-created handles is opened at startup").
type Pool struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	slots  []*slot
	free   []int
	byPath map[string]int
}

// OpenPool opens, creating if absent, a pool of capacity pre-allocated
// slot files under dir, recovering any existing path assignments from
// their trailing metadata regions.
func OpenPool(dir string, capacity int) (*Pool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, webvfs.NewError(webvfs.CANTOPEN, "%v", err)
	}

	p := &Pool{dir: dir, log: slog.Default(), byPath: make(map[string]int)}
	for i := 0; i < capacity; i++ {
		name := filepath.Join(dir, fmt.Sprintf("slot-%04d.dat", i))
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, webvfs.NewError(webvfs.CANTOPEN, "%v", err)
		}
		s := &slot{index: i, file: f}
		meta, err := s.readMeta()
		if err != nil {
			return nil, webvfs.NewError(webvfs.CANTOPEN, "%v", err)
		}
		s.path = meta.Path
		s.generation = meta.Generation
		p.slots = append(p.slots, s)
		if s.path == "" {
			p.free = append(p.free, i)
		} else {
			p.byPath[s.path] = i
		}
	}
	if len(p.byPath) > 0 {
		p.log.Debug("recovered opfs slot assignments", "dir", dir, "count", len(p.byPath))
	}
	return p, nil
}

// Claim returns the slot assigned to path, reopening it if one already
// exists, or assigns a free slot to path. ok reports whether an
// existing (previously written) slot was found versus a fresh one.
func (p *Pool) Claim(path string) (s *slot, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, found := p.byPath[path]; found {
		return p.slots[idx], true, nil
	}

	if len(p.free) == 0 {
		p.log.Debug("opfs handle pool exhausted", "capacity", len(p.slots))
		return nil, false, webvfs.NewError(webvfs.CANTOPEN, "opfs handle pool exhausted (capacity %d)", len(p.slots))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s = p.slots[idx]
	s.mu.Lock()
	s.path = path
	s.generation++
	s.dataSize = 0
	werr := s.truncateLocked(0)
	s.mu.Unlock()
	if werr != nil {
		return nil, false, webvfs.NewError(webvfs.CANTOPEN, "%v", werr)
	}
	// A freed slot should already have had its flock released on the
	// previous handle's Close; release it again defensively so a new
	// claim never starts out with a stale flock still held on the fd.
	s.flockMu.Lock()
	if s.flockHeld {
		_ = osFunlock(int(s.file.Fd()))
		s.flockHeld = false
	}
	s.flockMu.Unlock()
	p.byPath[path] = idx
	return s, false, nil
}

// Release clears path's assignment and returns its slot to the free
// list (spec.md §4.E: "close with DELETE_ON_CLOSE releases the handle
// back to the pool and clears the assignment").
func (p *Pool) Release(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, found := p.byPath[path]
	if !found {
		return nil
	}
	delete(p.byPath, path)
	p.free = append(p.free, idx)

	s := p.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = ""
	return s.truncateLocked(0)
}

// Exists reports whether path currently has an assigned slot.
func (p *Pool) Exists(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byPath[path]
	return ok
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, s := range p.slots {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *slot) readAt(b []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.ReadAt(b, off)
}

func (s *slot) writeAt(b []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := off + int64(len(b))
	if end > s.dataSize {
		if err := s.growLocked(end); err != nil {
			return 0, err
		}
	}
	return s.file.WriteAt(b, off)
}

// growLocked extends the data region to newSize, moving the trailing
// metadata region forward to stay past the new data end.
func (s *slot) growLocked(newSize int64) error {
	s.dataSize = newSize
	return s.writeMetaLocked()
}

func (s *slot) truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncateLocked(size)
}

func (s *slot) truncateLocked(size int64) error {
	s.dataSize = size
	if err := s.file.Truncate(size + opfsMetaSize); err != nil {
		return err
	}
	return s.writeMetaLocked()
}

func (s *slot) size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataSize
}

func (s *slot) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// flockTo brings the slot's real OS-level advisory lock to match level,
// on top of whatever vfs/lockmgr has already granted in-process. NONE
// releases the flock; EXCLUSIVE takes it exclusive; every level in
// between (SHARED, RESERVED, PENDING) takes it shared, since none of
// those admit more than one writer in-process either and an OS-level
// flock doesn't distinguish them. Failure here (another OS process
// holding a conflicting flock) is the caller's cue to roll back the
// in-process grant and report BUSY.
func (s *slot) flockTo(level vfs.LockLevel) error {
	s.flockMu.Lock()
	defer s.flockMu.Unlock()

	if level == vfs.LOCK_NONE {
		if !s.flockHeld {
			return nil
		}
		if err := osFunlock(int(s.file.Fd())); err != nil {
			return err
		}
		s.flockHeld = false
		return nil
	}

	if err := osFlock(int(s.file.Fd()), level >= vfs.LOCK_EXCLUSIVE); err != nil {
		return err
	}
	s.flockHeld = true
	return nil
}
