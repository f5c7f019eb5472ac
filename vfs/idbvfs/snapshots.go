package idbvfs

import (
	"sync"
	"time"

	"github.com/edofic/go-ordmap/v2"
)

type liveEntry struct {
	refs int
	seen time.Time
}

// snapshotRegistry tracks, per path, the set of snapshot versions
// currently held open by a reader (one entry per distinct SHARED-locked
// snapshot, ref-counted since several readers can share the same
// snapshot version). It answers "what is the oldest version any live
// reader still needs", which bounds purge's garbage collection (spec
// §4.C) — bookkeeping the data model doesn't specify a structure for.
// The per-path tree is a go-ordmap, the same persistent ordered map
// vfs/memvfs uses for sector storage. Versions decrease as they get
// newer, so the oldest live snapshot is the largest live key, i.e. the
// tree's rightmost entry.
type snapshotRegistry struct {
	mu     sync.Mutex
	live   map[string]ordmap.NodeBuiltin[int64, *liveEntry]
	maxAge time.Duration
}

// newSnapshotRegistry creates a registry that expires a snapshot entry
// after maxAge of inactivity (spec.md §9 OQ2: a bounded age limit).
func newSnapshotRegistry(maxAge time.Duration) *snapshotRegistry {
	return &snapshotRegistry{
		live:   make(map[string]ordmap.NodeBuiltin[int64, *liveEntry]),
		maxAge: maxAge,
	}
}

// Acquire records that a reader has snapshotted path at version.
func (r *snapshotRegistry) Acquire(path string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := r.live[path]
	if tree == nil {
		tree = ordmap.NewBuiltin[int64, *liveEntry]()
	}
	e, ok := tree.Get(version)
	if !ok {
		e = &liveEntry{}
	}
	e.refs++
	e.seen = time.Now()
	r.live[path] = tree.Insert(version, e)
}

// Release drops one reference to path's snapshot at version.
func (r *snapshotRegistry) Release(path string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := r.live[path]
	if tree == nil {
		return
	}
	e, ok := tree.Get(version)
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		tree = tree.Remove(version)
	}
	if treeEmpty(tree) {
		delete(r.live, path)
		return
	}
	r.live[path] = tree
}

// OldestLive returns the largest snapshot version currently held open
// for path (the oldest snapshot, since versions decrease as they get
// newer), expiring entries older than maxAge along the way (spec.md §9
// OQ2: an entry older than maxSnapshotAge no longer blocks purge). live
// is false if no snapshot is currently (or still considered) live.
func (r *snapshotRegistry) OldestLive(path string) (oldest int64, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tree := r.live[path]
	if tree == nil {
		return 0, false
	}

	cutoff := time.Now().Add(-r.maxAge)
	for iter := tree.Iterate(); !iter.Done(); iter.Next() {
		v := iter.GetKey()
		e, _ := tree.Get(v)
		if e.seen.Before(cutoff) {
			tree = tree.Remove(v)
			continue
		}
		oldest, live = v, true // ascending order: the last survivor is largest
	}
	if treeEmpty(tree) {
		delete(r.live, path)
	} else {
		r.live[path] = tree
	}
	return oldest, live
}

func treeEmpty(tree ordmap.NodeBuiltin[int64, *liveEntry]) bool {
	if tree == nil {
		return true
	}
	iter := tree.Iterate()
	return iter.Done()
}
