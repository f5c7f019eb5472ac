// Package advlock implements the "advisory lock primitive" of spec §6:
// a host-provided cooperative named-lock facility supporting shared and
// exclusive modes, non-blocking acquisition, and cancellation.
//
// There is no Web Locks API in a Go process, so this package builds the
// same primitive on golang.org/x/sync/semaphore.Weighted: an exclusive
// acquire takes the semaphore's full weight, a shared acquire takes a
// single unit of it, TryAcquire implements ifAvailable, and
// context.Context cancellation implements the abort signal. A
// semaphore.Weighted has no introspection of its own, so a Registry
// keeps a side table of live holders to answer Query, the same pairing
// of "transactional store for facts, in-memory index for fast queries"
// that marmos91/dittofs's badger-backed lock store uses.
package advlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Mode is the acquisition mode of a named lock.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// maxSharers bounds how many simultaneous shared holders a single name
// supports; an exclusive acquire takes this entire weight. It only
// needs to exceed the largest number of concurrent contexts the process
// will ever run.
const maxSharers int64 = 1 << 20

// Holder identifies one live acquisition of a name, for Query.
type Holder struct {
	Name string
	Mode Mode
}

// Registry is a set of independently-lockable names. The zero value is
// not usable; use NewRegistry.
type Registry struct {
	mu    sync.Mutex
	names map[string]*namedLock
}

type namedLock struct {
	sem     *semaphore.Weighted
	mu      sync.Mutex // guards holders and refs
	holders map[int64]Mode
	nextID  int64
	refs    int
}

// NewRegistry creates an empty advisory-lock registry. Independent
// registries are fully isolated: acquiring "foo" in one has no effect
// on "foo" in another. A process normally uses a single Registry, and
// most callers share one across every open path so that names compete
// for real.
func NewRegistry() *Registry {
	return &Registry{names: map[string]*namedLock{}}
}

func (r *Registry) get(name string) *namedLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	nl := r.names[name]
	if nl == nil {
		nl = &namedLock{
			sem:     semaphore.NewWeighted(maxSharers),
			holders: map[int64]Mode{},
		}
		r.names[name] = nl
	}
	nl.refs++
	return nl
}

func (r *Registry) put(name string, nl *namedLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nl.refs--
	if nl.refs == 0 {
		delete(r.names, name)
	}
}

// Token represents one live acquisition; releasing it drops the
// semaphore weight and the holder record. Release is idempotent.
type Token struct {
	release func()
	once    sync.Once
}

// Release drops the lock. Calling Release more than once is a no-op.
func (t *Token) Release() {
	t.once.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

func weightFor(mode Mode) int64 {
	if mode == Exclusive {
		return maxSharers
	}
	return 1
}

// Acquire takes name in mode, blocking until it is available or ctx is
// done. If ifAvailable is true, Acquire never blocks: it either
// succeeds immediately or returns ErrWouldBlock.
//
// Cancellation of ctx while waiting is reported as ErrWouldBlock too
// (spec §5: "the manager translates cancellation to BUSY"), not as
// ctx.Err() directly, so that callers implementing the lock manager of
// spec §4.B can treat every non-acquisition uniformly.
func (r *Registry) Acquire(ctx context.Context, name string, mode Mode, ifAvailable bool) (*Token, error) {
	nl := r.get(name)
	weight := weightFor(mode)

	var ok bool
	if ifAvailable {
		ok = nl.sem.TryAcquire(weight)
	} else {
		ok = nl.sem.Acquire(ctx, weight) == nil
	}
	if !ok {
		r.put(name, nl)
		return nil, ErrWouldBlock
	}

	nl.mu.Lock()
	id := nl.nextID
	nl.nextID++
	nl.holders[id] = mode
	nl.mu.Unlock()

	tok := &Token{}
	tok.release = func() {
		nl.mu.Lock()
		delete(nl.holders, id)
		nl.mu.Unlock()
		nl.sem.Release(weight)
		r.put(name, nl)
	}
	return tok, nil
}

// Query returns every name with at least one live holder, and the mode
// each holder acquired it in. A name with an exclusive holder reports
// exactly one entry; a name with shared holders may report several.
func (r *Registry) Query() []Holder {
	r.mu.Lock()
	names := make([]*namedLock, 0, len(r.names))
	keys := make([]string, 0, len(r.names))
	for name, nl := range r.names {
		names = append(names, nl)
		keys = append(keys, name)
	}
	r.mu.Unlock()

	var out []Holder
	for i, nl := range names {
		nl.mu.Lock()
		for _, mode := range nl.holders {
			out = append(out, Holder{Name: keys[i], Mode: mode})
		}
		nl.mu.Unlock()
	}
	return out
}

// IsHeld reports whether name currently has any live holder, regardless
// of mode — used by the lock manager to consult the "reserved" signal
// without blocking (spec §4.B: "consult query(): if reserved is held,
// fail with BUSY").
func (r *Registry) IsHeld(name string) bool {
	r.mu.Lock()
	nl := r.names[name]
	r.mu.Unlock()
	if nl == nil {
		return false
	}
	nl.mu.Lock()
	defer nl.mu.Unlock()
	return len(nl.holders) > 0
}
