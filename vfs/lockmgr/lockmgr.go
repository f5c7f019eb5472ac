// Package lockmgr implements the engine's five-state per-file lock
// protocol (spec §4.B) on top of the advisory lock primitive in
// internal/advlock. It is shared by vfs/idbvfs and vfs/opfsvfs (spec
// §4.E: "because even with synchronous I/O multiple contexts may share
// the pool"); vfs/memvfs does not use it, since its locking is kept
// purely in-process on its own shared state (spec §4.F).
package lockmgr

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/internal/advlock"
	"github.com/relstore/webvfs/internal/metrics"
	"github.com/relstore/webvfs/vfs"
)

// Policy selects how SHARED→RESERVED contention is resolved when the
// "outer" name is busy. Spec §4.B permits either policy; an
// implementation must pick one consistently per process.
type Policy int

const (
	// PolicyBoundedBackoff retries the outer acquisition with bounded
	// backoff unless the reserved signal is already held, in which
	// case it fails fast with BUSY.
	PolicyBoundedBackoff Policy = iota
	// PolicyMandatoryReserved treats a held reserved signal as an
	// immediate BUSY, with no retry loop at all.
	PolicyMandatoryReserved
)

// Manager coordinates lock state across every Handle sharing its
// Registry, i.e. across every context (goroutine, process, or — in the
// browser original — tab/worker) contending for the same paths.
type Manager struct {
	registry *advlock.Registry
	policy   Policy
	log      *slog.Logger

	// OuterAcquireTimeout bounds the SHARED→RESERVED backoff loop.
	OuterAcquireTimeout time.Duration
	// InnerExclusiveTimeout bounds the RESERVED→EXCLUSIVE wait for
	// other readers to drop their SHARED lock (spec §4.B "Deadlock
	// avoidance").
	InnerExclusiveTimeout time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMandatoryReserved selects PolicyMandatoryReserved instead of the
// default PolicyBoundedBackoff.
func WithMandatoryReserved() Option {
	return func(m *Manager) { m.policy = PolicyMandatoryReserved }
}

// WithLogger attaches a logger for lock-timeout and retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithTimeouts overrides the default bounded-wait durations.
func WithTimeouts(outerAcquire, innerExclusive time.Duration) Option {
	return func(m *Manager) {
		m.OuterAcquireTimeout = outerAcquire
		m.InnerExclusiveTimeout = innerExclusive
	}
}

// NewManager creates a Manager backed by a fresh advisory-lock
// registry shared by every Handle it creates.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		registry:              advlock.NewRegistry(),
		policy:                PolicyBoundedBackoff,
		log:                   slog.New(slog.DiscardHandler),
		OuterAcquireTimeout:   250 * time.Millisecond,
		InnerExclusiveTimeout: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func outerName(path string) string    { return path + "#outer" }
func innerName(path string) string    { return path + "#inner" }
func reservedName(path string) string { return path + "#reserved" }

// Handle is one context's view of the lock state of a single path. It
// is not safe for concurrent use by multiple goroutines, matching the
// single-threaded-per-descriptor model of spec §5.
type Handle struct {
	mgr  *Manager
	path string

	level    vfs.LockLevel
	inner    *advlock.Token // held whenever level >= LOCK_SHARED
	outer    *advlock.Token // held whenever level >= LOCK_RESERVED
	reserved *advlock.Token // held only while acquiring/holding RESERVED
}

// NewHandle creates a lock handle for path at LOCK_NONE.
func (m *Manager) NewHandle(path string) *Handle {
	return &Handle{mgr: m, path: path}
}

// Level returns the handle's current lock level.
func (h *Handle) Level() vfs.LockLevel { return h.level }

// Lock drives the handle from its current level up to target,
// stepping through every intermediate level in the order spec §4.B's
// diagram shows. A target at or below the current level is a no-op,
// matching every VFS File.Lock implementation in the wild. On failure
// the handle is returned to the level it held before the call.
func (h *Handle) Lock(ctx context.Context, target vfs.LockLevel) error {
	if target <= h.level {
		return nil
	}

	start := time.Now()
	from := h.level
	for h.level < target {
		next := h.level + 1
		if err := h.stepUp(ctx, next); err != nil {
			if err == webvfs.BUSY || err == webvfs.BUSY_TIMEOUT {
				metrics.LockTimeouts.WithLabelValues(target.String()).Inc()
			}
			if h.level > from {
				_ = h.Unlock(from)
			}
			return err
		}
	}
	metrics.LockWaitSeconds.WithLabelValues(target.String()).Observe(time.Since(start).Seconds())
	return nil
}

func (h *Handle) stepUp(ctx context.Context, next vfs.LockLevel) error {
	switch {
	case h.level == vfs.LOCK_NONE && next == vfs.LOCK_SHARED:
		return h.lockNoneToShared(ctx)
	case h.level == vfs.LOCK_SHARED && next == vfs.LOCK_RESERVED:
		return h.lockSharedToReserved(ctx)
	case h.level == vfs.LOCK_RESERVED && next == vfs.LOCK_PENDING:
		// Open question 1: PENDING is internally equivalent to
		// RESERVED for cross-context visibility. No additional
		// advisory state change is needed.
		h.level = vfs.LOCK_PENDING
		return nil
	case (h.level == vfs.LOCK_RESERVED || h.level == vfs.LOCK_PENDING) && next == vfs.LOCK_EXCLUSIVE:
		return h.lockReservedToExclusive(ctx)
	default:
		h.mgr.log.Error("unexpected lock transition", "path", h.path, "from", h.level, "to", next)
		return webvfs.ERROR
	}
}

func (h *Handle) lockNoneToShared(ctx context.Context) error {
	outer, err := h.mgr.registry.Acquire(ctx, outerName(h.path), advlock.Exclusive, false)
	if err != nil {
		return busyErr(err)
	}
	inner, err := h.mgr.registry.Acquire(ctx, innerName(h.path), advlock.Shared, false)
	outer.Release()
	if err != nil {
		return busyErr(err)
	}
	h.inner = inner
	h.level = vfs.LOCK_SHARED
	return nil
}

func (h *Handle) lockSharedToReserved(ctx context.Context) error {
	outer, err := h.acquireOuterForReserve(ctx)
	if err != nil {
		return err
	}
	reserved, err := h.mgr.registry.Acquire(ctx, reservedName(h.path), advlock.Exclusive, true)
	if err != nil {
		// Should not normally happen: we already hold outer
		// exclusively, so no other context can hold reserved. Treat
		// as a programmer error rather than silently continuing.
		outer.Release()
		h.mgr.log.Error("reserved signal unavailable despite outer lock", "path", h.path)
		return webvfs.ERROR
	}
	h.outer = outer
	h.reserved = reserved
	h.level = vfs.LOCK_RESERVED
	return nil
}

// acquireOuterForReserve implements the contention policy of spec
// §4.B's SHARED→RESERVED row.
func (h *Handle) acquireOuterForReserve(ctx context.Context) (*advlock.Token, error) {
	outer, err := h.mgr.registry.Acquire(ctx, outerName(h.path), advlock.Exclusive, true)
	if err == nil {
		return outer, nil
	}

	if h.mgr.policy == PolicyMandatoryReserved {
		return nil, webvfs.BUSY
	}

	if h.mgr.registry.IsHeld(reservedName(h.path)) {
		return nil, webvfs.BUSY
	}

	deadline := time.Now().Add(h.mgr.OuterAcquireTimeout)
	backoff := time.Millisecond
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, webvfs.BUSY
		}
		outer, err = h.mgr.registry.Acquire(ctx, outerName(h.path), advlock.Exclusive, true)
		if err == nil {
			return outer, nil
		}
		if h.mgr.registry.IsHeld(reservedName(h.path)) {
			return nil, webvfs.BUSY
		}
		time.Sleep(jitter(backoff))
		backoff = min(backoff*2, 20*time.Millisecond)
	}
	return nil, webvfs.BUSY
}

func (h *Handle) lockReservedToExclusive(ctx context.Context) error {
	h.inner.Release()
	h.inner = nil

	timeoutCtx, cancel := context.WithTimeout(ctx, h.mgr.InnerExclusiveTimeout)
	inner, err := h.mgr.registry.Acquire(timeoutCtx, innerName(h.path), advlock.Exclusive, false)
	cancel()

	if err != nil {
		// Deadlock avoidance: restore SHARED on inner and report
		// BUSY rather than hang forever (spec §4.B).
		restored, rerr := h.mgr.registry.Acquire(context.Background(), innerName(h.path), advlock.Shared, false)
		if rerr != nil {
			h.mgr.log.Error("failed to restore shared lock after exclusive timeout", "path", h.path, "err", rerr)
			return webvfs.ERROR
		}
		h.inner = restored
		h.mgr.log.Warn("exclusive upgrade timed out, restored shared lock", "path", h.path)
		return webvfs.BUSY_TIMEOUT
	}

	h.inner = inner
	if h.reserved != nil {
		h.reserved.Release()
		h.reserved = nil
	}
	h.level = vfs.LOCK_EXCLUSIVE
	return nil
}

// Unlock drops the handle from its current level down to target. A
// target at or above the current level is a no-op.
func (h *Handle) Unlock(target vfs.LockLevel) error {
	if target >= h.level {
		return nil
	}

	if target < vfs.LOCK_RESERVED {
		if h.reserved != nil {
			h.reserved.Release()
			h.reserved = nil
		}
		if h.outer != nil {
			h.outer.Release()
			h.outer = nil
		}
	}

	switch {
	case target < vfs.LOCK_SHARED:
		if h.inner != nil {
			h.inner.Release()
			h.inner = nil
		}
	case h.level == vfs.LOCK_EXCLUSIVE && target < vfs.LOCK_EXCLUSIVE:
		// EXCLUSIVE→SHARED (spec §4.B): drop the exclusive inner
		// lock and reacquire it shared.
		if h.inner != nil {
			h.inner.Release()
		}
		inner, err := h.mgr.registry.Acquire(context.Background(), innerName(h.path), advlock.Shared, false)
		if err != nil {
			h.mgr.log.Error("failed to downgrade inner lock to shared", "path", h.path, "err", err)
			h.inner = nil
			h.level = vfs.LOCK_NONE
			return webvfs.ERROR
		}
		h.inner = inner
	}

	h.level = target
	return nil
}

// CheckReservedLock reports whether some context — possibly this one —
// holds LOCK_RESERVED or higher on this path (spec §4.A).
func (h *Handle) CheckReservedLock() bool {
	if h.level >= vfs.LOCK_RESERVED {
		return true
	}
	return h.mgr.registry.IsHeld(reservedName(h.path)) || h.mgr.registry.IsHeld(outerName(h.path))
}

// Close releases every lock this handle holds, as if Unlock(LOCK_NONE)
// had been called. Safe to call on an already-unlocked handle.
func (h *Handle) Close() {
	_ = h.Unlock(vfs.LOCK_NONE)
}

func busyErr(err error) error {
	if err == advlock.ErrWouldBlock {
		return webvfs.BUSY
	}
	return err
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
