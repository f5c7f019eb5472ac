package lockmgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/lockmgr"
	"github.com/stretchr/testify/require"
)

func TestSharedToExclusiveRoundTrip(t *testing.T) {
	mgr := lockmgr.NewManager()
	h := mgr.NewHandle("/foo")
	ctx := context.Background()

	require.NoError(t, h.Lock(ctx, vfs.LOCK_SHARED))
	require.NoError(t, h.Lock(ctx, vfs.LOCK_EXCLUSIVE))
	require.Equal(t, vfs.LOCK_EXCLUSIVE, h.Level())

	require.True(t, h.CheckReservedLock())

	require.NoError(t, h.Unlock(vfs.LOCK_NONE))
	require.Equal(t, vfs.LOCK_NONE, h.Level())
}

func TestOnlyOneContextHoldsReservedOrHigher(t *testing.T) {
	mgr := lockmgr.NewManager(lockmgr.WithTimeouts(30*time.Millisecond, 10*time.Millisecond))
	a := mgr.NewHandle("/foo")
	b := mgr.NewHandle("/foo")
	ctx := context.Background()

	require.NoError(t, a.Lock(ctx, vfs.LOCK_SHARED))
	require.NoError(t, b.Lock(ctx, vfs.LOCK_SHARED))

	require.NoError(t, a.Lock(ctx, vfs.LOCK_RESERVED))

	err := b.Lock(ctx, vfs.LOCK_RESERVED)
	require.ErrorIs(t, err, webvfs.BUSY)
	require.Equal(t, vfs.LOCK_SHARED, b.Level())

	require.NoError(t, a.Unlock(vfs.LOCK_NONE))
	require.NoError(t, b.Lock(ctx, vfs.LOCK_RESERVED))
}

func TestExclusiveExcludesSharedReaders(t *testing.T) {
	mgr := lockmgr.NewManager(lockmgr.WithTimeouts(30*time.Millisecond, 20*time.Millisecond))
	a := mgr.NewHandle("/foo")
	b := mgr.NewHandle("/foo")
	ctx := context.Background()

	require.NoError(t, a.Lock(ctx, vfs.LOCK_SHARED))
	require.NoError(t, b.Lock(ctx, vfs.LOCK_SHARED))
	require.NoError(t, a.Lock(ctx, vfs.LOCK_RESERVED))

	// b still holds SHARED, so a's upgrade to EXCLUSIVE must time out
	// and restore SHARED rather than hang (spec §4.B deadlock
	// avoidance), and a stays at RESERVED.
	err := a.Lock(ctx, vfs.LOCK_EXCLUSIVE)
	require.ErrorIs(t, err, webvfs.BUSY_TIMEOUT)
	require.Equal(t, vfs.LOCK_RESERVED, a.Level())

	require.NoError(t, b.Unlock(vfs.LOCK_NONE))
	require.NoError(t, a.Lock(ctx, vfs.LOCK_EXCLUSIVE))
	require.Equal(t, vfs.LOCK_EXCLUSIVE, a.Level())
}

// TestLockExclusivityProperty is a lightweight property check (spec §8
// property 3): across many concurrent contexts racing for the same
// path, at most one ever observes itself holding RESERVED-or-higher at
// a time.
func TestLockExclusivityProperty(t *testing.T) {
	const contexts = 8
	const rounds = 25

	mgr := lockmgr.NewManager(lockmgr.WithTimeouts(20*time.Millisecond, 10*time.Millisecond))
	var mu sync.Mutex
	holders := 0
	var violated bool

	var wg sync.WaitGroup
	for i := 0; i < contexts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := mgr.NewHandle("/contended")
			ctx := context.Background()
			for r := 0; r < rounds; r++ {
				if err := h.Lock(ctx, vfs.LOCK_SHARED); err != nil {
					continue
				}
				if err := h.Lock(ctx, vfs.LOCK_RESERVED); err == nil {
					mu.Lock()
					holders++
					if holders > 1 {
						violated = true
					}
					mu.Unlock()

					time.Sleep(time.Millisecond)

					mu.Lock()
					holders--
					mu.Unlock()
				}
				_ = h.Unlock(vfs.LOCK_NONE)
			}
		}()
	}
	wg.Wait()

	require.False(t, violated, "more than one context held RESERVED-or-higher simultaneously")
}

func TestMandatoryReservedPolicyFailsFast(t *testing.T) {
	mgr := lockmgr.NewManager(lockmgr.WithMandatoryReserved())
	a := mgr.NewHandle("/foo")
	b := mgr.NewHandle("/foo")
	ctx := context.Background()

	require.NoError(t, a.Lock(ctx, vfs.LOCK_SHARED))
	require.NoError(t, b.Lock(ctx, vfs.LOCK_SHARED))
	require.NoError(t, a.Lock(ctx, vfs.LOCK_RESERVED))

	start := time.Now()
	err := b.Lock(ctx, vfs.LOCK_RESERVED)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, webvfs.BUSY)
	require.Less(t, elapsed, 10*time.Millisecond, "mandatory-reserved policy must fail fast, not backoff")
}
