package opfsvfs_test

import (
	"testing"

	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/opfsvfs"
	"github.com/stretchr/testify/require"
)

func newVFS(t *testing.T) *opfsvfs.VFS {
	t.Helper()
	v, err := opfsvfs.New(t.TempDir(), 4)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func open(t *testing.T, v *opfsvfs.VFS, name string, flags vfs.OpenFlag) vfs.File {
	t.Helper()
	f, _, err := v.Open(name, flags|vfs.OPEN_CREATE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// TestRoundTrip is spec §8 seed scenario S1.
func TestRoundTrip(t *testing.T) {
	v := newVFS(t)
	f := open(t, v, "/foo", vfs.OPEN_READWRITE)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	msg := []byte("the quick brown fox jumps over the lazy dog")
	n, err := f.WriteAt(msg, 0)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)
	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))

	got := make([]byte, 19)
	n, err = f.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, 19, n)
	require.Equal(t, "wn fox jumps over t", string(got))
}

// TestTruncateShortRead is spec §8 seed scenario S2.
func TestTruncateShortRead(t *testing.T) {
	v := newVFS(t)
	f := open(t, v, "/truncme", vfs.OPEN_READWRITE)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	fill := make([]byte, 8192)
	for i := range fill {
		fill[i] = 0x5A
	}
	_, err := f.WriteAt(fill, 0)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))

	size, err := f.Size()
	require.NoError(t, err)
	require.EqualValues(t, 4096, size)

	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, 4000)
	require.ErrorIs(t, err, webvfs.IOERR_SHORT_READ)
	require.Equal(t, 100, n)
	for i := 0; i < 96; i++ {
		require.Equal(t, byte(0x5A), buf[i])
	}
	for i := 96; i < 100; i++ {
		require.Zero(t, buf[i])
	}
}

// TestDeleteOnClose is spec §8 seed scenario S5.
func TestDeleteOnClose(t *testing.T) {
	v := newVFS(t)
	f, _, err := v.Open("/deleteme", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB|vfs.OPEN_DELETEONCLOSE)
	require.NoError(t, err)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = f.WriteAt([]byte("some data"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync(vfs.SYNC_NORMAL))
	require.NoError(t, f.Close())

	ok, err := v.Access("/deleteme", vfs.ACCESS_EXISTS)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestWriteRequiresExclusive documents the EXCLUSIVE-vs-RESERVED
// asymmetry with vfs/idbvfs: without batch atomicity underneath,
// RESERVED alone is not enough to write safely here.
func TestWriteRequiresExclusive(t *testing.T) {
	v := newVFS(t)
	f := open(t, v, "/needsexclusive", vfs.OPEN_READWRITE)
	require.NoError(t, f.Lock(vfs.LOCK_RESERVED))
	_, err := f.WriteAt([]byte("x"), 0)
	require.Error(t, err)
}

// TestPoolExhaustion exercises the bounded-capacity failure mode: the
// (capacity+1)-th concurrently open path has no free slot.
func TestPoolExhaustion(t *testing.T) {
	v, err := opfsvfs.New(t.TempDir(), 2)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	f1, _, err := v.Open("/a", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	t.Cleanup(func() { f1.Close() })
	f2, _, err := v.Open("/b", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	t.Cleanup(func() { f2.Close() })

	_, _, err = v.Open("/c", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.ErrorIs(t, err, webvfs.CANTOPEN)
}

// TestPoolReuseAfterRelease confirms a released slot becomes claimable
// again by a different path.
func TestPoolReuseAfterRelease(t *testing.T) {
	v, err := opfsvfs.New(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	f1, _, err := v.Open("/a", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB|vfs.OPEN_DELETEONCLOSE)
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	f2, _, err := v.Open("/b", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	t.Cleanup(func() { f2.Close() })
}
