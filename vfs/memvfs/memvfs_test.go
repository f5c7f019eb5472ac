package memvfs_test

import (
	"testing"

	"github.com/relstore/webvfs"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/memvfs"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, name string, flags vfs.OpenFlag) vfs.File {
	t.Helper()
	f, _, err := memvfs.VFS{}.Open(name, flags|vfs.OPEN_CREATE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// TestRoundTrip is spec §8 seed scenario S1.
func TestRoundTrip(t *testing.T) {
	f := open(t, "foo", vfs.OPEN_READWRITE)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	msg := []byte("the quick brown fox jumps over the lazy dog")
	n, err := f.WriteAt(msg, 0)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	got := make([]byte, 19)
	n, err = f.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, 19, n)
	require.Equal(t, "wn fox jumps over t", string(got))
}

// TestTruncateShortRead is spec §8 seed scenario S2.
func TestTruncateShortRead(t *testing.T) {
	f := open(t, "truncme", vfs.OPEN_READWRITE)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	fill := make([]byte, 8192)
	for i := range fill {
		fill[i] = 0x5A
	}
	_, err := f.WriteAt(fill, 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4096))

	size, err := f.Size()
	require.NoError(t, err)
	require.EqualValues(t, 4096, size)

	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, 4000)
	require.ErrorIs(t, err, webvfs.IOERR_SHORT_READ)
	require.Equal(t, 100, n)
	for i := 0; i < 96; i++ {
		require.Equal(t, byte(0x5A), buf[i], "index %d", i)
	}
	for i := 96; i < 100; i++ {
		require.Zero(t, buf[i], "index %d", i)
	}
}

func TestEmptyFileShortRead(t *testing.T) {
	f := open(t, "empty", vfs.OPEN_READWRITE)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := f.ReadAt(buf, 0)
	require.ErrorIs(t, err, webvfs.IOERR_SHORT_READ)
	require.Equal(t, len(buf), n)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

// TestDeleteOnClose is spec §8 property 5 / seed scenario S5.
func TestDeleteOnClose(t *testing.T) {
	f, _, err := memvfs.VFS{}.Open("deleteme", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB|vfs.OPEN_DELETEONCLOSE)
	require.NoError(t, err)
	require.NoError(t, f.Lock(vfs.LOCK_EXCLUSIVE))

	_, err = f.WriteAt([]byte("some data"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ok, err := memvfs.VFS{}.Access("deleteme", vfs.ACCESS_EXISTS)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = memvfs.VFS{}.Open("deleteme", vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.ErrorIs(t, err, webvfs.CANTOPEN)
}

func TestForkIsIndependent(t *testing.T) {
	memvfs.Create("base", []byte("hello world"))
	t.Cleanup(func() { memvfs.Delete("base"); memvfs.Delete("forked") })

	memvfs.Fork("base", "forked")

	base, _, err := memvfs.VFS{}.Open("/base", vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	defer base.Close()
	require.NoError(t, base.Lock(vfs.LOCK_EXCLUSIVE))
	_, err = base.WriteAt([]byte("MUTATED!!!!"), 0)
	require.NoError(t, err)

	forked, _, err := memvfs.VFS{}.Open("/forked", vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
	require.NoError(t, err)
	defer forked.Close()
	require.NoError(t, forked.Lock(vfs.LOCK_SHARED))

	got := make([]byte, 11)
	_, err = forked.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}
