package vfs_test

import (
	"testing"

	"github.com/relstore/webvfs/vfs"
	"github.com/stretchr/testify/require"
)

func TestParsePathnameAnonymous(t *testing.T) {
	p, err := vfs.ParsePathname("")
	require.NoError(t, err)
	require.True(t, p.Anon)
}

func TestParsePathnameNormalizesLeadingSlash(t *testing.T) {
	p, err := vfs.ParsePathname("foo")
	require.NoError(t, err)
	require.Equal(t, "/foo", p.String())
}

func TestParsePathnameFileURI(t *testing.T) {
	p, err := vfs.ParsePathname("file:/test.db?vfs=memdb&block_size=8192")
	require.NoError(t, err)
	require.Equal(t, "/test.db", p.String())
	require.Equal(t, "memdb", p.Query.Get("vfs"))
	require.Equal(t, "8192", p.Query.Get("block_size"))
}

func TestRegistry(t *testing.T) {
	require.Nil(t, vfs.Find("does-not-exist"))

	stub := stubVFS{}
	vfs.Register("stub-for-test", stub)
	t.Cleanup(func() { vfs.Register("stub-for-test", nil) })

	require.Equal(t, vfs.VFS(stub), vfs.Find("stub-for-test"))
}

type stubVFS struct{}

func (stubVFS) Open(string, vfs.OpenFlag) (vfs.File, vfs.OpenFlag, error) { return nil, 0, nil }
func (stubVFS) Delete(string, bool) error                                { return nil }
func (stubVFS) Access(string, vfs.AccessFlag) (bool, error)              { return false, nil }
func (stubVFS) FullPathname(p string) (string, error)                    { return p, nil }
