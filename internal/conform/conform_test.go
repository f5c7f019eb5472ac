package conform_test

import (
	"testing"

	"github.com/relstore/webvfs/internal/conform"
	"github.com/relstore/webvfs/vfs/idbvfs"
	"github.com/relstore/webvfs/vfs/memvfs"
	"github.com/relstore/webvfs/vfs/opfsvfs"
	"github.com/stretchr/testify/require"
)

// TestSuiteAgainstMemVFS exercises every applicable check against the
// reference in-memory backend; snapshot isolation and crash consistency
// are idbvfs-specific and report ErrSkipped there.
func TestSuiteAgainstMemVFS(t *testing.T) {
	rpt := conform.Run("memvfs", memvfs.VFS{})
	for _, res := range rpt.Results {
		if res.Err != nil && res.Err != conform.ErrSkipped {
			t.Errorf("%s: %v", res.Name, res.Err)
		}
	}
}

func TestSuiteAgainstIdbVFS(t *testing.T) {
	v, err := idbvfs.New(t.TempDir(), idbvfs.DefaultBlockSize, idbvfs.DefaultMaxSnapshotAge)
	require.NoError(t, err)
	defer v.Close()

	rpt := conform.Run("idbvfs", v)
	for _, res := range rpt.Results {
		if res.Err != nil && res.Err != conform.ErrSkipped {
			t.Errorf("%s: %v", res.Name, res.Err)
		}
	}
}

func TestSuiteAgainstOpfsVFS(t *testing.T) {
	v, err := opfsvfs.New(t.TempDir(), 8)
	require.NoError(t, err)
	defer v.Close()

	rpt := conform.Run("opfsvfs", v)
	for _, res := range rpt.Results {
		if res.Err != nil && res.Err != conform.ErrSkipped {
			t.Errorf("%s: %v", res.Name, res.Err)
		}
	}
}
