package commands

import (
	"fmt"

	"github.com/relstore/webvfs/internal/config"
	"github.com/relstore/webvfs/vfs"
	"github.com/relstore/webvfs/vfs/idbvfs"
	"github.com/relstore/webvfs/vfs/lockmgr"
	"github.com/relstore/webvfs/vfs/memvfs"
	"github.com/relstore/webvfs/vfs/opfsvfs"
)

// lockManagerOptions translates cfg.Lock into the vfs/lockmgr.Option
// list a backend's Manager is constructed with.
func lockManagerOptions(cfg config.Config) []lockmgr.Option {
	opts := []lockmgr.Option{
		lockmgr.WithTimeouts(cfg.Lock.OuterAcquireTimeout, cfg.Lock.InnerExclusiveTimeout),
	}
	if cfg.Lock.MandatoryReserved {
		opts = append(opts, lockmgr.WithMandatoryReserved())
	}
	return opts
}

// buildBackend constructs and returns the VFS named by cfg.Backend,
// along with a cleanup function to release its resources.
func buildBackend(cfg config.Config) (vfs.VFS, func() error, error) {
	switch cfg.Backend {
	case "idbvfs":
		v, err := idbvfs.New(cfg.DataDir, cfg.BlockSize, cfg.MaxSnapshotAge, lockManagerOptions(cfg)...)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	case "opfsvfs":
		v, err := opfsvfs.New(cfg.DataDir, cfg.PoolCapacity, lockManagerOptions(cfg)...)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	case "memvfs":
		return memvfs.VFS{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want idbvfs, opfsvfs, or memvfs)", cfg.Backend)
	}
}
