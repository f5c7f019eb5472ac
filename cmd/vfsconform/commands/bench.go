package commands

import (
	"fmt"
	"time"

	configpkg "github.com/relstore/webvfs/internal/config"
	"github.com/relstore/webvfs/vfs"
	"github.com/spf13/cobra"
)

var benchIterations int

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure write/sync/read throughput against the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadViperFile(); err != nil {
			return err
		}
		cfg, err := configpkg.Load(v)
		if err != nil {
			return err
		}

		backend, cleanup, err := buildBackend(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		f, _, err := backend.Open("/bench", vfs.OPEN_CREATE|vfs.OPEN_READWRITE|vfs.OPEN_MAIN_DB)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := f.Lock(vfs.LOCK_EXCLUSIVE); err != nil {
			return err
		}

		payload := make([]byte, cfg.BlockSize)
		start := time.Now()
		for i := 0; i < benchIterations; i++ {
			if _, err := f.WriteAt(payload, int64(i)*cfg.BlockSize); err != nil {
				return err
			}
			if err := f.Sync(vfs.SYNC_NORMAL); err != nil {
				return err
			}
		}
		writeElapsed := time.Since(start)

		buf := make([]byte, cfg.BlockSize)
		start = time.Now()
		for i := 0; i < benchIterations; i++ {
			if _, err := f.ReadAt(buf, int64(i)*cfg.BlockSize); err != nil {
				return err
			}
		}
		readElapsed := time.Since(start)

		fmt.Fprintf(cmd.OutOrStdout(), "backend=%s iterations=%d block_size=%d write=%v (%v/op) read=%v (%v/op)\n",
			cfg.Backend, benchIterations, cfg.BlockSize,
			writeElapsed, writeElapsed/time.Duration(benchIterations),
			readElapsed, readElapsed/time.Duration(benchIterations))
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchIterations, "iterations", 200, "number of write+sync / read iterations")
}
