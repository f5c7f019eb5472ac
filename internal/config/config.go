// Package config loads this repository's configuration the way
// pkg/config.Config does in marmos91/dittofs: spf13/viper layers flags
// over environment variables over a config file over defaults, and
// mitchellh/mapstructure decodes the merged view into a typed struct.
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is cmd/vfsconform's full configuration surface: which backend
// to exercise and the knobs specific to each (spec.md §4.C-§4.F).
type Config struct {
	// Backend selects which registered VFS to drive: "idbvfs",
	// "opfsvfs", or "memvfs".
	Backend string `mapstructure:"backend"`

	// DataDir is the on-disk root idbvfs and opfsvfs use for their
	// block store / handle pool.
	DataDir string `mapstructure:"data_dir"`

	// BlockSize is the idbvfs default block size in bytes.
	BlockSize int64 `mapstructure:"block_size"`

	// PoolCapacity is the number of pre-allocated opfsvfs handles.
	PoolCapacity int `mapstructure:"pool_capacity"`

	// Lock carries the lock manager's tunable timeouts.
	Lock LockConfig `mapstructure:"lock"`

	// MaxSnapshotAge bounds idbvfs's purge-blocking snapshot registry
	// (spec.md §9 OQ2).
	MaxSnapshotAge time.Duration `mapstructure:"max_snapshot_age"`
}

// LockConfig mirrors vfs/lockmgr.Manager's tunables.
type LockConfig struct {
	OuterAcquireTimeout   time.Duration `mapstructure:"outer_acquire_timeout"`
	InnerExclusiveTimeout time.Duration `mapstructure:"inner_exclusive_timeout"`
	MandatoryReserved     bool          `mapstructure:"mandatory_reserved"`
}

// Defaults returns the configuration used when no flag, environment
// variable, or file overrides a field.
func Defaults() Config {
	return Config{
		Backend:      "idbvfs",
		DataDir:      "./vfsconform-data",
		BlockSize:    4096,
		PoolCapacity: 32,
		Lock: LockConfig{
			OuterAcquireTimeout:   250 * time.Millisecond,
			InnerExclusiveTimeout: 100 * time.Millisecond,
		},
		MaxSnapshotAge: 30 * time.Second,
	}
}

// Load builds a Config from v, which the caller has already set up with
// flag bindings, an "WEBVFS" environment prefix, and an optional config
// file (precedence: flags > env > file > defaults, per SPEC_FULL.md's
// ambient stack section).
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
