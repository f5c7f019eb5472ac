package config_test

import (
	"testing"

	"github.com/relstore/webvfs/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestLoadOverridesBackend(t *testing.T) {
	v := viper.New()
	v.Set("backend", "opfsvfs")
	v.Set("pool_capacity", 8)

	cfg, err := config.Load(v)
	require.NoError(t, err)
	require.Equal(t, "opfsvfs", cfg.Backend)
	require.Equal(t, 8, cfg.PoolCapacity)
	require.Equal(t, config.Defaults().BlockSize, cfg.BlockSize)
}
