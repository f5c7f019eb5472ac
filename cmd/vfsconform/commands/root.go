// Package commands implements vfsconform's CLI commands.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "vfsconform",
	Short:         "Exercise the VFS conformance suite against a backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none, defaults + flags + env only)")
	rootCmd.PersistentFlags().String("backend", "", "backend to exercise: idbvfs, opfsvfs, or memvfs")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory for idbvfs/opfsvfs")
	rootCmd.PersistentFlags().Int64("block-size", 0, "idbvfs default block size in bytes")
	rootCmd.PersistentFlags().Int("pool-capacity", 0, "opfsvfs handle pool capacity")

	v.SetEnvPrefix("WEBVFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("block_size", rootCmd.PersistentFlags().Lookup("block-size"))
	_ = v.BindPFlag("pool_capacity", rootCmd.PersistentFlags().Lookup("pool-capacity"))

	rootCmd.AddCommand(conformCmd)
	rootCmd.AddCommand(benchCmd)
}

func loadViperFile() error {
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	return v.ReadInConfig()
}
