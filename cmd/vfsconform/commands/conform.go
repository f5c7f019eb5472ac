package commands

import (
	"fmt"

	"github.com/relstore/webvfs/internal/conform"
	configpkg "github.com/relstore/webvfs/internal/config"
	"github.com/spf13/cobra"
)

var conformCmd = &cobra.Command{
	Use:   "conform",
	Short: "Run the conformance suite (spec §8) against the configured backend",
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

		rpt := conform.Run(cfg.Backend, backend)
		failed := 0
		for _, res := range rpt.Results {
			switch {
			case res.Err == nil:
				fmt.Fprintf(cmd.OutOrStdout(), "PASS  %s\n", res.Name)
			case res.Err == conform.ErrSkipped:
				fmt.Fprintf(cmd.OutOrStdout(), "SKIP  %s\n", res.Name)
			default:
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s: %v\n", res.Name, res.Err)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d/%d checks failed against backend %q", failed, len(rpt.Results), cfg.Backend)
		}
		return nil
	},
}
