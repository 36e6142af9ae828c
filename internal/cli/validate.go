package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/engine"
)

func newValidateCmd(configPath *string) *cobra.Command {
	var inputPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and, optionally, an input file",
		Example: `  # Check the config
  tianjibatch validate --config batch_config.yaml

  # Also check a conversations file
  tianjibatch validate --input conversations.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			active := 0
			for _, a := range cfg.APIConfigs {
				if a.Active() {
					active++
				}
			}
			cmd.Printf("config ok: %d api configs (%d active)\n", len(cfg.APIConfigs), active)

			if inputPath == "" {
				return nil
			}
			f, err := os.Open(inputPath)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()

			convs, err := engine.ParseInput(f)
			if err != nil {
				return fmt.Errorf("input validation failed: %w", err)
			}
			cmd.Printf("input ok: %d conversations\n", len(convs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "JSON file with an array of conversations")
	return cmd
}
