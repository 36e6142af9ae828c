package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/spend"
	"github.com/praxisllmlab/tianjibatch/internal/store"
)

// batchLoader is the read side of the store used by export.
type batchLoader interface {
	LoadBatch(ctx context.Context, id string) (engine.Batch, []engine.RequestItem, error)
}

func newExportCmd(configPath *string) *cobra.Command {
	var batchID, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the result document of a batch to a file",
		Example: `  # Export into batch_settings.export_dir
  tianjibatch export --batch 6f1c...

  # Export to an explicit path, or "-" for stdout
  tianjibatch export --batch 6f1c... --out results.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			costs, err := spend.NewCalculator(cfg.GeneralSettings.PricingPath)
			if err != nil {
				return err
			}
			currency := func(alias string) string {
				api, _ := cfg.LookupAPIConfig(alias)
				return costs.Pricing(api).Currency
			}

			if out == "" {
				out = filepath.Join(cfg.BatchSettings.ExportDir, batchID+".json")
			}
			if err := exportBatch(cmd.Context(), store.NewPostgres(pool), batchID, out, currency, cmd.OutOrStdout()); err != nil {
				return err
			}
			if out != "-" {
				logger.Info().Str("batch_id", batchID).Str("path", out).Msg("batch exported")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&batchID, "batch", "b", "", "batch id")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default <export_dir>/<batch>.json)")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

// exportBatch loads a batch and writes its export document to path, or to
// stdout when path is "-".
func exportBatch(ctx context.Context, loader batchLoader, id, path string, currency func(string) string, stdout io.Writer) error {
	b, items, err := loader.LoadBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", id, err)
	}
	exp := engine.BuildExport(b, items, engine.SnapshotFromItems(b, items, currency(b.APIAlias)))

	w := stdout
	if path != "-" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(exp); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	return nil
}
