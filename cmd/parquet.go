package main

import (
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/ingest"
)

var (
	parquetProfiles string
	parquetLabels   []string
	parquetOutput   string
)

var parquetCmd = &cobra.Command{
	Use:   "parquet",
	Short: "Merge label CSVs into the final parquet dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("parquet"); err != nil {
			return err
		}
		if parquetProfiles == "" {
			return eris.New("--profiles is required")
		}

		var labels []string
		for _, pattern := range parquetLabels {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return eris.Wrapf(err, "bad label glob %q", pattern)
			}
			labels = append(labels, matches...)
		}

		output := parquetOutput
		if output == "" {
			output = filepath.Join(cfg.Ingest.WorkDir, "normalized_profiles.parquet")
		}

		result, err := ingest.WriteParquet(parquetProfiles, labels, output)
		if err != nil {
			return err
		}
		zap.L().Info("merge complete",
			zap.String("output", result.OutputPath),
			zap.Int("rows", result.Rows),
			zap.Int("labeled", result.Labeled),
		)
		return nil
	},
}

func init() {
	parquetCmd.Flags().StringVar(&parquetProfiles, "profiles", "", "combined profile csv")
	parquetCmd.Flags().StringArrayVar(&parquetLabels, "labels", nil, "label csv path or glob (repeatable)")
	parquetCmd.Flags().StringVar(&parquetOutput, "output", "", "parquet output path (default under workdir)")
	rootCmd.AddCommand(parquetCmd)
}
