package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/ingest"
)

var (
	ingestInstagram string
	ingestTikTok    string
	ingestWorkDir   string
	ingestStopAfter string
	ingestForce     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Build the labeled profile dataset from raw platform exports",
	Long:  "Filters raw CSV exports to English profiles, labels them through the OpenAI Batch API, combines platforms, and writes the final parquet. Every step is resumable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		if ingestInstagram == "" && ingestTikTok == "" {
			return eris.New("at least one of --instagram or --tiktok is required")
		}
		if ingestStopAfter != "" && !ingest.ValidStep(ingest.Step(ingestStopAfter)) {
			return eris.Errorf("unknown step %q", ingestStopAfter)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		workDir := ingestWorkDir
		if workDir == "" {
			workDir = cfg.Ingest.WorkDir
		}

		openaiOpts := []option.RequestOption{option.WithAPIKey(cfg.OpenAI.Key)}
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, option.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		client := openai.NewClient(openaiOpts...)

		zap.L().Info("loading language models")
		filter := ingest.NewLanguageFilter(ingest.NewEnglishDetector(), ingest.FilterConfig{
			MinTextChars:      cfg.Ingest.MinTextChars,
			CaptionsToInspect: cfg.Ingest.CaptionsToInspect,
			SnippetChars:      cfg.Ingest.CaptionSnippetChars,
			BatchSize:         cfg.Ingest.LanguageBatchSize,
		})

		p := ingest.NewPipeline(filter, ingest.NewBatchAPI(client), ingest.PipelineConfig{
			WorkDir:      workDir,
			InstagramCSV: ingestInstagram,
			TikTokCSV:    ingestTikTok,
			Filter: ingest.FilterConfig{
				MinTextChars:      cfg.Ingest.MinTextChars,
				CaptionsToInspect: cfg.Ingest.CaptionsToInspect,
				SnippetChars:      cfg.Ingest.CaptionSnippetChars,
				BatchSize:         cfg.Ingest.LanguageBatchSize,
			},
			Prepare: ingest.PrepareConfig{
				ChunkSize: cfg.Ingest.ChunkSize,
				Model:     cfg.OpenAI.BatchModel,
			},
			Runner: ingest.RunnerConfig{
				PollInterval: time.Duration(cfg.Ingest.PollIntervalSecs) * time.Second,
				MaxAttempts:  cfg.Ingest.MaxAttempts,
			},
			StopAfter: ingest.Step(ingestStopAfter),
			Force:     ingestForce,
		})

		return p.Run(ctx)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestInstagram, "instagram", "", "raw instagram export csv")
	ingestCmd.Flags().StringVar(&ingestTikTok, "tiktok", "", "raw tiktok export csv")
	ingestCmd.Flags().StringVar(&ingestWorkDir, "workdir", "", "artifact directory (default from config)")
	ingestCmd.Flags().StringVar(&ingestStopAfter, "stop-after", "", "halt after this step: filter, prepare, batch, combine, parquet")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "clear resumable state before running")
	rootCmd.AddCommand(ingestCmd)
}
