package main

import (
	"context"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/ingest"
	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/normalize"
	"github.com/dime-ai/discovery/internal/search"
)

var (
	indexInput string
	indexBatch int
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Load a combined profile csv into the search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if indexInput == "" {
			return eris.New("--input is required")
		}
		if cfg.OpenAI.Key == "" {
			return eris.New("openai.key is required to embed profiles")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		openaiOpts := []option.RequestOption{option.WithAPIKey(cfg.OpenAI.Key)}
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, option.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		embedder := search.NewOpenAIEmbedder(openai.NewClient(openaiOpts...), cfg.OpenAI.EmbedModel)

		index, err := search.NewSQLiteIndex(cfg.Search.IndexPath)
		if err != nil {
			return err
		}
		defer index.Close()
		if err := index.Migrate(ctx); err != nil {
			return err
		}

		loaded, err := loadIndex(ctx, index, embedder, indexInput, indexBatch)
		if err != nil {
			return err
		}
		zap.L().Info("index loaded", zap.Int("profiles", loaded))
		return nil
	},
}

// loadIndex streams the csv in embed-sized batches and upserts each batch.
func loadIndex(ctx context.Context, index *search.SQLiteIndex, embedder search.Embedder, inputPath string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 64
	}

	rows, err := ingest.OpenRows(inputPath)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	loaded := 0
	batch := make([]model.CanonicalProfile, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		bios := make([]string, len(batch))
		posts := make([]string, len(batch))
		for i := range batch {
			bios[i] = embedText(batch[i].Biography)
			posts[i] = embedText(postsText(batch[i].Posts))
		}
		bioVecs, err := embedder.Embed(ctx, bios)
		if err != nil {
			return err
		}
		postVecs, err := embedder.Embed(ctx, posts)
		if err != nil {
			return err
		}

		indexed := make([]search.IndexedProfile, len(batch))
		for i := range batch {
			indexed[i] = search.IndexedProfile{
				Profile:    batch[i],
				ProfileVec: bioVecs[i],
				PostsVec:   postVecs[i],
			}
		}
		if err := index.Upsert(ctx, indexed); err != nil {
			return err
		}
		loaded += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		record, readErr := rows.Next()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return loaded, eris.Wrapf(readErr, "read %s", inputPath)
		}
		profile := normalize.Profile(record, "")
		if profile.LanceID == "" {
			profile.LanceID = record["lance_db_id"]
		}
		batch = append(batch, profile)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return loaded, err
			}
		}
	}
	if err := flush(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// postsText joins captions and hashtags into the posts embedding document.
func postsText(posts []model.PostRecord) string {
	var b strings.Builder
	for _, post := range posts {
		if post.Caption != "" {
			b.WriteString(post.Caption)
			b.WriteByte(' ')
		}
		for _, tag := range post.Hashtags {
			b.WriteString(tag)
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// embedText substitutes a placeholder for empty text so batch positions stay
// aligned with their profiles.
func embedText(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

func init() {
	indexCmd.Flags().StringVar(&indexInput, "input", "", "combined profile csv")
	indexCmd.Flags().IntVar(&indexBatch, "batch", 64, "profiles embedded per request")
	rootCmd.AddCommand(indexCmd)
}
