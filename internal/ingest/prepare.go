package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/normalize"
)

// labelPrompt asks for one CSV line so the collector can parse the response
// without a schema round-trip. Placeholders: account, name, bio, posts.
const labelPrompt = `You are labeling a social media creator profile.

Account: @%s
Name: %s
Bio: %s
Recent posts (caption | location):
%s

Respond with EXACTLY one CSV line containing these 18 fields in order:
individual_vs_org (0-10, 0=organization 10=individual),
generational_appeal (0-10, 0=older 10=younger),
professionalization (0-10, 0=casual 10=professional),
relationship_status (0-10, 0=single 10=family),
location, ethnicity, age, occupation,
then exactly 10 descriptive keywords.
Quote any field containing a comma. No header, no explanation.`

// maxPromptPosts caps how many caption/location pairs enter the prompt.
const maxPromptPosts = 9

// PromptFingerprint hashes the labeling prompt together with the model name.
// Chunks and batch output built under a different fingerprint are stale.
func PromptFingerprint(model string) string {
	sum := sha256.Sum256([]byte(labelPrompt + "\n" + model))
	return hex.EncodeToString(sum[:])
}

// PrepareConfig tunes chunk preparation.
type PrepareConfig struct {
	// ChunkSize is rows per batch request file. Default: 20000.
	ChunkSize int

	// Model named in every request body.
	Model string

	// Namespace prefixes chunk files and state.
	Namespace string

	// Platform hints the normalizer.
	Platform model.Platform
}

func (c PrepareConfig) withDefaults() PrepareConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 20000
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Namespace == "" {
		c.Namespace = "instagram"
	}
	return c
}

// ChunkMeta records what a chunk file was built from so re-runs can skip it.
type ChunkMeta struct {
	RowCount          int    `json:"row_count"`
	SourceHash        string `json:"source_hash"`
	PromptFingerprint string `json:"prompt_fingerprint"`
}

// ChunksMeta maps chunk file name to its build metadata.
type ChunksMeta map[string]*ChunkMeta

// batchEnvelope is one line of a batch request JSONL file.
type batchEnvelope struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

// PrepareChunks splits the id-assigned CSV into JSONL batch request files of
// at most ChunkSize rows. Chunks already built from the same source are
// skipped.
func PrepareChunks(ctx context.Context, inputPath, outDir string, cfg PrepareConfig) ([]string, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "ingest: create chunk output dir")
	}

	sourceHash, err := fileHash(inputPath)
	if err != nil {
		return nil, err
	}
	fingerprint := PromptFingerprint(cfg.Model)
	metaPath := statePath(outDir, cfg.Namespace, "chunks_meta.json")
	meta, err := LoadState[ChunksMeta](metaPath)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = ChunksMeta{}
	}

	rows, err := openRows(inputPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		chunks    []string
		chunk     *os.File
		chunkName string
		chunkRows int
		chunkIdx  int
		skipping  bool
	)
	closeChunk := func() error {
		if chunk == nil {
			return nil
		}
		if err := chunk.Close(); err != nil {
			return eris.Wrapf(err, "ingest: close chunk %s", chunkName)
		}
		meta[chunkName] = &ChunkMeta{RowCount: chunkRows, SourceHash: sourceHash, PromptFingerprint: fingerprint}
		chunk = nil
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			if chunk != nil {
				chunk.Close()
			}
			return nil, err
		}
		record, readErr := rows.Next()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if chunk != nil {
				chunk.Close()
			}
			return nil, eris.Wrapf(readErr, "ingest: read %s", inputPath)
		}

		if chunk == nil && !skipping || chunkRows >= cfg.ChunkSize {
			if err := closeChunk(); err != nil {
				return nil, err
			}
			chunkIdx++
			chunkRows = 0
			chunkName = fmt.Sprintf("%s_chunk_%03d.jsonl", cfg.Namespace, chunkIdx)
			chunks = append(chunks, chunkName)

			prev := meta[chunkName]
			skipping = prev != nil && prev.SourceHash == sourceHash &&
				prev.PromptFingerprint == fingerprint && fileExists(filepath.Join(outDir, chunkName))
			if skipping {
				chunkRows = 0
			} else {
				chunk, err = os.Create(filepath.Join(outDir, chunkName))
				if err != nil {
					return nil, eris.Wrapf(err, "ingest: create chunk %s", chunkName)
				}
			}
		}
		chunkRows++
		if skipping {
			continue
		}

		envelope, err := buildEnvelope(record, cfg)
		if err != nil {
			chunk.Close()
			return nil, err
		}
		line, err := json.Marshal(envelope)
		if err != nil {
			chunk.Close()
			return nil, eris.Wrap(err, "ingest: encode batch envelope")
		}
		if _, err := chunk.Write(append(line, '\n')); err != nil {
			chunk.Close()
			return nil, eris.Wrapf(err, "ingest: write chunk %s", chunkName)
		}
	}
	if err := closeChunk(); err != nil {
		return nil, err
	}

	if err := SaveState(metaPath, meta); err != nil {
		return nil, err
	}
	zap.L().Info("chunks prepared",
		zap.String("input", inputPath),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// buildEnvelope turns one CSV row into a batch request line.
func buildEnvelope(record map[string]string, cfg PrepareConfig) (*batchEnvelope, error) {
	lanceID := strings.TrimSpace(record["lance_db_id"])
	if lanceID == "" {
		return nil, eris.New("ingest: row without lance_db_id; run id assignment first")
	}
	profile := normalize.Profile(record, cfg.Platform)
	return &batchEnvelope{
		CustomID: "profile-" + lanceID,
		Method:   "POST",
		URL:      "/v1/responses",
		Body: map[string]any{
			"model": cfg.Model,
			"input": buildLabelPrompt(&profile),
		},
	}, nil
}

func buildLabelPrompt(profile *model.CanonicalProfile) string {
	var posts strings.Builder
	count := 0
	for _, post := range profile.Posts {
		if count >= maxPromptPosts {
			break
		}
		caption := strings.TrimSpace(post.Caption)
		if caption == "" {
			continue
		}
		location := post.LocationName
		if location == "" {
			location = "-"
		}
		fmt.Fprintf(&posts, "- %s | %s\n", caption, location)
		count++
	}
	if count == 0 {
		posts.WriteString("- none\n")
	}
	return fmt.Sprintf(labelPrompt,
		profile.Username,
		profile.DisplayName,
		profile.Biography,
		strings.TrimRight(posts.String(), "\n"),
	)
}
