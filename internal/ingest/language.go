package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pemistahl/lingua-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/normalize"
)

// filterVersion invalidates cached filter runs when the sampling or keep
// rules change.
const filterVersion = "2"

// Derived columns appended to every filtered row.
var derivedColumns = []string{
	"reel_post_ratio_last10",
	"median_view_count_last10",
	"median_like_count_last10",
	"median_comment_count_last10",
	"total_img_posts_ig",
	"total_reels_ig",
}

// FilterConfig tunes the language filter.
type FilterConfig struct {
	// MinTextChars is the sample length below which a row is kept without
	// detection. Default: 60.
	MinTextChars int

	// CaptionsToInspect caps how many captions contribute to the sample.
	// Default: 9.
	CaptionsToInspect int

	// SnippetChars truncates each caption's contribution. Default: 50.
	SnippetChars int

	// BatchSize is recorded in the cache key; a changed batch size forces a
	// re-run. Default: 1000.
	BatchSize int

	// Namespace prefixes state files and lance ids ("instagram", "tiktok").
	Namespace string

	// Platform hints the normalizer; empty means infer per row.
	Platform model.Platform
}

func (c FilterConfig) withDefaults() FilterConfig {
	if c.MinTextChars <= 0 {
		c.MinTextChars = 60
	}
	if c.CaptionsToInspect <= 0 {
		c.CaptionsToInspect = 9
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = 50
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Namespace == "" {
		c.Namespace = "instagram"
	}
	return c
}

// NewEnglishDetector builds a lingua detector over all supported languages
// with preloaded models.
func NewEnglishDetector() lingua.LanguageDetector {
	return lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		WithPreloadedLanguageModels().
		Build()
}

// FilterResult reports one language-filter run.
type FilterResult struct {
	EnglishPath  string `json:"english_path"`
	ExcludedPath string `json:"excluded_path"`
	Kept         int    `json:"kept"`
	Excluded     int    `json:"excluded"`
	Cached       bool   `json:"cached"`
}

// LanguageFilter keeps English-language profiles and rows too short to
// classify, and annotates every kept row with the derived post statistics.
type LanguageFilter struct {
	detector lingua.LanguageDetector
	cfg      FilterConfig
}

// NewLanguageFilter builds a filter over a detector.
func NewLanguageFilter(detector lingua.LanguageDetector, cfg FilterConfig) *LanguageFilter {
	return &LanguageFilter{detector: detector, cfg: cfg.withDefaults()}
}

// Run streams inputPath and writes english/excluded CSVs into outDir. A
// cache hit from a previous identical run skips the work.
func (f *LanguageFilter) Run(ctx context.Context, inputPath, outDir string) (*FilterResult, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "ingest: create filter output dir")
	}

	inputHash, err := fileHash(inputPath)
	if err != nil {
		return nil, err
	}

	result := &FilterResult{
		EnglishPath:  filepath.Join(outDir, f.cfg.Namespace+"_english.csv"),
		ExcludedPath: filepath.Join(outDir, f.cfg.Namespace+"_excluded.csv"),
	}

	cachePath := statePath(outDir, f.cfg.Namespace, "language_filter_cache.json")
	cache, err := LoadState[FilterCache](cachePath)
	if err != nil {
		return nil, err
	}
	if cache.InputHash == inputHash && cache.FilterVersion == filterVersion &&
		cache.BatchSize == f.cfg.BatchSize && fileExists(result.EnglishPath) {
		result.Kept = cache.Kept
		result.Excluded = cache.Excluded
		result.Cached = true
		zap.L().Info("language filter cache hit", zap.String("input", inputPath))
		return result, nil
	}

	rows, err := openRows(inputPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	header := append([]string{}, rows.header...)
	for _, col := range derivedColumns {
		if !contains(header, col) {
			header = append(header, col)
		}
	}

	english, err := createRows(result.EnglishPath, header)
	if err != nil {
		return nil, err
	}
	excluded, err := createRows(result.ExcludedPath, header)
	if err != nil {
		english.Close()
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			english.Close()
			excluded.Close()
			return nil, err
		}
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			english.Close()
			excluded.Close()
			return nil, eris.Wrapf(err, "ingest: read %s", inputPath)
		}

		profile := normalize.Profile(record, f.cfg.Platform)
		record["reel_post_ratio_last10"] = profile.ReelPostRatio
		record["median_view_count_last10"] = profile.MedianViews
		record["median_like_count_last10"] = profile.MedianLikes
		record["median_comment_count_last10"] = profile.MedianComments
		record["total_img_posts_ig"] = profile.TotalImgPostsIG
		record["total_reels_ig"] = profile.TotalReelsIG

		if f.keep(&profile) {
			if err := english.Write(record); err != nil {
				english.Close()
				excluded.Close()
				return nil, eris.Wrap(err, "ingest: write english row")
			}
			result.Kept++
		} else {
			if err := excluded.Write(record); err != nil {
				english.Close()
				excluded.Close()
				return nil, eris.Wrap(err, "ingest: write excluded row")
			}
			result.Excluded++
		}
	}

	if err := english.Close(); err != nil {
		return nil, err
	}
	if err := excluded.Close(); err != nil {
		return nil, err
	}

	if err := SaveState(cachePath, FilterCache{
		InputHash:     inputHash,
		FilterVersion: filterVersion,
		BatchSize:     f.cfg.BatchSize,
		Kept:          result.Kept,
		Excluded:      result.Excluded,
	}); err != nil {
		return nil, err
	}

	zap.L().Info("language filter finished",
		zap.String("input", inputPath),
		zap.Int("kept", result.Kept),
		zap.Int("excluded", result.Excluded),
	)
	return result, nil
}

// keep reports whether a profile passes the filter: too little text to
// classify, or detected as English.
func (f *LanguageFilter) keep(profile *model.CanonicalProfile) bool {
	sample := f.sample(profile)
	if len(sample) < f.cfg.MinTextChars {
		return true
	}
	language, ok := f.detector.DetectLanguageOf(sample)
	return ok && language == lingua.English
}

// sample concatenates the biography with truncated caption snippets.
func (f *LanguageFilter) sample(profile *model.CanonicalProfile) string {
	parts := []string{}
	if profile.Biography != "" {
		parts = append(parts, profile.Biography)
	}
	inspected := 0
	for _, post := range profile.Posts {
		if inspected >= f.cfg.CaptionsToInspect {
			break
		}
		caption := strings.TrimSpace(post.Caption)
		if caption == "" {
			continue
		}
		if len(caption) > f.cfg.SnippetChars {
			caption = caption[:f.cfg.SnippetChars]
		}
		parts = append(parts, caption)
		inspected++
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// AssignLanceIDs rewrites a CSV ensuring every row has a unique
// "{namespace}_NNNNNN" id, preserving valid existing ids and renumbering
// missing or duplicated ones past the current maximum.
func AssignLanceIDs(inputPath, outputPath, namespace string) (int, error) {
	header, records, err := readAllRows(inputPath)
	if err != nil {
		return 0, err
	}
	if !contains(header, "lance_db_id") {
		header = append(header, "lance_db_id")
	}

	prefix := namespace + "_"
	maxID := 0
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		id := record["lance_db_id"]
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(id, prefix)); err == nil {
			seen[id] = struct{}{}
			if n > maxID {
				maxID = n
			}
		}
	}

	assigned := 0
	used := make(map[string]struct{}, len(records))
	for _, record := range records {
		id := record["lance_db_id"]
		_, dup := used[id]
		if id == "" || dup || !strings.HasPrefix(id, prefix) {
			maxID++
			id = fmt.Sprintf("%s%06d", prefix, maxID)
			record["lance_db_id"] = id
			assigned++
		}
		used[id] = struct{}{}
	}

	writer, err := createRows(outputPath, header)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			writer.Close()
			return 0, eris.Wrap(err, "ingest: write id-assigned row")
		}
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	return assigned, nil
}

func fileHash(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: open %s for hashing", path)
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", eris.Wrapf(err, "ingest: hash %s", path)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
