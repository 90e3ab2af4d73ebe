package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CombineResult reports one platform merge.
type CombineResult struct {
	OutputPath string
	Instagram  int
	TikTok     int
}

// CombinePlatforms merges every instagram CSV with the tiktok CSV into a
// single social_profiles.csv carrying globally unique integer lance ids:
// instagram rows keep their numeric ids, tiktok rows are renumbered to
// continue past the instagram maximum.
func CombinePlatforms(instagramDir, tiktokCSV, outputPath string) (*CombineResult, error) {
	instagramFiles, err := filepath.Glob(filepath.Join(instagramDir, "*.csv"))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list instagram csvs")
	}
	if len(instagramFiles) == 0 {
		return nil, eris.Errorf("ingest: no instagram csvs under %s", instagramDir)
	}
	sort.Strings(instagramFiles)

	var (
		header  []string
		records []map[string]string
		maxID   int
	)
	used := map[int]struct{}{}
	result := &CombineResult{OutputPath: outputPath}

	// First pass reserves every legitimate instagram id and finds the global
	// maximum, so renumbered rows can never collide with a valid id that
	// appears later in the input.
	var needsID []map[string]string
	for _, path := range instagramFiles {
		fileHeader, fileRecords, err := readAllRows(path)
		if err != nil {
			return nil, err
		}
		header = mergeHeaders(header, fileHeader)
		for _, record := range fileRecords {
			record["platform"] = "instagram"
			id := numericID(record["lance_db_id"])
			if _, taken := used[id]; id == 0 || taken {
				needsID = append(needsID, record)
			} else {
				used[id] = struct{}{}
				if id > maxID {
					maxID = id
				}
				record["lance_db_id"] = strconv.Itoa(id)
			}
			records = append(records, record)
			result.Instagram++
		}
	}
	for _, record := range needsID {
		maxID++
		used[maxID] = struct{}{}
		record["lance_db_id"] = strconv.Itoa(maxID)
	}

	if tiktokCSV != "" && fileExists(tiktokCSV) {
		fileHeader, fileRecords, err := readAllRows(tiktokCSV)
		if err != nil {
			return nil, err
		}
		header = mergeHeaders(header, fileHeader)
		for _, record := range fileRecords {
			record["platform"] = "tiktok"
			maxID++
			record["lance_db_id"] = strconv.Itoa(maxID)
			records = append(records, record)
			result.TikTok++
		}
	}

	if !contains(header, "platform") {
		header = append(header, "platform")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "ingest: create combine output dir")
	}
	writer, err := createRows(outputPath, header)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			writer.Close()
			return nil, eris.Wrap(err, "ingest: write combined row")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	zap.L().Info("platforms combined",
		zap.Int("instagram", result.Instagram),
		zap.Int("tiktok", result.TikTok),
		zap.String("output", outputPath),
	)
	return result, nil
}

// numericID extracts the trailing integer from a namespaced lance id;
// non-numeric ids map to 0 and get renumbered downstream.
func numericID(id string) int {
	id = strings.TrimSpace(id)
	if idx := strings.LastIndex(id, "_"); idx >= 0 {
		id = id[idx+1:]
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// mergeHeaders unions two headers preserving first-seen column order.
func mergeHeaders(base, extra []string) []string {
	for _, col := range extra {
		if !contains(base, col) {
			base = append(base, col)
		}
	}
	return base
}
