package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// Chunk batch statuses.
const (
	ChunkPending   = "pending"
	ChunkSubmitted = "submitted"
	ChunkCompleted = "completed"
	ChunkFailed    = "failed"
)

// ChunkState tracks one prepared chunk through the batch API.
type ChunkState struct {
	ChunkFile         string     `json:"chunk_file"`
	BatchID           string     `json:"batch_id,omitempty"`
	InputFileID       string     `json:"input_file_id,omitempty"`
	Status            string     `json:"status"`
	OutputCSV         string     `json:"output_csv,omitempty"`
	RowCount          int        `json:"row_count"`
	SourceHash        string     `json:"source_hash,omitempty"`
	PromptFingerprint string     `json:"prompt_fingerprint,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// BatchJobsState is the resumable per-chunk state map, keyed by chunk file
// name.
type BatchJobsState map[string]*ChunkState

// FilterCache records a finished language-filter run so re-runs can skip it.
type FilterCache struct {
	InputHash     string `json:"input_hash"`
	FilterVersion string `json:"filter_version"`
	BatchSize     int    `json:"batch_size"`
	Kept          int    `json:"kept"`
	Excluded      int    `json:"excluded"`
}

// statePath returns the namespaced state file location.
func statePath(dir, namespace, name string) string {
	return filepath.Join(dir, namespace+"_"+name)
}

// LoadState reads a JSON state file; a missing file yields the zero value.
func LoadState[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return out, eris.Wrapf(err, "ingest: read state %s", path)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, eris.Wrapf(err, "ingest: decode state %s", path)
	}
	return out, nil
}

// SaveState writes a JSON state file atomically (temp file + rename).
func SaveState(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "ingest: encode state %s", path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "ingest: create temp state file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return eris.Wrapf(err, "ingest: write state %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return eris.Wrap(err, "ingest: close temp state file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return eris.Wrapf(err, "ingest: rename state %s", path)
	}
	return nil
}
