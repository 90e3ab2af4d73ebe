package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jszwec/csvutil"
	"github.com/pemistahl/lingua-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, path string, header []string, rows ...map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	w, err := createRows(path, header)
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, w.Write(row))
	}
	require.NoError(t, w.Close())
}

func testDetector(t *testing.T) lingua.LanguageDetector {
	t.Helper()
	return lingua.NewLanguageDetectorBuilder().
		FromLanguages(lingua.English, lingua.Spanish).
		Build()
}

func TestLanguageFilter(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "raw.csv")
	writeCSV(t, input, []string{"account", "biography"},
		map[string]string{"account": "alice", "biography": "I travel the world and write long stories about every city I visit along the way"},
		map[string]string{"account": "bruno", "biography": "Viajo por el mundo y escribo historias largas sobre cada ciudad que visito en el camino"},
		map[string]string{"account": "chen", "biography": "hi"},
	)

	filter := NewLanguageFilter(testDetector(t), FilterConfig{Namespace: "instagram"})
	result, err := filter.Run(context.Background(), input, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Kept)
	assert.Equal(t, 1, result.Excluded)
	assert.False(t, result.Cached)

	header, records, err := readAllRows(result.EnglishPath)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, col := range derivedColumns {
		assert.Contains(t, header, col)
	}

	// Identical rerun hits the cache.
	again, err := filter.Run(context.Background(), input, dir)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, 2, again.Kept)
}

func TestAssignLanceIDs(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.csv")
	writeCSV(t, input, []string{"account", "lance_db_id"},
		map[string]string{"account": "a", "lance_db_id": "instagram_000005"},
		map[string]string{"account": "b", "lance_db_id": "instagram_000005"},
		map[string]string{"account": "c", "lance_db_id": ""},
	)

	output := filepath.Join(dir, "out.csv")
	assigned, err := AssignLanceIDs(input, output, "instagram")
	require.NoError(t, err)
	assert.Equal(t, 2, assigned)

	_, records, err := readAllRows(output)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, record := range records {
		id := record["lance_db_id"]
		assert.True(t, strings.HasPrefix(id, "instagram_"))
		assert.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
	assert.True(t, ids["instagram_000005"])
	assert.True(t, ids["instagram_000006"])
	assert.True(t, ids["instagram_000007"])
}

func TestPrepareChunks(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "profiles.csv")
	writeCSV(t, input, []string{"account", "biography", "lance_db_id"},
		map[string]string{"account": "a", "biography": "bio a", "lance_db_id": "instagram_000001"},
		map[string]string{"account": "b", "biography": "bio b", "lance_db_id": "instagram_000002"},
		map[string]string{"account": "c", "biography": "bio c", "lance_db_id": "instagram_000003"},
	)

	chunks, err := PrepareChunks(context.Background(), input, dir, PrepareConfig{ChunkSize: 2, Namespace: "instagram"})
	require.NoError(t, err)
	require.Equal(t, []string{"instagram_chunk_001.jsonl", "instagram_chunk_002.jsonl"}, chunks)

	data, err := os.ReadFile(filepath.Join(dir, chunks[0]))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var envelope batchEnvelope
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &envelope))
	assert.Equal(t, "profile-instagram_000001", envelope.CustomID)
	assert.Equal(t, "POST", envelope.Method)
	assert.Equal(t, "/v1/responses", envelope.URL)
	assert.NotEmpty(t, envelope.Body["model"])
	assert.Contains(t, envelope.Body["input"], "@a")

	// Unchanged source is not re-chunked.
	before, err := os.Stat(filepath.Join(dir, chunks[0]))
	require.NoError(t, err)
	again, err := PrepareChunks(context.Background(), input, dir, PrepareConfig{ChunkSize: 2, Namespace: "instagram"})
	require.NoError(t, err)
	assert.Equal(t, chunks, again)
	after, err := os.Stat(filepath.Join(dir, chunks[0]))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestPrepareChunksRebuildsOnPromptChange(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "profiles.csv")
	writeCSV(t, input, []string{"account", "biography", "lance_db_id"},
		map[string]string{"account": "a", "biography": "bio a", "lance_db_id": "instagram_000001"},
	)

	chunks, err := PrepareChunks(context.Background(), input, dir, PrepareConfig{Namespace: "instagram", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	chunkPath := filepath.Join(dir, chunks[0])

	// Corrupt the chunk so a rebuild is observable.
	require.NoError(t, os.WriteFile(chunkPath, []byte("stale\n"), 0o644))

	// Same model keeps the cached chunk.
	_, err = PrepareChunks(context.Background(), input, dir, PrepareConfig{Namespace: "instagram", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	data, err := os.ReadFile(chunkPath)
	require.NoError(t, err)
	assert.Equal(t, "stale\n", string(data))

	// A different model changes the fingerprint and rebuilds.
	_, err = PrepareChunks(context.Background(), input, dir, PrepareConfig{Namespace: "instagram", Model: "gpt-4.1"})
	require.NoError(t, err)
	data, err = os.ReadFile(chunkPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "profile-instagram_000001")
}

func TestPrepareChunksRequiresIDs(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "profiles.csv")
	writeCSV(t, input, []string{"account"}, map[string]string{"account": "a"})

	_, err := PrepareChunks(context.Background(), input, dir, PrepareConfig{Namespace: "instagram"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lance_db_id")
}

func responseLine(customID, text string) string {
	body := map[string]any{
		"output": []map[string]any{{
			"type": "message",
			"content": []map[string]any{{
				"type": "output_text",
				"text": text,
			}},
		}},
	}
	line, _ := json.Marshal(map[string]any{
		"custom_id": customID,
		"response":  map[string]any{"status_code": 200, "body": body},
	})
	return string(line)
}

func TestCollectLabels(t *testing.T) {
	good := "3,8,5,2,\"Lisbon, Portugal\",unknown,25-34,photographer,travel,food,sun,sea,city,art,light,style,walk,coffee"
	short := "1,2,3"
	input := strings.Join([]string{
		responseLine("profile-instagram_000001", good),
		responseLine("profile-instagram_000002", "Here you go:\n"+good),
		responseLine("profile-instagram_000003", short),
		`{"custom_id":"profile-instagram_000004","response":{"status_code":500,"body":{}}}`,
		`{"custom_id":"profile-instagram_000005","error":{"message":"rate limited"}}`,
	}, "\n")

	output := filepath.Join(t.TempDir(), "labels.csv")
	count, err := CollectLabels(strings.NewReader(input), output)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var rows []LabelRow
	require.NoError(t, csvutil.Unmarshal(data, &rows))
	require.Len(t, rows, 5)

	assert.Equal(t, "instagram_000001", rows[0].LanceID)
	assert.Equal(t, 3, rows[0].IndividualVsOrg)
	assert.Equal(t, 8, rows[0].GenerationalAppeal)
	assert.Equal(t, "Lisbon, Portugal", rows[0].Location)
	assert.Equal(t, "photographer", rows[0].Occupation)
	assert.Equal(t, 10, len(strings.Split(rows[0].Keywords, ", ")))
	assert.Empty(t, rows[0].ProcessingError)

	// Preamble before the csv line is tolerated.
	assert.Empty(t, rows[1].ProcessingError)
	assert.Equal(t, "25-34", rows[1].Age)

	assert.Contains(t, rows[2].ProcessingError, "18 fields")
	assert.Equal(t, short, rows[2].RawResponse)
	assert.Contains(t, rows[3].ProcessingError, "500")
	assert.Equal(t, "rate limited", rows[4].ProcessingError)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 10, clampScore("14"))
	assert.Equal(t, 0, clampScore("-3"))
	assert.Equal(t, 7, clampScore("6.8"))
	assert.Equal(t, 0, clampScore("high"))
}

type fakeBatchAPI struct {
	uploads   int
	creates   int
	statuses  []string
	statusIdx int
	output    string
}

func (f *fakeBatchAPI) UploadFile(ctx context.Context, path string) (string, error) {
	f.uploads++
	return fmt.Sprintf("file-%d", f.uploads), nil
}

func (f *fakeBatchAPI) CreateBatch(ctx context.Context, inputFileID string) (string, error) {
	f.creates++
	return fmt.Sprintf("batch-%d", f.creates), nil
}

func (f *fakeBatchAPI) BatchStatus(ctx context.Context, batchID string) (string, string, string, error) {
	status := f.statuses[min(f.statusIdx, len(f.statuses)-1)]
	f.statusIdx++
	if status == "completed" {
		return status, "out-file", "", nil
	}
	if status == "failed" {
		return status, "", "validation error", nil
	}
	return status, "", "", nil
}

func (f *fakeBatchAPI) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.output)), nil
}

func TestRunnerSubmitThenCollectAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	chunk := "instagram_chunk_001.jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunk), []byte("{}\n"), 0o644))

	good := "3,8,5,2,Lisbon,unknown,25-34,photographer,a,b,c,d,e,f,g,h,i,j"
	api := &fakeBatchAPI{
		statuses: []string{"completed"},
		output:   responseLine("profile-instagram_000001", good),
	}
	runner := NewRunner(api, RunnerConfig{Namespace: "instagram", RequestsPerSecond: 1000})

	// First run submits and hands control back without polling.
	state, err := runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	chunkState := state[chunk]
	require.NotNil(t, chunkState)
	assert.Equal(t, ChunkSubmitted, chunkState.Status)
	assert.Equal(t, "batch-1", chunkState.BatchID)
	assert.Equal(t, "file-1", chunkState.InputFileID)
	assert.Zero(t, api.statusIdx)

	// Second run resumes from the persisted batch id and collects.
	state, err = runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	chunkState = state[chunk]
	assert.Equal(t, ChunkCompleted, chunkState.Status)
	assert.Equal(t, "batch-1", chunkState.BatchID)
	assert.Equal(t, 1, chunkState.RowCount)
	assert.FileExists(t, filepath.Join(dir, chunkState.OutputCSV))

	// Third run skips the collected chunk entirely.
	state, err = runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	assert.Equal(t, 1, api.uploads)
	assert.Equal(t, ChunkCompleted, state[chunk].Status)
}

func TestRunnerLeavesRunningBatchSubmitted(t *testing.T) {
	dir := t.TempDir()
	chunk := "instagram_chunk_001.jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunk), []byte("{}\n"), 0o644))
	require.NoError(t, SaveState(statePath(dir, "instagram", "batch_jobs_state.json"), BatchJobsState{
		chunk: {ChunkFile: chunk, BatchID: "batch-old", Status: ChunkSubmitted},
	}))

	api := &fakeBatchAPI{statuses: []string{"in_progress"}}
	runner := NewRunner(api, RunnerConfig{Namespace: "instagram", RequestsPerSecond: 1000, MaxAttempts: 1})

	state, err := runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	assert.Equal(t, ChunkSubmitted, state[chunk].Status)
	assert.Equal(t, "batch-old", state[chunk].BatchID)
	assert.Empty(t, state[chunk].Error)
}

func TestRunnerResubmitsOnPromptChange(t *testing.T) {
	dir := t.TempDir()
	chunk := "instagram_chunk_001.jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunk), []byte("{}\n"), 0o644))
	require.NoError(t, SaveState(statePath(dir, "instagram", "batch_jobs_state.json"), BatchJobsState{
		chunk: {
			ChunkFile: chunk, BatchID: "batch-old", Status: ChunkCompleted,
			OutputCSV: "old_labels.csv", PromptFingerprint: "stale",
		},
	}))

	api := &fakeBatchAPI{statuses: []string{"in_progress"}}
	runner := NewRunner(api, RunnerConfig{
		Namespace: "instagram", RequestsPerSecond: 1000, MaxAttempts: 1,
		PromptFingerprint: PromptFingerprint("gpt-4o-mini"),
	})

	state, err := runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	assert.Equal(t, 1, api.uploads)
	assert.Equal(t, "batch-1", state[chunk].BatchID)
	assert.Equal(t, ChunkSubmitted, state[chunk].Status)
	assert.Equal(t, PromptFingerprint("gpt-4o-mini"), state[chunk].PromptFingerprint)
}

func TestRunnerResumesByBatchID(t *testing.T) {
	dir := t.TempDir()
	chunk := "instagram_chunk_001.jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunk), []byte("{}\n"), 0o644))
	require.NoError(t, SaveState(statePath(dir, "instagram", "batch_jobs_state.json"), BatchJobsState{
		chunk: {ChunkFile: chunk, BatchID: "batch-old", Status: ChunkSubmitted},
	}))

	api := &fakeBatchAPI{
		statuses: []string{"completed"},
		output:   responseLine("profile-instagram_000001", "1,2,3,4,a,b,c,d,e,f,g,h,i,j,k,l,m,n"),
	}
	runner := NewRunner(api, RunnerConfig{Namespace: "instagram", RequestsPerSecond: 1000})

	state, err := runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	assert.Zero(t, api.uploads)
	assert.Zero(t, api.creates)
	assert.Equal(t, ChunkCompleted, state[chunk].Status)
	assert.Equal(t, "batch-old", state[chunk].BatchID)
}

func TestRunnerRecordsChunkFailure(t *testing.T) {
	dir := t.TempDir()
	chunk := "instagram_chunk_001.jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, chunk), []byte("{}\n"), 0o644))
	require.NoError(t, SaveState(statePath(dir, "instagram", "batch_jobs_state.json"), BatchJobsState{
		chunk: {ChunkFile: chunk, BatchID: "batch-old", Status: ChunkSubmitted},
	}))

	api := &fakeBatchAPI{statuses: []string{"failed"}}
	runner := NewRunner(api, RunnerConfig{Namespace: "instagram", RequestsPerSecond: 1000})

	state, err := runner.Run(context.Background(), dir, []string{chunk})
	require.NoError(t, err)
	assert.Equal(t, ChunkFailed, state[chunk].Status)
	assert.Contains(t, state[chunk].Error, "validation error")
}

func TestSaveStateAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, SaveState(path, FilterCache{InputHash: "abc", Kept: 3}))

	loaded, err := LoadState[FilterCache](path)
	require.NoError(t, err)
	assert.Equal(t, "abc", loaded.InputHash)
	assert.Equal(t, 3, loaded.Kept)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	missing, err := LoadState[FilterCache](filepath.Join(dir, "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, missing.InputHash)
}

func TestCombinePlatforms(t *testing.T) {
	dir := t.TempDir()
	igDir := filepath.Join(dir, "instagram")
	writeCSV(t, filepath.Join(igDir, "a.csv"), []string{"account", "lance_db_id"},
		map[string]string{"account": "a", "lance_db_id": "instagram_000001"},
		map[string]string{"account": "b", "lance_db_id": "instagram_000007"},
	)
	tiktokCSV := filepath.Join(dir, "tiktok.csv")
	writeCSV(t, tiktokCSV, []string{"account", "lance_db_id", "followers"},
		map[string]string{"account": "c", "lance_db_id": "tiktok_000001", "followers": "10"},
		map[string]string{"account": "d", "lance_db_id": "tiktok_000002", "followers": "20"},
	)

	output := filepath.Join(dir, "social_profiles.csv")
	result, err := CombinePlatforms(igDir, tiktokCSV, output)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Instagram)
	assert.Equal(t, 2, result.TikTok)

	header, records, err := readAllRows(output)
	require.NoError(t, err)
	assert.Contains(t, header, "platform")
	assert.Contains(t, header, "followers")

	ids := map[string]bool{}
	for _, record := range records {
		id := record["lance_db_id"]
		assert.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
	// Instagram keeps numeric ids, tiktok continues past the max.
	assert.Equal(t, "1", records[0]["lance_db_id"])
	assert.Equal(t, "7", records[1]["lance_db_id"])
	assert.Equal(t, "8", records[2]["lance_db_id"])
	assert.Equal(t, "9", records[3]["lance_db_id"])
	assert.Equal(t, "tiktok", records[2]["platform"])
}

func TestCombinePlatformsRenumbersPastGlobalMax(t *testing.T) {
	dir := t.TempDir()
	igDir := filepath.Join(dir, "instagram")
	// The duplicate appears before the legitimate higher id; renumbering must
	// not steal id 2 from the row that owns it.
	writeCSV(t, filepath.Join(igDir, "a.csv"), []string{"account", "lance_db_id"},
		map[string]string{"account": "a", "lance_db_id": "instagram_000001"},
		map[string]string{"account": "b", "lance_db_id": "instagram_000001"},
		map[string]string{"account": "c", "lance_db_id": "instagram_000002"},
		map[string]string{"account": "d", "lance_db_id": ""},
	)

	output := filepath.Join(dir, "social_profiles.csv")
	result, err := CombinePlatforms(igDir, "", output)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Instagram)

	_, records, err := readAllRows(output)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "1", records[0]["lance_db_id"])
	assert.Equal(t, "3", records[1]["lance_db_id"])
	assert.Equal(t, "2", records[2]["lance_db_id"])
	assert.Equal(t, "4", records[3]["lance_db_id"])
}

func TestWriteParquet(t *testing.T) {
	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles.csv")
	writeCSV(t, profiles, []string{"account", "biography", "followers", "lance_db_id"},
		map[string]string{"account": "a", "biography": "travel", "followers": "1000", "lance_db_id": "instagram_000001"},
		map[string]string{"account": "b", "biography": "food", "followers": "2000", "lance_db_id": "instagram_000002"},
	)

	labels := filepath.Join(dir, "labels.csv")
	data, err := csvutil.Marshal([]LabelRow{{
		LanceID:         "instagram_000001",
		IndividualVsOrg: 9,
		Location:        "Lisbon",
		Keywords:        "travel, sun",
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(labels, data, 0o644))

	output := filepath.Join(dir, "normalized_profiles.parquet")
	result, err := WriteParquet(profiles, []string{labels}, output)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rows)
	assert.Equal(t, 1, result.Labeled)
	assert.FileExists(t, output)
}
