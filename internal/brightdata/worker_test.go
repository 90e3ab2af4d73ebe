package brightdata

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dime-ai/discovery/internal/model"
)

type fakeSnapshotAPI struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(urls []string) ([]map[string]string, error)
}

func (f *fakeSnapshotAPI) RefreshProfiles(ctx context.Context, urls []string) (string, []map[string]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, urls)
	snapshotID := fmt.Sprintf("snap-%d", len(f.calls))
	f.mu.Unlock()
	records, err := f.fn(urls)
	return snapshotID, records, err
}

type loggedEvent struct {
	stage string
	data  map[string]any
}

type eventLog struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (l *eventLog) emit(stage string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, loggedEvent{stage: stage, data: data})
}

func (l *eventLog) count(stage string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.stage == stage {
			n++
		}
	}
	return n
}

func (l *eventLog) byStage(stage string) []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]any
	for _, e := range l.events {
		if e.stage == stage {
			out = append(out, e.data)
		}
	}
	return out
}

func echoRecords(urls []string) ([]map[string]string, error) {
	records := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		records = append(records, map[string]string{
			"url":               u,
			"followers":         "100",
			"profile_image_url": "https://cdn.example/pic.jpg",
		})
	}
	return records, nil
}

func TestRefreshMatchesByCandidateKeys(t *testing.T) {
	ig := &fakeSnapshotAPI{fn: func(urls []string) ([]map[string]string, error) {
		// Vendor echoes the non-www variant without a trailing slash.
		return []map[string]string{
			{"url": "https://instagram.com/wanderer", "followers": "100"},
		}, nil
	}}
	w := NewWorker(map[model.Platform]snapshotAPI{model.PlatformInstagram: ig}, WorkerConfig{})

	result, err := w.Refresh(context.Background(), []model.ProfileHandle{
		{Username: "@Wanderer", Platform: model.PlatformInstagram},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)

	outcome := result.Outcomes["instagram:wanderer"]
	require.True(t, outcome.Succeeded())
	assert.Equal(t, "100", outcome.Record["followers"])
}

func TestRefreshChunksAndEmitsPairedEvents(t *testing.T) {
	ig := &fakeSnapshotAPI{fn: echoRecords}
	w := NewWorker(map[model.Platform]snapshotAPI{model.PlatformInstagram: ig}, WorkerConfig{
		MaxURLs:    2,
		MaxWorkers: 2,
	})

	handles := []model.ProfileHandle{
		{Username: "a", Platform: model.PlatformInstagram},
		{Username: "b", Platform: model.PlatformInstagram},
		{Username: "c", Platform: model.PlatformInstagram},
		{Username: "d", Platform: model.PlatformInstagram},
		{Username: "e", Platform: model.PlatformInstagram},
	}

	log := &eventLog{}
	result, err := w.Refresh(context.Background(), handles, log.emit)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Successful)
	assert.Len(t, ig.calls, 3)

	assert.Equal(t, 1, log.count(StagePlatformStarted))
	assert.Equal(t, 1, log.count(StagePlatformFinished))
	assert.Equal(t, 3, log.count(StageChunkStarted))
	assert.Equal(t, 3, log.count(StageChunkFinished))
	assert.Equal(t, 5, log.count(StageProfileCompleted))

	started := log.byStage(StagePlatformStarted)[0]
	assert.Equal(t, 5, started["total_profiles"])
	assert.Equal(t, 3, started["chunks"])

	for _, data := range log.byStage(StageChunkStarted) {
		assert.Contains(t, data, "chunk_index")
		assert.Contains(t, data, "chunk_size")
		assert.Equal(t, 3, data["total_chunks"])
	}

	var completed []int
	for _, data := range log.byStage(StageChunkFinished) {
		assert.Contains(t, data, "chunk_index")
		assert.Equal(t, 3, data["total_chunks"])
		assert.NotEmpty(t, data["snapshot_id"])
		completed = append(completed, data["completed_chunks"].(int))
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, completed)

	finished := log.byStage(StagePlatformFinished)[0]
	snapshots, ok := finished["snapshots"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"snap-1", "snap-2", "snap-3"}, snapshots)
}

func TestRefreshChunkFailureIsIsolated(t *testing.T) {
	var call int
	var mu sync.Mutex
	ig := &fakeSnapshotAPI{fn: func(urls []string) ([]map[string]string, error) {
		mu.Lock()
		call++
		failing := call == 1
		mu.Unlock()
		if failing {
			return nil, eris.New("snapshot exploded")
		}
		return echoRecords(urls)
	}}
	w := NewWorker(map[model.Platform]snapshotAPI{model.PlatformInstagram: ig}, WorkerConfig{
		MaxURLs:    1,
		MaxWorkers: 1,
	})

	result, err := w.Refresh(context.Background(), []model.ProfileHandle{
		{Username: "a", Platform: model.PlatformInstagram},
		{Username: "b", Platform: model.PlatformInstagram},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
}

func TestRefreshRecordsWarningsAsFailures(t *testing.T) {
	ig := &fakeSnapshotAPI{fn: func(urls []string) ([]map[string]string, error) {
		return []map[string]string{
			{"url": urls[0], "warning": "Account is private", "warning_code": "private_account"},
		}, nil
	}}
	w := NewWorker(map[model.Platform]snapshotAPI{model.PlatformInstagram: ig}, WorkerConfig{})

	result, err := w.Refresh(context.Background(), []model.ProfileHandle{
		{Username: "hidden", Platform: model.PlatformInstagram},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	outcome := result.Outcomes["instagram:hidden"]
	assert.Equal(t, "Account is private (private_account)", outcome.Error)
}

func TestRefreshRejectsEmptyHandleSet(t *testing.T) {
	w := NewWorker(map[model.Platform]snapshotAPI{}, WorkerConfig{})
	_, err := w.Refresh(context.Background(), []model.ProfileHandle{{Username: ""}}, nil)
	require.Error(t, err)
}

func TestFetchSingle(t *testing.T) {
	tk := &fakeSnapshotAPI{fn: echoRecords}
	w := NewWorker(map[model.Platform]snapshotAPI{model.PlatformTikTok: tk}, WorkerConfig{})

	outcome, err := w.FetchSingle(context.Background(), "dancer", model.PlatformTikTok)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, "https://cdn.example/pic.jpg", outcome.ProfileImage)

	require.Len(t, tk.calls, 1)
	assert.Equal(t, []string{"https://www.tiktok.com/@dancer"}, tk.calls[0])
}

func TestValidateImageURL(t *testing.T) {
	// Host checks only; resolution is skipped for disallowed hosts.
	_, err := ValidateImageURL("http://scontent.cdninstagram.com/pic.jpg", DefaultImageHosts)
	require.Error(t, err)

	_, err = ValidateImageURL("https://evil.example/pic.jpg", DefaultImageHosts)
	require.Error(t, err)

	_, err = ValidateImageURL("https://cdninstagram.com.evil.example/pic.jpg", DefaultImageHosts)
	require.Error(t, err)
}
