package brightdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dime-ai/discovery/internal/model"
)

// Emit receives worker progress events.
type Emit func(stage string, data map[string]any)

// Progress event stage names emitted during a batch refresh.
const (
	StagePlatformStarted  = "BRIGHTDATA_PLATFORM_STARTED"
	StagePlatformFinished = "BRIGHTDATA_PLATFORM_FINISHED"
	StageChunkStarted     = "BRIGHTDATA_CHUNK_STARTED"
	StageChunkFinished    = "BRIGHTDATA_CHUNK_FINISHED"
	StageProfileCompleted = "BRIGHTDATA_PROFILE_COMPLETED"
	StageProfileFailed    = "BRIGHTDATA_PROFILE_FAILED"
)

// snapshotAPI is the slice of Client the worker needs.
type snapshotAPI interface {
	RefreshProfiles(ctx context.Context, urls []string) (string, []map[string]string, error)
}

// Outcome is the per-handle result of a batch refresh.
type Outcome struct {
	Username     string            `json:"username"`
	Platform     model.Platform    `json:"platform"`
	Record       map[string]string `json:"record,omitempty"`
	ProfileImage string            `json:"profile_image,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Succeeded reports whether the vendor returned a clean record.
func (o Outcome) Succeeded() bool { return o.Error == "" && o.Record != nil }

// BatchResult summarizes one Refresh call. Outcomes are keyed by the
// normalized handle key "platform:username".
type BatchResult struct {
	Outcomes   map[string]Outcome `json:"outcomes"`
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
}

// WorkerConfig bounds batch fan-out.
type WorkerConfig struct {
	MaxURLs    int
	MaxWorkers int
}

// Worker fans profile refreshes out across per-platform dataset clients.
type Worker struct {
	clients map[model.Platform]snapshotAPI
	cfg     WorkerConfig
}

// NewWorker builds a refresh worker over per-platform clients.
func NewWorker(clients map[model.Platform]snapshotAPI, cfg WorkerConfig) *Worker {
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 50
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	return &Worker{clients: clients, cfg: cfg}
}

// NewWorkerFromClients is NewWorker over concrete dataset clients.
func NewWorkerFromClients(clients map[model.Platform]*Client, cfg WorkerConfig) *Worker {
	wrapped := make(map[model.Platform]snapshotAPI, len(clients))
	for platform, client := range clients {
		wrapped[platform] = client
	}
	return NewWorker(wrapped, cfg)
}

// ProfileURL builds the canonical public profile URL for a handle.
func ProfileURL(username string, platform model.Platform) string {
	handle := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if platform == model.PlatformTikTok {
		return "https://www.tiktok.com/@" + handle
	}
	return "https://www.instagram.com/" + handle
}

// candidateKeys returns the lowercase identifiers a vendor record may carry
// for this handle: the bare handle plus URL variants with and without "www.".
func candidateKeys(username string, platform model.Platform) []string {
	handle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	var hosts []string
	if platform == model.PlatformTikTok {
		hosts = []string{"https://www.tiktok.com/@", "https://tiktok.com/@"}
	} else {
		hosts = []string{"https://www.instagram.com/", "https://instagram.com/"}
	}
	keys := []string{handle}
	for _, host := range hosts {
		keys = append(keys, host+handle, host+handle+"/")
	}
	return keys
}

// recordKeys extracts the identifiers present on a vendor record.
func recordKeys(record map[string]string) []string {
	var keys []string
	for _, field := range []string{"url", "profile_url", "input_url", "input", "account", "account_id", "username"} {
		if v := strings.ToLower(strings.TrimSpace(record[field])); v != "" {
			keys = append(keys, v, strings.TrimRight(v, "/"))
		}
	}
	return keys
}

// profileImageKeys is the priority order for the refreshed avatar URL.
var profileImageKeys = []string{
	"profile_image_url", "profile_image_link", "profile_pic_url_hd",
	"profile_pic_url", "profile_picture", "profile_pic", "picture", "avatar",
}

// ProfileImage picks the best avatar URL present on a vendor record.
func ProfileImage(record map[string]string) string {
	for _, key := range profileImageKeys {
		if v := strings.TrimSpace(record[key]); v != "" {
			return v
		}
	}
	return ""
}

func recordFailure(record map[string]string) string {
	warning := strings.TrimSpace(record["warning"])
	code := strings.TrimSpace(record["warning_code"])
	switch {
	case warning != "" && code != "":
		return fmt.Sprintf("%s (%s)", warning, code)
	case warning != "":
		return warning
	case code != "":
		return code
	}
	return ""
}

func handleKey(username string, platform model.Platform) string {
	return strings.ToLower(string(platform) + ":" + strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

// Refresh fetches fresh vendor records for the given handles. Handles are
// grouped by platform, chunked, and fetched concurrently; a failed chunk
// fails only its own handles. Zero valid handles is an error.
func (w *Worker) Refresh(ctx context.Context, handles []model.ProfileHandle, emit Emit) (*BatchResult, error) {
	if emit == nil {
		emit = func(string, map[string]any) {}
	}

	byPlatform := make(map[model.Platform][]model.ProfileHandle)
	for _, h := range handles {
		if strings.TrimSpace(h.Username) == "" {
			continue
		}
		platform := h.Platform
		if platform == "" {
			platform = model.PlatformInstagram
		}
		if _, ok := w.clients[platform]; !ok {
			continue
		}
		byPlatform[platform] = append(byPlatform[platform], model.ProfileHandle{
			Username: strings.TrimPrefix(strings.TrimSpace(h.Username), "@"),
			Platform: platform,
		})
	}
	if len(byPlatform) == 0 {
		return nil, eris.New("brightdata: no refreshable handles")
	}

	platforms := make([]model.Platform, 0, len(byPlatform))
	for platform := range byPlatform {
		platforms = append(platforms, platform)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })

	result := &BatchResult{Outcomes: make(map[string]Outcome)}
	var mu sync.Mutex

	record := func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		result.Outcomes[handleKey(o.Username, o.Platform)] = o
		result.Total++
		if o.Succeeded() {
			result.Successful++
			emit(StageProfileCompleted, map[string]any{
				"username": o.Username, "platform": string(o.Platform),
			})
		} else {
			result.Failed++
			emit(StageProfileFailed, map[string]any{
				"username": o.Username, "platform": string(o.Platform), "error": o.Error,
			})
		}
	}

	for _, platform := range platforms {
		group := byPlatform[platform]
		chunks := chunkHandles(group, w.cfg.MaxURLs)
		emit(StagePlatformStarted, map[string]any{
			"platform": string(platform), "total_profiles": len(group), "chunks": len(chunks),
		})

		var (
			progressMu sync.Mutex
			completed  int
			snapshots  []string
		)
		eg, chunkCtx := errgroup.WithContext(ctx)
		eg.SetLimit(min(len(chunks), w.cfg.MaxWorkers))
		for i, chunk := range chunks {
			eg.Go(func() error {
				emit(StageChunkStarted, map[string]any{
					"platform":     string(platform),
					"chunk_index":  i,
					"chunk_size":   len(chunk),
					"total_chunks": len(chunks),
				})
				snapshotID := w.refreshChunk(chunkCtx, platform, chunk, record)
				progressMu.Lock()
				completed++
				done := completed
				if snapshotID != "" {
					snapshots = append(snapshots, snapshotID)
				}
				progressMu.Unlock()
				emit(StageChunkFinished, map[string]any{
					"platform":         string(platform),
					"chunk_index":      i,
					"completed_chunks": done,
					"total_chunks":     len(chunks),
					"snapshot_id":      snapshotID,
				})
				return nil
			})
		}
		_ = eg.Wait()

		sort.Strings(snapshots)
		emit(StagePlatformFinished, map[string]any{
			"platform": string(platform), "snapshots": snapshots,
		})
	}

	zap.L().Info("profile refresh finished",
		zap.Int("total", result.Total),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// refreshChunk fetches one chunk and records per-handle outcomes. It returns
// the vendor snapshot id, which may be set even when the fetch failed after
// triggering.
func (w *Worker) refreshChunk(ctx context.Context, platform model.Platform, chunk []model.ProfileHandle, record func(Outcome)) string {
	urls := make([]string, 0, len(chunk))
	for _, h := range chunk {
		urls = append(urls, ProfileURL(h.Username, platform))
	}

	snapshotID, records, err := w.clients[platform].RefreshProfiles(ctx, urls)
	if err != nil {
		zap.L().Warn("refresh chunk failed",
			zap.String("platform", string(platform)),
			zap.String("snapshot_id", snapshotID),
			zap.Int("handles", len(chunk)),
			zap.Error(err),
		)
		for _, h := range chunk {
			record(Outcome{Username: h.Username, Platform: platform, Error: err.Error()})
		}
		return snapshotID
	}

	index := make(map[string]map[string]string)
	for _, rec := range records {
		for _, key := range recordKeys(rec) {
			if _, taken := index[key]; !taken {
				index[key] = rec
			}
		}
	}

	for _, h := range chunk {
		var matched map[string]string
		for _, key := range candidateKeys(h.Username, platform) {
			if rec, ok := index[key]; ok {
				matched = rec
				break
			}
		}
		switch {
		case matched == nil:
			record(Outcome{Username: h.Username, Platform: platform, Error: "profile missing from snapshot"})
		case recordFailure(matched) != "":
			record(Outcome{Username: h.Username, Platform: platform, Error: recordFailure(matched)})
		default:
			record(Outcome{
				Username:     h.Username,
				Platform:     platform,
				Record:       matched,
				ProfileImage: ProfileImage(matched),
			})
		}
	}
	return snapshotID
}

// FetchSingle refreshes one handle and returns its outcome.
func (w *Worker) FetchSingle(ctx context.Context, username string, platform model.Platform) (Outcome, error) {
	result, err := w.Refresh(ctx, []model.ProfileHandle{{Username: username, Platform: platform}}, nil)
	if err != nil {
		return Outcome{}, err
	}
	outcome, ok := result.Outcomes[handleKey(username, platform)]
	if !ok {
		return Outcome{}, eris.Errorf("brightdata: no outcome for %s", username)
	}
	return outcome, nil
}

func chunkHandles(handles []model.ProfileHandle, size int) [][]model.ProfileHandle {
	var chunks [][]model.ProfileHandle
	for start := 0; start < len(handles); start += size {
		end := min(start+size, len(handles))
		chunks = append(chunks, handles[start:end])
	}
	return chunks
}
