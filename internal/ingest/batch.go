package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// minPollInterval is the floor for batch status polling.
const minPollInterval = 30 * time.Second

// batchAPI is the slice of the OpenAI Batch surface the runner needs.
type batchAPI interface {
	UploadFile(ctx context.Context, path string) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (string, error)
	BatchStatus(ctx context.Context, batchID string) (status, outputFileID, errMsg string, err error)
	DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// openaiBatchClient implements batchAPI over the OpenAI SDK.
type openaiBatchClient struct {
	client openai.Client
}

// NewBatchAPI wraps an OpenAI client for batch submission.
func NewBatchAPI(client openai.Client) *openaiBatchClient {
	return &openaiBatchClient{client: client}
}

func (c *openaiBatchClient) UploadFile(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: open chunk %s", path)
	}
	defer file.Close()

	uploaded, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    file,
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", eris.Wrapf(err, "ingest: upload chunk %s", filepath.Base(path))
	}
	return uploaded.ID, nil
}

func (c *openaiBatchClient) CreateBatch(ctx context.Context, inputFileID string) (string, error) {
	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		InputFileID:      inputFileID,
		Endpoint:         openai.BatchNewParamsEndpointV1Responses,
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return "", eris.Wrap(err, "ingest: create batch")
	}
	return batch.ID, nil
}

func (c *openaiBatchClient) BatchStatus(ctx context.Context, batchID string) (string, string, string, error) {
	batch, err := c.client.Batches.Get(ctx, batchID)
	if err != nil {
		return "", "", "", eris.Wrapf(err, "ingest: retrieve batch %s", batchID)
	}
	errMsg := ""
	if len(batch.Errors.Data) > 0 {
		errMsg = batch.Errors.Data[0].Message
	}
	return string(batch.Status), batch.OutputFileID, errMsg, nil
}

func (c *openaiBatchClient) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := c.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: download file %s", fileID)
	}
	return resp.Body, nil
}

// RunnerConfig tunes batch submission and collection.
type RunnerConfig struct {
	// Namespace prefixes state files.
	Namespace string

	// PollInterval between status checks; floored at 30s.
	PollInterval time.Duration

	// MaxAttempts caps status polls per chunk before giving up for this run.
	// Default: 120 (about an hour at the floor interval).
	MaxAttempts int

	// RequestsPerSecond throttles API calls. Default: 2.
	RequestsPerSecond float64

	// PromptFingerprint identifies the labeling prompt and model used for
	// this run; it is persisted per chunk so prompt changes invalidate
	// previously collected output.
	PromptFingerprint string
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Namespace == "" {
		c.Namespace = "instagram"
	}
	if c.PollInterval < minPollInterval {
		c.PollInterval = minPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 120
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	return c
}

// Runner drives prepared chunks through the Batch API, resumably.
type Runner struct {
	api     batchAPI
	cfg     RunnerConfig
	limiter *rate.Limiter
}

// NewRunner builds a batch runner.
func NewRunner(api batchAPI, cfg RunnerConfig) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		api:     api,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

// Run submits every pending chunk and polls every previously submitted one.
// A freshly submitted chunk is left in the submitted state for a later run to
// collect; batches can take up to 24 hours. Completed chunks with their CSV
// on disk are skipped, unless they were collected under a different prompt
// fingerprint, in which case they are resubmitted. Chunk failures are
// recorded and do not stop the run.
func (r *Runner) Run(ctx context.Context, chunkDir string, chunks []string) (BatchJobsState, error) {
	statePath := statePath(chunkDir, r.cfg.Namespace, "batch_jobs_state.json")
	state, err := LoadState[BatchJobsState](statePath)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = BatchJobsState{}
	}

	for _, chunkName := range chunks {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		chunkState := state[chunkName]
		if chunkState == nil {
			chunkState = &ChunkState{ChunkFile: chunkName, Status: ChunkPending}
			state[chunkName] = chunkState
		}
		if chunkState.PromptFingerprint != r.cfg.PromptFingerprint && chunkState.Status != ChunkPending {
			zap.L().Info("prompt changed, resubmitting chunk", zap.String("chunk", chunkName))
			*chunkState = ChunkState{ChunkFile: chunkName, Status: ChunkPending}
		}
		if chunkState.Status == ChunkCompleted && fileExists(filepath.Join(chunkDir, chunkState.OutputCSV)) {
			zap.L().Info("chunk already collected", zap.String("chunk", chunkName))
			continue
		}

		if err := r.processChunk(ctx, chunkDir, chunkState); err != nil {
			if ctx.Err() != nil {
				saveErr := SaveState(statePath, state)
				if saveErr != nil {
					zap.L().Warn("state save failed during shutdown", zap.Error(saveErr))
				}
				return state, err
			}
			chunkState.Status = ChunkFailed
			chunkState.Error = err.Error()
			zap.L().Error("chunk failed",
				zap.String("chunk", chunkName),
				zap.Error(err),
			)
		}
		if err := SaveState(statePath, state); err != nil {
			return state, err
		}
	}
	return state, nil
}

// processChunk submits a fresh chunk and returns control; polling a batch
// that may run for a day belongs to the next invocation. Already submitted
// chunks go straight to collection.
func (r *Runner) processChunk(ctx context.Context, chunkDir string, chunkState *ChunkState) error {
	if chunkState.BatchID == "" {
		return r.submit(ctx, chunkDir, chunkState)
	}
	return r.collect(ctx, chunkDir, chunkState)
}

func (r *Runner) submit(ctx context.Context, chunkDir string, chunkState *ChunkState) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	fileID, err := r.api.UploadFile(ctx, filepath.Join(chunkDir, chunkState.ChunkFile))
	if err != nil {
		return err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	batchID, err := r.api.CreateBatch(ctx, fileID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	chunkState.BatchID = batchID
	chunkState.InputFileID = fileID
	chunkState.Status = ChunkSubmitted
	chunkState.PromptFingerprint = r.cfg.PromptFingerprint
	chunkState.SubmittedAt = &now
	chunkState.Error = ""
	zap.L().Info("chunk submitted",
		zap.String("chunk", chunkState.ChunkFile),
		zap.String("batch_id", batchID),
	)
	return nil
}

// collect polls a submitted batch up to MaxAttempts. A batch still running
// when the attempts run out stays submitted; the next run picks it up again.
func (r *Runner) collect(ctx context.Context, chunkDir string, chunkState *ChunkState) error {
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		status, outputFileID, errMsg, err := r.api.BatchStatus(ctx, chunkState.BatchID)
		if err != nil {
			return err
		}

		switch status {
		case "completed":
			return r.download(ctx, chunkDir, chunkState, outputFileID)
		case "failed", "expired", "cancelled":
			if errMsg == "" {
				errMsg = "batch " + status
			}
			return eris.Errorf("ingest: batch %s %s: %s", chunkState.BatchID, status, errMsg)
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	zap.L().Info("batch still running, leaving for the next run",
		zap.String("chunk", chunkState.ChunkFile),
		zap.String("batch_id", chunkState.BatchID),
		zap.Int("polls", r.cfg.MaxAttempts),
	)
	return nil
}

func (r *Runner) download(ctx context.Context, chunkDir string, chunkState *ChunkState, outputFileID string) error {
	if outputFileID == "" {
		return eris.Errorf("ingest: batch %s completed without an output file", chunkState.BatchID)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := r.api.DownloadFile(ctx, outputFileID)
	if err != nil {
		return err
	}
	defer body.Close()

	outputCSV := strings.TrimSuffix(chunkState.ChunkFile, ".jsonl") + "_labels.csv"
	rowCount, err := CollectLabels(body, filepath.Join(chunkDir, outputCSV))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	chunkState.Status = ChunkCompleted
	chunkState.OutputCSV = outputCSV
	chunkState.RowCount = rowCount
	chunkState.CompletedAt = &now
	chunkState.Error = ""
	zap.L().Info("chunk collected",
		zap.String("chunk", chunkState.ChunkFile),
		zap.Int("rows", rowCount),
	)
	return nil
}
