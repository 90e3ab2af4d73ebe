package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
)

// Lifecycle event stages published by the runtime itself.
const (
	StageJobStarted  = "JOB_STARTED"
	StageJobFinished = "JOB_FINISHED"
	StageJobFailed   = "JOB_FAILED"
)

// DefaultQueue receives jobs enqueued to unknown queues.
const DefaultQueue = "default"

// JobFunc executes one job. emit publishes progress events; the returned
// payload becomes the job result.
type JobFunc func(ctx context.Context, job *model.JobRecord, emit func(stage string, data map[string]any)) (json.RawMessage, error)

// RuntimeConfig sizes the worker pools and job retention.
type RuntimeConfig struct {
	// Queues maps queue names to worker counts. The default queue is added
	// when absent.
	Queues map[string]int

	// JobTimeout fails a job that runs longer. Default: 15m.
	JobTimeout time.Duration

	// ResultTTL is how long terminal jobs are retained. Default: 1h.
	ResultTTL time.Duration

	// MaxJobs caps the total stored jobs. Default: 1000.
	MaxJobs int

	// SweepInterval is how often retention is enforced. Default: 1m.
	SweepInterval time.Duration
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.Queues == nil {
		c.Queues = map[string]int{}
	}
	if _, ok := c.Queues[DefaultQueue]; !ok {
		c.Queues[DefaultQueue] = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = 1000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Runtime executes enqueued jobs on per-queue worker pools.
type Runtime struct {
	store    *Store
	bus      *Bus
	cfg      RuntimeConfig
	handlers map[string]JobFunc

	queues map[string]chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewRuntime builds a runtime over the store and bus.
func NewRuntime(store *Store, bus *Bus, cfg RuntimeConfig) *Runtime {
	cfg = cfg.withDefaults()
	queues := make(map[string]chan string, len(cfg.Queues))
	for name := range cfg.Queues {
		queues[name] = make(chan string, cfg.MaxJobs)
	}
	return &Runtime{
		store:    store,
		bus:      bus,
		cfg:      cfg,
		handlers: make(map[string]JobFunc),
		queues:   queues,
	}
}

// Register binds a job kind to its handler. Must be called before Start.
func (r *Runtime) Register(kind string, fn JobFunc) {
	r.handlers[kind] = fn
}

// Start launches the worker pools and the retention sweeper.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for queue, workers := range r.cfg.Queues {
		for i := 0; i < workers; i++ {
			r.wg.Add(1)
			go r.worker(ctx, queue)
		}
	}
	r.wg.Add(1)
	go r.sweeper(ctx)
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (r *Runtime) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Enqueue stores a job and hands it to its queue. Unknown queues fall back
// to the default queue.
func (r *Runtime) Enqueue(ctx context.Context, queue, kind string, payload json.RawMessage) (*model.JobRecord, error) {
	if _, ok := r.handlers[kind]; !ok {
		return nil, eris.Errorf("jobs: no handler registered for kind %q", kind)
	}
	ch, ok := r.queues[queue]
	if !ok {
		queue = DefaultQueue
		ch = r.queues[queue]
	}

	job, err := r.store.CreateJob(ctx, uuid.New().String(), queue, kind, payload)
	if err != nil {
		return nil, err
	}

	select {
	case ch <- job.JobID:
	default:
		_ = r.store.MarkFailed(ctx, job.JobID, "queue full")
		return nil, eris.Errorf("jobs: queue %q is full", queue)
	}

	zap.L().Info("job enqueued",
		zap.String("job_id", job.JobID),
		zap.String("queue", queue),
		zap.String("kind", kind),
	)
	return job, nil
}

// Snapshot returns the current job record.
func (r *Runtime) Snapshot(ctx context.Context, jobID string) (*model.JobRecord, error) {
	return r.store.GetJob(ctx, jobID)
}

// Subscribe attaches to a job's event stream via the bus.
func (r *Runtime) Subscribe(ctx context.Context, jobID string) (<-chan model.ProgressEvent, error) {
	return r.bus.Subscribe(ctx, jobID)
}

// Unsubscribe detaches a subscriber channel.
func (r *Runtime) Unsubscribe(jobID string, ch <-chan model.ProgressEvent) {
	r.bus.Unsubscribe(jobID, ch)
}

func (r *Runtime) worker(ctx context.Context, queue string) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-r.queues[queue]:
			r.execute(ctx, jobID)
		}
	}
}

func (r *Runtime) execute(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		zap.L().Error("job vanished before execution", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	handler := r.handlers[job.Kind]
	if handler == nil {
		r.finishFailed(jobID, "no handler for kind "+job.Kind)
		return
	}

	if err := r.store.MarkRunning(ctx, jobID); err != nil {
		zap.L().Error("mark running failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	_ = r.bus.Publish(ctx, jobID, model.ProgressEvent{
		Timestamp: time.Now().UTC(),
		Stage:     StageJobStarted,
	})

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	defer cancel()

	emit := func(stage string, data map[string]any) {
		_ = r.bus.Publish(jobCtx, jobID, model.ProgressEvent{
			Timestamp: time.Now().UTC(),
			Stage:     stage,
			Data:      data,
		})
	}

	result, err := handler(jobCtx, job, emit)
	switch {
	case err == nil:
		_ = r.bus.PublishTerminal(context.Background(), jobID, model.ProgressEvent{
			Timestamp: time.Now().UTC(),
			Stage:     StageJobFinished,
		})
		if storeErr := r.store.MarkFinished(context.Background(), jobID, result); storeErr != nil {
			zap.L().Error("mark finished failed", zap.String("job_id", jobID), zap.Error(storeErr))
		}
	case jobCtx.Err() == context.DeadlineExceeded:
		r.finishFailed(jobID, "timeout")
	default:
		r.finishFailed(jobID, err.Error())
	}
}

func (r *Runtime) finishFailed(jobID, message string) {
	_ = r.bus.PublishTerminal(context.Background(), jobID, model.ProgressEvent{
		Timestamp: time.Now().UTC(),
		Stage:     StageJobFailed,
		Data:      map[string]any{"error": message},
	})
	if err := r.store.MarkFailed(context.Background(), jobID, message); err != nil {
		zap.L().Error("mark failed failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (r *Runtime) sweeper(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := r.store.Sweep(ctx, r.cfg.ResultTTL, r.cfg.MaxJobs)
			if err != nil {
				zap.L().Warn("job sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				zap.L().Debug("swept terminal jobs", zap.Int("deleted", deleted))
			}
		}
	}
}
