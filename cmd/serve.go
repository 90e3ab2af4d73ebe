package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/api"
	"github.com/dime-ai/discovery/internal/brightdata"
	"github.com/dime-ai/discovery/internal/fit"
	"github.com/dime-ai/discovery/internal/jobs"
	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/pipeline"
	"github.com/dime-ai/discovery/internal/rerank"
	"github.com/dime-ai/discovery/internal/search"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the discovery API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := jobs.NewStore(cfg.Jobs.DBPath, cfg.Jobs.EventHistory)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}

		var redisClient *redis.Client
		if cfg.Redis.Addr != "" {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()
		}
		bus := jobs.NewBus(store, redisClient, cfg.Redis.Prefix)

		runtime := jobs.NewRuntime(store, bus, jobs.RuntimeConfig{
			Queues: map[string]int{
				api.QueueSearch:   cfg.Jobs.QueueWorkers,
				api.QueuePipeline: cfg.Jobs.QueueWorkers,
				api.QueueRefresh:  cfg.Jobs.QueueWorkers,
				api.QueueFit:      cfg.Jobs.QueueWorkers,
			},
			JobTimeout:    time.Duration(cfg.Jobs.TimeoutSecs) * time.Second,
			ResultTTL:     time.Duration(cfg.Jobs.ResultTTLSecs) * time.Second,
			MaxJobs:       cfg.Jobs.MaxJobs,
			SweepInterval: time.Duration(cfg.Jobs.SweepIntervalS) * time.Second,
		})

		index, err := search.NewSQLiteIndex(cfg.Search.IndexPath)
		if err != nil {
			return err
		}
		defer index.Close()
		if err := index.Migrate(ctx); err != nil {
			return err
		}

		openaiOpts := []option.RequestOption{option.WithAPIKey(cfg.OpenAI.Key)}
		if cfg.OpenAI.BaseURL != "" {
			openaiOpts = append(openaiOpts, option.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		openaiClient := openai.NewClient(openaiOpts...)

		var embedder search.Embedder
		if cfg.OpenAI.Key != "" {
			embedder = search.NewOpenAIEmbedder(openaiClient, cfg.OpenAI.EmbedModel)
		}
		engine := search.NewEngine(index, embedder)

		var reranker pipeline.Reranker
		if cfg.Reranker.Endpoint != "" {
			client, err := rerank.NewClient(rerank.Config{
				Endpoint: cfg.Reranker.Endpoint,
				APIKey:   cfg.Reranker.Key,
				Timeout:  time.Duration(cfg.Reranker.TimeoutSecs) * time.Second,
			})
			if err != nil {
				return err
			}
			reranker = client
		}

		var (
			refresher pipeline.Refresher
			worker    *brightdata.Worker
		)
		if cfg.BrightData.Key != "" && cfg.BrightData.DatasetID != "" {
			client, err := brightdata.NewClient(brightdata.ClientConfig{
				APIKey:       cfg.BrightData.Key,
				DatasetID:    cfg.BrightData.DatasetID,
				BaseURL:      cfg.BrightData.BaseURL,
				PollInterval: time.Duration(cfg.BrightData.PollIntervalSecs) * time.Second,
				MaxURLs:      cfg.BrightData.MaxURLs,
			})
			if err != nil {
				return err
			}
			worker = brightdata.NewWorkerFromClients(
				map[model.Platform]*brightdata.Client{
					model.PlatformInstagram: client,
					model.PlatformTikTok:    client,
				},
				brightdata.WorkerConfig{
					MaxURLs:    cfg.BrightData.MaxURLs,
					MaxWorkers: cfg.BrightData.MaxWorkers,
				},
			)
			refresher = worker
		}

		var scorer pipeline.FitScorer
		var fitScorer *fit.Scorer
		if cfg.OpenAI.Key != "" {
			fitScorer = fit.NewScorer(openaiClient, cfg.Fit.Model)
			scorer = fitScorer
		}

		orchestrator := pipeline.New(engine, reranker, refresher, scorer)
		registerJobHandlers(runtime, engine, orchestrator, worker, fitScorer)

		runtime.Start(ctx)
		defer runtime.Stop()

		server := api.NewServer(engine, runtime,
			api.WithHeartbeat(time.Duration(cfg.Jobs.HeartbeatSecs)*time.Second),
			api.WithProxyHosts(cfg.Proxy.AllowedHosts),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Router(),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// registerJobHandlers binds the async job kinds to their executors.
func registerJobHandlers(runtime *jobs.Runtime, engine *search.Engine, orchestrator *pipeline.Orchestrator, worker *brightdata.Worker, scorer *fit.Scorer) {
	runtime.Register(api.KindSearch, func(ctx context.Context, job *model.JobRecord, emit func(string, map[string]any)) (json.RawMessage, error) {
		var req model.SearchRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, eris.Wrap(err, "decode search payload")
		}
		results, err := engine.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"results": results, "count": len(results)})
	})

	runtime.Register(api.KindSimilar, func(ctx context.Context, job *model.JobRecord, emit func(string, map[string]any)) (json.RawMessage, error) {
		var req model.SimilarRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, eris.Wrap(err, "decode similar payload")
		}
		results, err := engine.FindSimilar(ctx, req.Account, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"results": results, "count": len(results)})
	})

	runtime.Register(api.KindCategory, func(ctx context.Context, job *model.JobRecord, emit func(string, map[string]any)) (json.RawMessage, error) {
		var req model.CategoryRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, eris.Wrap(err, "decode category payload")
		}
		results, err := engine.SearchCategory(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"results": results, "count": len(results)})
	})

	runtime.Register(api.KindPipeline, func(ctx context.Context, job *model.JobRecord, emit func(string, map[string]any)) (json.RawMessage, error) {
		var req model.PipelineRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, eris.Wrap(err, "decode pipeline payload")
		}
		result, err := orchestrator.Run(ctx, req, func(stage string, io model.StageIO) {
			emit(stage, stageData(io))
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})

	runtime.Register(api.KindRefresh, func(ctx context.Context, job *model.JobRecord, emit func(string, map[string]any)) (json.RawMessage, error) {
		if worker == nil {
			return nil, eris.New("brightdata is not configured")
		}
		var req model.RefreshRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, eris.Wrap(err, "decode refresh payload")
		}
		batch, err := worker.Refresh(ctx, req.Profiles, brightdata.Emit(emit))
		if err != nil {
			return nil, err
		}
		return json.Marshal(batch)
	})

	runtime.Register(api.KindFit, func(ctx context.Context, job *model.JobRecord, emit func(string, map[string]any)) (json.RawMessage, error) {
		if scorer == nil {
			return nil, eris.New("openai is not configured")
		}
		var req model.FitRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return nil, eris.Wrap(err, "decode fit payload")
		}
		emit(pipeline.StageLLMFitStarted, map[string]any{"count": len(req.Profiles)})
		results := scorer.ScoreAll(ctx, req.BusinessFitQuery, req.Profiles, fit.Options{
			MaxPosts:    req.MaxPosts,
			Model:       req.Model,
			Concurrency: req.Concurrency,
			MaxAttempts: cfg.Fit.MaxAttempts,
		})
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		emit(pipeline.StageLLMFitCompleted, map[string]any{
			"scored": len(results) - failed,
			"failed": failed,
		})
		return json.Marshal(results)
	})
}

// stageData flattens a stage envelope into the event data map.
func stageData(io model.StageIO) map[string]any {
	data := map[string]any{}
	if len(io.Inputs) > 0 {
		data["inputs"] = io.Inputs
	}
	if len(io.Outputs) > 0 {
		data["outputs"] = io.Outputs
	}
	if len(io.Meta) > 0 {
		data["meta"] = io.Meta
	}
	return data
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
