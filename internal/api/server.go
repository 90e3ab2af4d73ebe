// Package api exposes the discovery service over HTTP: every POST enqueues
// an asynchronous job, with job snapshots, SSE streams, and synchronous
// profile lookups alongside.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/brightdata"
	"github.com/dime-ai/discovery/internal/jobs"
	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/pipeline"
	"github.com/dime-ai/discovery/internal/search"
)

// Job kinds the API enqueues; the serve command registers their handlers.
const (
	KindSearch   = "search"
	KindSimilar  = "search_similar"
	KindCategory = "search_category"
	KindPipeline = "pipeline"
	KindRefresh  = "brightdata_refresh"
	KindFit      = "llm_fit"
)

// Queue names per job kind.
const (
	QueueSearch   = "search"
	QueuePipeline = "pipeline"
	QueueRefresh  = "brightdata"
	QueueFit      = "llm"
)

// defaultHeartbeat is the SSE keepalive interval.
const defaultHeartbeat = 15 * time.Second

// Server holds the handler dependencies.
type Server struct {
	engine      *search.Engine
	runtime     *jobs.Runtime
	proxyHosts  []string
	proxyClient *http.Client
	heartbeat   time.Duration
}

// Option tweaks server construction.
type Option func(*Server)

// WithHeartbeat overrides the SSE heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithProxyHosts overrides the image proxy host allow-list.
func WithProxyHosts(hosts []string) Option {
	return func(s *Server) {
		s.proxyHosts = hosts
		s.proxyClient = brightdata.NewImageProxyClient(hosts)
	}
}

// NewServer wires the handlers.
func NewServer(engine *search.Engine, runtime *jobs.Runtime, opts ...Option) *Server {
	s := &Server{
		engine:      engine,
		runtime:     runtime,
		proxyHosts:  brightdata.DefaultImageHosts,
		proxyClient: brightdata.NewImageProxyClient(brightdata.DefaultImageHosts),
		heartbeat:   defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/search", func(r chi.Router) {
		r.Post("/", s.enqueueHandler(QueueSearch, KindSearch, s.decodeSearch))
		r.Post("/similar", s.enqueueHandler(QueueSearch, KindSimilar, s.decodeSimilar))
		r.Post("/category", s.enqueueHandler(QueueSearch, KindCategory, s.decodeCategory))
		r.Get("/username/{username}", s.handleUsername)
		r.Post("/pipeline", s.enqueueHandler(QueuePipeline, KindPipeline, s.decodePipeline))
		r.Post("/pipeline/brightdata", s.enqueueHandler(QueueRefresh, KindRefresh, s.decodeRefresh))
		r.Post("/pipeline/llm", s.enqueueHandler(QueueFit, KindFit, s.decodeFit))
	})

	r.Route("/job", func(r chi.Router) {
		r.Get("/{jobID}", s.handleJobSnapshot)
		r.Get("/{jobID}/stream", s.handleJobStream)
	})

	r.Get("/images/proxy", s.handleImageProxy)
	return r
}

// handleHealth reports liveness plus whether the profile dataset is loaded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.engine.DatasetSize(r.Context())
	if err != nil {
		zap.L().Warn("dataset size check failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"dataset_available": err == nil && profiles > 0,
		"profiles":          profiles,
	})
}

func (s *Server) handleUsername(w http.ResponseWriter, r *http.Request) {
	profile, err := s.engine.LookupByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": profile})
}

// decode hooks validate and re-marshal the request into the job payload.
func (s *Server) decodeSearch(r *http.Request) (json.RawMessage, error) {
	var req model.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, badRequest("query is required")
	}
	return json.Marshal(req)
}

func (s *Server) decodeSimilar(r *http.Request) (json.RawMessage, error) {
	var req model.SimilarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Account) == "" {
		return nil, badRequest("account is required")
	}
	return json.Marshal(req)
}

func (s *Server) decodeCategory(r *http.Request) (json.RawMessage, error) {
	var req model.CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Category) == "" {
		return nil, badRequest("category is required")
	}
	return json.Marshal(req)
}

func (s *Server) decodePipeline(r *http.Request) (json.RawMessage, error) {
	var req model.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if strings.TrimSpace(req.Search.Query) == "" {
		return nil, badRequest("search.query is required")
	}
	if req.RunLLM && strings.TrimSpace(req.BusinessFitQuery) == "" {
		return nil, badRequest("business_fit_query is required when run_llm is set")
	}
	return json.Marshal(req)
}

func (s *Server) decodeRefresh(r *http.Request) (json.RawMessage, error) {
	var req model.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if len(req.Profiles) == 0 {
		return nil, badRequest("profiles is required")
	}
	return json.Marshal(req)
}

func (s *Server) decodeFit(r *http.Request) (json.RawMessage, error) {
	var req model.FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, badRequest("invalid request body")
	}
	if len(req.Profiles) == 0 {
		return nil, badRequest("profiles is required")
	}
	if strings.TrimSpace(req.BusinessFitQuery) == "" {
		return nil, badRequest("business_fit_query is required")
	}
	return json.Marshal(req)
}

func (s *Server) enqueueHandler(queue, kind string, decode func(*http.Request) (json.RawMessage, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := decode(r)
		if err != nil {
			writeError(w, err)
			return
		}
		job, err := s.runtime.Enqueue(r.Context(), queue, kind, payload)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": job.JobID,
			"queue":  job.Queue,
			"status": string(job.Status),
		})
	}
}

func (s *Server) handleJobSnapshot(w http.ResponseWriter, r *http.Request) {
	job, err := s.runtime.Snapshot(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, badRequest("streaming not supported"))
		return
	}

	events, err := s.runtime.Subscribe(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.runtime.Unsubscribe(jobID, events)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				zap.L().Warn("event marshal failed", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			if _, err := io.WriteString(w, "data: "+string(data)+"\n\n"); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(s.heartbeat)
		}
	}
}

func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	target, err := brightdata.ValidateImageURL(r.URL.Query().Get("url"), s.proxyHosts)
	if err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.proxyClient.Do(req)
	if err != nil {
		writeError(w, badRequest("upstream fetch failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		writeJSON(w, http.StatusBadGateway, errorBody{Detail: "upstream returned " + resp.Status})
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}

// apiError carries an HTTP status with a message.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(message string) error {
	return &apiError{status: http.StatusBadRequest, message: message}
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		status = ae.status
	case errors.Is(err, search.ErrProfileNotFound), errors.Is(err, jobs.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidInput):
		status = http.StatusBadRequest
	}
	if status >= 500 {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
