// Package pipeline chains search, reranking, vendor refresh, and LLM fit
// scoring into one staged discovery run with progress events.
package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/brightdata"
	"github.com/dime-ai/discovery/internal/fit"
	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/normalize"
	"github.com/dime-ai/discovery/internal/rerank"
)

// ErrInvalidInput marks request validation failures; the API maps it to 400.
var ErrInvalidInput = eris.New("invalid input")

// Stage event names.
const (
	StageSearchStarted       = "SEARCH_STARTED"
	StageSearchCompleted     = "SEARCH_COMPLETED"
	StageRerankStarted       = "RERANK_STARTED"
	StageRerankCompleted     = "RERANK_COMPLETED"
	StageRerankFailed        = "RERANK_FAILED"
	StageRerankSkipped       = "RERANK_SKIPPED"
	StageBrightDataStarted   = "BRIGHTDATA_STARTED"
	StageBrightDataCompleted = "BRIGHTDATA_COMPLETED"
	StageBrightDataFiltered  = "BRIGHTDATA_FILTERED"
	StageLLMFitStarted       = "LLM_FIT_STARTED"
	StageLLMFitProgress      = "LLM_FIT_PROGRESS"
	StageLLMFitCompleted     = "LLM_FIT_COMPLETED"
)

// Emit receives one StageIO envelope per stage event.
type Emit func(stage string, io model.StageIO)

// Searcher is the search stage contract.
type Searcher interface {
	Search(ctx context.Context, req model.SearchRequest) ([]model.CanonicalProfile, error)
}

// Reranker is the rerank stage contract.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topK int) ([]rerank.Ranking, error)
}

// Refresher is the vendor refresh stage contract.
type Refresher interface {
	Refresh(ctx context.Context, handles []model.ProfileHandle, emit brightdata.Emit) (*brightdata.BatchResult, error)
}

// FitScorer is the LLM fit stage contract.
type FitScorer interface {
	ScoreAll(ctx context.Context, brief string, profiles []model.CanonicalProfile, opts fit.Options) []fit.Result
}

// Result is the pipeline output: the surviving ranked profiles plus the raw
// per-stage outputs for debugging.
type Result struct {
	Profiles []model.CanonicalProfile `json:"profiles"`
	Debug    Debug                    `json:"debug,omitempty"`
}

// Debug carries stage-level detail alongside the final profile list.
type Debug struct {
	BrightData *brightdata.BatchResult `json:"brightdata,omitempty"`
	Fit        []fit.Result            `json:"fit,omitempty"`
}

// Orchestrator runs the staged pipeline. Reranker, Refresher, and FitScorer
// are optional; their stages are skipped when nil or not requested.
type Orchestrator struct {
	searcher  Searcher
	reranker  Reranker
	refresher Refresher
	scorer    FitScorer
}

// New builds an orchestrator over the stage clients.
func New(searcher Searcher, reranker Reranker, refresher Refresher, scorer FitScorer) *Orchestrator {
	return &Orchestrator{searcher: searcher, reranker: reranker, refresher: refresher, scorer: scorer}
}

// Run executes the requested stages in order. Search failure aborts the run;
// later stages degrade per their own rules.
func (o *Orchestrator) Run(ctx context.Context, req model.PipelineRequest, emit Emit) (*Result, error) {
	if emit == nil {
		emit = func(string, model.StageIO) {}
	}
	if req.RunLLM && strings.TrimSpace(req.BusinessFitQuery) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "pipeline: business_fit_query is required for llm stage")
	}

	profiles, err := o.runSearch(ctx, req, emit)
	if err != nil {
		return nil, err
	}

	if req.RunRerank {
		profiles = o.runRerank(ctx, req, profiles, emit)
	}

	result := &Result{}
	if req.RunBrightData {
		profiles = o.runBrightData(ctx, profiles, emit, result)
	}

	if req.RunLLM {
		o.runFit(ctx, req, profiles, emit, result)
	}

	result.Profiles = profiles
	return result, nil
}

func (o *Orchestrator) runSearch(ctx context.Context, req model.PipelineRequest, emit Emit) ([]model.CanonicalProfile, error) {
	emit(StageSearchStarted, model.StageIO{Meta: map[string]any{
		"query":  req.Search.Query,
		"method": string(req.Search.Method),
	}})

	profiles, err := o.searcher.Search(ctx, req.Search)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: search stage")
	}
	if req.MaxProfiles > 0 && len(profiles) > req.MaxProfiles {
		profiles = profiles[:req.MaxProfiles]
	}

	emit(StageSearchCompleted, model.StageIO{Outputs: model.Refs(profiles)})
	return profiles, nil
}

func (o *Orchestrator) runRerank(ctx context.Context, req model.PipelineRequest, profiles []model.CanonicalProfile, emit Emit) []model.CanonicalProfile {
	inputs := model.Refs(profiles)
	if o.reranker == nil {
		emit(StageRerankSkipped, model.StageIO{Inputs: inputs, Outputs: inputs,
			Meta: map[string]any{"reason": "no reranker configured"}})
		return profiles
	}
	if len(profiles) == 0 {
		emit(StageRerankSkipped, model.StageIO{Meta: map[string]any{"reason": "no profiles"}})
		return profiles
	}

	mode := req.RerankMode
	if mode == "" {
		mode = model.RerankBioPosts
	}
	topK := req.RerankTopK
	if topK <= 0 || topK > len(profiles) {
		topK = len(profiles)
	}
	emit(StageRerankStarted, model.StageIO{Inputs: inputs,
		Meta: map[string]any{"mode": string(mode), "top_k": topK}})

	docs := make([]string, len(profiles))
	for i := range profiles {
		docs[i] = rerankDocument(&profiles[i], mode)
	}

	rankings, err := o.reranker.Rerank(ctx, req.Search.Query, docs, topK)
	if err != nil {
		zap.L().Warn("rerank stage failed, keeping search order", zap.Error(err))
		emit(StageRerankFailed, model.StageIO{Inputs: inputs, Outputs: inputs,
			Meta: map[string]any{"error": err.Error()}})
		return profiles
	}

	reordered := applyRankings(profiles, rankings)
	emit(StageRerankCompleted, model.StageIO{Inputs: inputs, Outputs: model.Refs(reordered)})
	return reordered
}

// applyRankings puts the ranked profiles first in ranking order, attaches
// their scores, and appends the rest in their original order.
func applyRankings(profiles []model.CanonicalProfile, rankings []rerank.Ranking) []model.CanonicalProfile {
	taken := make(map[int]struct{}, len(rankings))
	out := make([]model.CanonicalProfile, 0, len(profiles))
	for _, r := range rankings {
		if r.Index < 0 || r.Index >= len(profiles) {
			continue
		}
		if _, dup := taken[r.Index]; dup {
			continue
		}
		taken[r.Index] = struct{}{}
		p := profiles[r.Index]
		score := r.Score
		p.RerankScore = &score
		out = append(out, p)
	}
	for i := range profiles {
		if _, ok := taken[i]; !ok {
			out = append(out, profiles[i])
		}
	}
	return out
}

func rerankDocument(p *model.CanonicalProfile, mode model.RerankMode) string {
	var parts []string
	if mode == model.RerankBio || mode == model.RerankBioPosts {
		if p.Biography != "" {
			parts = append(parts, p.Biography)
		}
	}
	if mode == model.RerankPosts || mode == model.RerankBioPosts {
		for _, post := range p.Posts {
			if post.Caption != "" {
				parts = append(parts, post.Caption)
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, p.Username)
	}
	return strings.Join(parts, "\n")
}

func (o *Orchestrator) runBrightData(ctx context.Context, profiles []model.CanonicalProfile, emit Emit, result *Result) []model.CanonicalProfile {
	inputs := model.Refs(profiles)
	if o.refresher == nil || len(profiles) == 0 {
		// An empty stage still emits its start/complete pair so stream
		// consumers see every requested stage.
		emit(StageBrightDataStarted, model.StageIO{Inputs: inputs})
		emit(StageBrightDataCompleted, model.StageIO{Inputs: inputs, Outputs: inputs,
			Meta: map[string]any{"successful": 0, "failed": 0}})
		return profiles
	}

	handles := make([]model.ProfileHandle, 0, len(profiles))
	for i := range profiles {
		handles = append(handles, model.ProfileHandle{
			Username: profiles[i].Username,
			Platform: profiles[i].Platform,
		})
	}
	emit(StageBrightDataStarted, model.StageIO{Inputs: inputs})

	batch, err := o.refresher.Refresh(ctx, handles, func(stage string, data map[string]any) {
		emit(stage, model.StageIO{Meta: data})
	})
	if err != nil {
		zap.L().Warn("vendor refresh failed, keeping stale profiles", zap.Error(err))
		emit(StageBrightDataCompleted, model.StageIO{Inputs: inputs, Outputs: inputs,
			Meta: map[string]any{"error": err.Error()}})
		return profiles
	}
	result.Debug.BrightData = batch

	var survivors []model.CanonicalProfile
	var dropped []model.ProfileRef
	for i := range profiles {
		outcome, ok := batch.Outcomes[profiles[i].HandleKey()]
		if !ok || !outcome.Succeeded() {
			dropped = append(dropped, profiles[i].Ref())
			continue
		}
		enrichProfile(&profiles[i], outcome)
		survivors = append(survivors, profiles[i])
	}

	emit(StageBrightDataCompleted, model.StageIO{Inputs: inputs, Outputs: model.Refs(survivors),
		Meta: map[string]any{"successful": batch.Successful, "failed": batch.Failed}})
	emit(StageBrightDataFiltered, model.StageIO{Inputs: inputs, Outputs: model.Refs(survivors),
		Meta: map[string]any{"survivors": len(survivors), "dropped": len(dropped)}})
	return survivors
}

// enrichProfile overlays fresh vendor fields onto a profile. Fresh empty
// values never clobber existing data.
func enrichProfile(p *model.CanonicalProfile, outcome brightdata.Outcome) {
	fresh := normalize.Profile(outcome.Record, p.Platform)

	if fresh.DisplayName != "" {
		p.DisplayName = fresh.DisplayName
	}
	if fresh.Biography != "" {
		p.Biography = fresh.Biography
	}
	if fresh.Followers != nil {
		p.Followers = fresh.Followers
	}
	if fresh.Following != nil {
		p.Following = fresh.Following
	}
	if fresh.PostsCount != nil {
		p.PostsCount = fresh.PostsCount
	}
	if fresh.LikesTotal != nil {
		p.LikesTotal = fresh.LikesTotal
	}
	if fresh.EngagementRate != nil {
		p.EngagementRate = fresh.EngagementRate
	}
	if fresh.ExternalURL != "" {
		p.ExternalURL = fresh.ExternalURL
	}
	if fresh.ProfileURL != "" {
		p.ProfileURL = fresh.ProfileURL
	}
	if outcome.ProfileImage != "" {
		p.ProfileImageURL = outcome.ProfileImage
	}
	if fresh.IsVerified != model.FlagUnknown {
		p.IsVerified = fresh.IsVerified
	}
	if fresh.IsPrivate != model.FlagUnknown {
		p.IsPrivate = fresh.IsPrivate
	}
	if len(fresh.Posts) > 0 {
		p.Posts = fresh.Posts
		p.ReelPostRatio = fresh.ReelPostRatio
		p.MedianViews = fresh.MedianViews
		p.MedianLikes = fresh.MedianLikes
		p.MedianComments = fresh.MedianComments
	}
}

func (o *Orchestrator) runFit(ctx context.Context, req model.PipelineRequest, profiles []model.CanonicalProfile, emit Emit, result *Result) {
	inputs := model.Refs(profiles)
	if o.scorer == nil || len(profiles) == 0 {
		emit(StageLLMFitStarted, model.StageIO{Inputs: inputs,
			Meta: map[string]any{"brief": req.BusinessFitQuery}})
		emit(StageLLMFitCompleted, model.StageIO{Inputs: inputs, Outputs: inputs,
			Meta: map[string]any{"scored": 0, "failed": 0}})
		return
	}

	emit(StageLLMFitStarted, model.StageIO{Inputs: inputs,
		Meta: map[string]any{"brief": req.BusinessFitQuery}})

	results := o.scorer.ScoreAll(ctx, req.BusinessFitQuery, profiles, fit.Options{
		MaxPosts:    req.MaxPosts,
		Model:       req.Model,
		Concurrency: req.Concurrency,
	})
	result.Debug.Fit = results

	var scored, failed int
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(profiles) {
			continue
		}
		p := &profiles[r.Index]
		if r.Score != nil {
			p.FitScore = r.Score
			p.FitRationale = r.Rationale
			scored++
		} else {
			p.FitError = r.Error
			failed++
		}
		emit(StageLLMFitProgress, model.StageIO{
			Meta: map[string]any{"scored": scored, "failed": failed, "total": len(profiles)},
		})
	}

	emit(StageLLMFitCompleted, model.StageIO{Inputs: inputs, Outputs: model.Refs(profiles),
		Meta: map[string]any{"scored": scored, "failed": failed}})
}
