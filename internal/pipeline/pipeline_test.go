package pipeline

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dime-ai/discovery/internal/brightdata"
	"github.com/dime-ai/discovery/internal/fit"
	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/rerank"
)

type stubSearcher struct {
	profiles []model.CanonicalProfile
	err      error
}

func (s *stubSearcher) Search(ctx context.Context, req model.SearchRequest) ([]model.CanonicalProfile, error) {
	return s.profiles, s.err
}

type stubReranker struct {
	rankings []rerank.Ranking
	err      error
	docs     []string
}

func (s *stubReranker) Rerank(ctx context.Context, query string, docs []string, topK int) ([]rerank.Ranking, error) {
	s.docs = docs
	if s.err != nil {
		return nil, s.err
	}
	if len(s.rankings) > topK {
		return s.rankings[:topK], nil
	}
	return s.rankings, nil
}

type stubRefresher struct {
	batch *brightdata.BatchResult
	err   error
}

func (s *stubRefresher) Refresh(ctx context.Context, handles []model.ProfileHandle, emit brightdata.Emit) (*brightdata.BatchResult, error) {
	return s.batch, s.err
}

type stubScorer struct {
	results []fit.Result
}

func (s *stubScorer) ScoreAll(ctx context.Context, brief string, profiles []model.CanonicalProfile, opts fit.Options) []fit.Result {
	return s.results
}

type eventRecorder struct {
	stages []string
	ios    map[string]model.StageIO
}

func newRecorder() *eventRecorder {
	return &eventRecorder{ios: make(map[string]model.StageIO)}
}

func (r *eventRecorder) emit(stage string, io model.StageIO) {
	r.stages = append(r.stages, stage)
	r.ios[stage] = io
}

func searchProfiles(usernames ...string) []model.CanonicalProfile {
	out := make([]model.CanonicalProfile, len(usernames))
	for i, u := range usernames {
		out[i] = model.CanonicalProfile{Platform: model.PlatformInstagram, Username: u}
	}
	return out
}

func TestRunSearchOnly(t *testing.T) {
	rec := newRecorder()
	o := New(&stubSearcher{profiles: searchProfiles("a", "b", "c")}, nil, nil, nil)

	result, err := o.Run(context.Background(), model.PipelineRequest{
		Search:      model.SearchRequest{Query: "travel"},
		MaxProfiles: 2,
	}, rec.emit)
	require.NoError(t, err)
	require.Len(t, result.Profiles, 2)
	assert.Equal(t, []string{StageSearchStarted, StageSearchCompleted}, rec.stages)
	assert.Len(t, rec.ios[StageSearchCompleted].Outputs, 2)
}

func TestRunSearchFailureAborts(t *testing.T) {
	o := New(&stubSearcher{err: eris.New("index offline")}, nil, nil, nil)
	_, err := o.Run(context.Background(), model.PipelineRequest{
		Search: model.SearchRequest{Query: "travel"},
	}, nil)
	require.Error(t, err)
}

func TestRunRerankReordersWithRemainder(t *testing.T) {
	rec := newRecorder()
	reranker := &stubReranker{rankings: []rerank.Ranking{
		{Index: 2, Score: 0.9},
		{Index: 0, Score: 0.4},
	}}
	o := New(&stubSearcher{profiles: searchProfiles("a", "b", "c")}, reranker, nil, nil)

	result, err := o.Run(context.Background(), model.PipelineRequest{
		Search:     model.SearchRequest{Query: "travel"},
		RunRerank:  true,
		RerankTopK: 2,
	}, rec.emit)
	require.NoError(t, err)
	require.Len(t, result.Profiles, 3)
	assert.Equal(t, "c", result.Profiles[0].Username)
	assert.Equal(t, "a", result.Profiles[1].Username)
	assert.Equal(t, "b", result.Profiles[2].Username)

	require.NotNil(t, result.Profiles[0].RerankScore)
	assert.InDelta(t, 0.9, *result.Profiles[0].RerankScore, 1e-9)
	assert.Nil(t, result.Profiles[2].RerankScore)
	assert.Contains(t, rec.stages, StageRerankCompleted)
}

func TestRunRerankFailureKeepsOrder(t *testing.T) {
	rec := newRecorder()
	o := New(&stubSearcher{profiles: searchProfiles("a", "b")},
		&stubReranker{err: eris.New("reranker down")}, nil, nil)

	result, err := o.Run(context.Background(), model.PipelineRequest{
		Search:    model.SearchRequest{Query: "travel"},
		RunRerank: true,
	}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "a", result.Profiles[0].Username)
	assert.Contains(t, rec.stages, StageRerankFailed)
	assert.NotContains(t, rec.stages, StageRerankCompleted)
}

func TestRunRerankSkippedWithoutClient(t *testing.T) {
	rec := newRecorder()
	o := New(&stubSearcher{profiles: searchProfiles("a")}, nil, nil, nil)

	_, err := o.Run(context.Background(), model.PipelineRequest{
		Search:    model.SearchRequest{Query: "travel"},
		RunRerank: true,
	}, rec.emit)
	require.NoError(t, err)
	assert.Contains(t, rec.stages, StageRerankSkipped)
}

func TestRunBrightDataFiltersAndEnriches(t *testing.T) {
	rec := newRecorder()
	followers := "9000"
	refresher := &stubRefresher{batch: &brightdata.BatchResult{
		Outcomes: map[string]brightdata.Outcome{
			"instagram:a": {
				Username: "a", Platform: model.PlatformInstagram,
				Record:       map[string]string{"account": "a", "followers": followers},
				ProfileImage: "https://cdn.example/a.jpg",
			},
			"instagram:b": {
				Username: "b", Platform: model.PlatformInstagram,
				Error: "profile missing from snapshot",
			},
		},
		Total: 2, Successful: 1, Failed: 1,
	}}
	o := New(&stubSearcher{profiles: searchProfiles("a", "b")}, nil, refresher, nil)

	result, err := o.Run(context.Background(), model.PipelineRequest{
		Search:        model.SearchRequest{Query: "travel"},
		RunBrightData: true,
	}, rec.emit)
	require.NoError(t, err)
	require.Len(t, result.Profiles, 1)

	p := result.Profiles[0]
	assert.Equal(t, "a", p.Username)
	require.NotNil(t, p.Followers)
	assert.Equal(t, int64(9000), *p.Followers)
	assert.Equal(t, "https://cdn.example/a.jpg", p.ProfileImageURL)

	filtered := rec.ios[StageBrightDataFiltered]
	assert.Equal(t, 1, filtered.Meta["survivors"])
	assert.Equal(t, 1, filtered.Meta["dropped"])
	require.NotNil(t, result.Debug.BrightData)
}

func TestRunBrightDataEnrichKeepsExistingOnEmptyVendorFields(t *testing.T) {
	profiles := searchProfiles("a")
	profiles[0].Biography = "original bio"
	refresher := &stubRefresher{batch: &brightdata.BatchResult{
		Outcomes: map[string]brightdata.Outcome{
			"instagram:a": {
				Username: "a", Platform: model.PlatformInstagram,
				Record: map[string]string{"account": "a"},
			},
		},
		Total: 1, Successful: 1,
	}}
	o := New(&stubSearcher{profiles: profiles}, nil, refresher, nil)

	result, err := o.Run(context.Background(), model.PipelineRequest{
		Search:        model.SearchRequest{Query: "travel"},
		RunBrightData: true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "original bio", result.Profiles[0].Biography)
}

func TestRunBrightDataEmptyInputEmitsStagePair(t *testing.T) {
	rec := newRecorder()
	o := New(&stubSearcher{}, nil, &stubRefresher{}, nil)

	_, err := o.Run(context.Background(), model.PipelineRequest{
		Search:        model.SearchRequest{Query: "travel"},
		RunBrightData: true,
	}, rec.emit)
	require.NoError(t, err)

	assert.Contains(t, rec.stages, StageBrightDataStarted)
	assert.Contains(t, rec.stages, StageBrightDataCompleted)
	completed := rec.ios[StageBrightDataCompleted]
	assert.Equal(t, 0, completed.Meta["successful"])
	assert.Equal(t, 0, completed.Meta["failed"])
}

func TestRunLLMEmptyInputEmitsStagePair(t *testing.T) {
	rec := newRecorder()
	o := New(&stubSearcher{}, nil, nil, &stubScorer{})

	_, err := o.Run(context.Background(), model.PipelineRequest{
		Search:           model.SearchRequest{Query: "travel"},
		RunLLM:           true,
		BusinessFitQuery: "outdoor gear brand",
	}, rec.emit)
	require.NoError(t, err)

	assert.Contains(t, rec.stages, StageLLMFitStarted)
	assert.Contains(t, rec.stages, StageLLMFitCompleted)
	completed := rec.ios[StageLLMFitCompleted]
	assert.Equal(t, 0, completed.Meta["scored"])
	assert.Equal(t, 0, completed.Meta["failed"])
}

func TestRunLLMRequiresBrief(t *testing.T) {
	o := New(&stubSearcher{profiles: searchProfiles("a")}, nil, nil, &stubScorer{})
	_, err := o.Run(context.Background(), model.PipelineRequest{
		Search: model.SearchRequest{Query: "travel"},
		RunLLM: true,
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRunLLMAttachesFitResults(t *testing.T) {
	rec := newRecorder()
	seven := 7
	scorer := &stubScorer{results: []fit.Result{
		{Index: 0, Score: &seven, Rationale: "good match"},
		{Index: 1, Error: fit.ErrMissingScores},
	}}
	o := New(&stubSearcher{profiles: searchProfiles("a", "b")}, nil, nil, scorer)

	result, err := o.Run(context.Background(), model.PipelineRequest{
		Search:           model.SearchRequest{Query: "travel"},
		RunLLM:           true,
		BusinessFitQuery: "outdoor gear brand",
	}, rec.emit)
	require.NoError(t, err)

	require.NotNil(t, result.Profiles[0].FitScore)
	assert.Equal(t, 7, *result.Profiles[0].FitScore)
	assert.Equal(t, "good match", result.Profiles[0].FitRationale)
	assert.Equal(t, fit.ErrMissingScores, result.Profiles[1].FitError)

	finished := rec.ios[StageLLMFitCompleted]
	assert.Equal(t, 1, finished.Meta["scored"])
	assert.Equal(t, 1, finished.Meta["failed"])
	assert.Len(t, result.Debug.Fit, 2)
}

func TestRerankDocumentModes(t *testing.T) {
	p := model.CanonicalProfile{
		Username:  "a",
		Biography: "bio text",
		Posts: []model.PostRecord{
			{Caption: "first post"},
			{Caption: "second post"},
		},
	}
	assert.Equal(t, "bio text", rerankDocument(&p, model.RerankBio))
	assert.Equal(t, "first post\nsecond post", rerankDocument(&p, model.RerankPosts))
	assert.Equal(t, "bio text\nfirst post\nsecond post", rerankDocument(&p, model.RerankBioPosts))

	empty := model.CanonicalProfile{Username: "fallback"}
	assert.Equal(t, "fallback", rerankDocument(&empty, model.RerankBio))
}
