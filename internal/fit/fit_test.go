package fit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/resilience"
)

type fakeCompleter struct {
	mu       sync.Mutex
	inFlight atomic.Int32
	peak     atomic.Int32
	fn       func(prompt string) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, modelName, prompt string) (string, error) {
	cur := f.inFlight.Add(1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fn(prompt)
}

func testScorer(api completionAPI) *Scorer {
	return &Scorer{api: api, defaultModel: "gpt-test"}
}

func sampleProfiles(n int) []model.CanonicalProfile {
	profiles := make([]model.CanonicalProfile, n)
	for i := range profiles {
		profiles[i] = model.CanonicalProfile{
			Platform: model.PlatformInstagram,
			Username: fmt.Sprintf("creator%d", i),
		}
	}
	return profiles
}

func TestScoreAllParsesAndOrders(t *testing.T) {
	api := &fakeCompleter{fn: func(prompt string) (string, error) {
		return `{"score": 7, "rationale": "strong overlap"}`, nil
	}}
	results := testScorer(api).ScoreAll(context.Background(), "fitness brand", sampleProfiles(3), Options{})
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		require.NotNil(t, r.Score)
		assert.Equal(t, 7, *r.Score)
		assert.Equal(t, "strong overlap", r.Rationale)
	}
}

func TestScoreAllRecordsParseFailures(t *testing.T) {
	api := &fakeCompleter{fn: func(prompt string) (string, error) {
		return "I cannot answer in JSON.", nil
	}}
	results := testScorer(api).ScoreAll(context.Background(), "brief", sampleProfiles(1), Options{})
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Score)
	assert.Equal(t, ErrMissingScores, results[0].Error)
}

func TestScoreAllNeverFailsTheStage(t *testing.T) {
	var calls atomic.Int32
	api := &fakeCompleter{fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "creator1") {
			calls.Add(1)
			return "", eris.New("model unavailable")
		}
		return `{"score": 4, "rationale": "ok"}`, nil
	}}
	results := testScorer(api).ScoreAll(context.Background(), "brief", sampleProfiles(3), Options{MaxAttempts: 1})
	require.Len(t, results, 3)
	assert.NotNil(t, results[0].Score)
	assert.Nil(t, results[1].Score)
	assert.NotEmpty(t, results[1].Error)
	assert.NotNil(t, results[2].Score)
}

func TestScoreAllRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	api := &fakeCompleter{fn: func(prompt string) (string, error) {
		if calls.Add(1) == 1 {
			return "", resilience.MarkTransient(eris.New("rate limited"), 429)
		}
		return `{"score": 9, "rationale": "great"}`, nil
	}}
	results := testScorer(api).ScoreAll(context.Background(), "brief", sampleProfiles(1), Options{})
	require.NotNil(t, results[0].Score)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScoreAllBoundsConcurrency(t *testing.T) {
	api := &fakeCompleter{fn: func(prompt string) (string, error) {
		return `{"score": 5, "rationale": "x"}`, nil
	}}
	_ = testScorer(api).ScoreAll(context.Background(), "brief", sampleProfiles(20), Options{Concurrency: 2})
	assert.LessOrEqual(t, api.peak.Load(), int32(2))
}

func TestParseAssessmentClampsAndRounds(t *testing.T) {
	score, _, ok := parseAssessment(`{"score": 11.6, "rationale": "over"}`)
	require.True(t, ok)
	assert.Equal(t, 10, score)

	score, _, ok = parseAssessment(`{"score": -2, "rationale": "under"}`)
	require.True(t, ok)
	assert.Equal(t, 0, score)

	score, rationale, ok := parseAssessment("Sure:\n```json\n{\"score\": 6.4, \"rationale\": \"fits\"}\n```")
	require.True(t, ok)
	assert.Equal(t, 6, score)
	assert.Equal(t, "fits", rationale)

	_, _, ok = parseAssessment(`{"rationale": "no score"}`)
	assert.False(t, ok)
}

func TestBuildPromptIncludesPostSnippets(t *testing.T) {
	profile := model.CanonicalProfile{
		Platform:  model.PlatformTikTok,
		Username:  "dancer",
		Biography: "daily choreography",
		Posts: []model.PostRecord{
			{Caption: strings.Repeat("a", 300), Hashtags: []string{"dance"}},
			{Caption: "second"},
			{Caption: "third"},
		},
	}
	prompt := BuildPrompt("dance studio launch", &profile, 2)
	assert.Contains(t, prompt, "dance studio launch")
	assert.Contains(t, prompt, "daily choreography")
	assert.Contains(t, prompt, "[#dance]")
	assert.Contains(t, prompt, "...")
	assert.Contains(t, prompt, "second")
	assert.NotContains(t, prompt, "third")
}

func TestBuildPromptTruncatesOnRuneBoundary(t *testing.T) {
	profile := model.CanonicalProfile{
		Platform: model.PlatformInstagram,
		Username: "wanderer",
		Posts: []model.PostRecord{
			{Caption: strings.Repeat("é", captionSnippetChars+50)},
		},
	}
	prompt := BuildPrompt("travel brand", &profile, 1)
	assert.True(t, utf8.ValidString(prompt))
	assert.Contains(t, prompt, strings.Repeat("é", captionSnippetChars)+"...")
	assert.NotContains(t, prompt, "�")
}
