// Package fit scores creator profiles against a business brief with an LLM.
package fit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/openai/openai-go/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/resilience"
)

const (
	// maxConcurrency caps fan-out regardless of the requested value.
	maxConcurrency = 64

	defaultConcurrency = 8
	defaultMaxPosts    = 5
	defaultMaxAttempts = 5

	captionSnippetChars = 200
)

// ErrMissingScores marks a completion that came back without a parseable
// score payload.
const ErrMissingScores = "missing_scores"

// Options tune one scoring run.
type Options struct {
	MaxPosts    int
	Model       string
	Concurrency int
	MaxAttempts int
}

// Result is the fit assessment for one profile, in input order.
type Result struct {
	Index     int    `json:"index"`
	Score     *int   `json:"score,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	Error     string `json:"error,omitempty"`
}

// completionAPI is the slice of the OpenAI client the scorer needs.
type completionAPI interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

type openaiCompleter struct {
	client openai.Client
}

func (c *openaiCompleter) Complete(ctx context.Context, modelName, prompt string) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: modelName,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", eris.New("fit: completion has no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// Scorer runs fit assessments with bounded concurrency.
type Scorer struct {
	api          completionAPI
	defaultModel string
}

// NewScorer wraps an OpenAI client.
func NewScorer(client openai.Client, defaultModel string) *Scorer {
	return &Scorer{api: &openaiCompleter{client: client}, defaultModel: defaultModel}
}

// ScoreAll assesses every profile against the brief. The stage never fails:
// per-profile errors are recorded on the result. Results are in input order.
func (s *Scorer) ScoreAll(ctx context.Context, brief string, profiles []model.CanonicalProfile, opts Options) []Result {
	if len(profiles) == 0 {
		return nil
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	maxPosts := opts.MaxPosts
	if maxPosts <= 0 {
		maxPosts = defaultMaxPosts
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	modelName := opts.Model
	if modelName == "" {
		modelName = s.defaultModel
	}

	results := make([]Result, len(profiles))
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for i := range profiles {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Index: i, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = s.scoreOne(ctx, brief, &profiles[i], i, modelName, maxPosts, attempts)
		}()
	}
	wg.Wait()
	return results
}

func (s *Scorer) scoreOne(ctx context.Context, brief string, profile *model.CanonicalProfile, index int, modelName string, maxPosts, attempts int) Result {
	prompt := BuildPrompt(brief, profile, maxPosts)

	policy := resilience.DefaultPolicy()
	policy.Attempts = attempts
	policy.OnRetry = resilience.LogRetries("openai", "fit_score")

	raw, err := resilience.RetryVal(ctx, policy, func(ctx context.Context) (string, error) {
		return s.api.Complete(ctx, modelName, prompt)
	})
	if err != nil {
		zap.L().Warn("fit scoring failed",
			zap.String("account", profile.Username),
			zap.Error(err),
		)
		return Result{Index: index, Error: err.Error()}
	}

	score, rationale, ok := parseAssessment(raw)
	if !ok {
		return Result{Index: index, Error: ErrMissingScores}
	}
	return Result{Index: index, Score: &score, Rationale: rationale}
}

// BuildPrompt renders the assessment prompt for one profile: account basics,
// biography, and up to maxPosts caption snippets with hashtags.
func BuildPrompt(brief string, profile *model.CanonicalProfile, maxPosts int) string {
	var b strings.Builder
	b.WriteString("You are assessing whether a social media creator fits a business partnership brief.\n\n")
	b.WriteString("Business brief: " + brief + "\n\n")
	b.WriteString("Creator profile:\n")
	fmt.Fprintf(&b, "- Account: %s (%s)\n", profile.Username, profile.Platform)
	if profile.DisplayName != "" {
		fmt.Fprintf(&b, "- Name: %s\n", profile.DisplayName)
	}
	if profile.Followers != nil {
		fmt.Fprintf(&b, "- Followers: %d\n", *profile.Followers)
	}
	if profile.Biography != "" {
		fmt.Fprintf(&b, "- Biography: %s\n", profile.Biography)
	}
	if category := profile.Extra["category"]; category != "" {
		fmt.Fprintf(&b, "- Category: %s\n", category)
	}

	count := 0
	for _, post := range profile.Posts {
		if count >= maxPosts {
			break
		}
		caption := post.Caption
		if caption == "" && len(post.Hashtags) == 0 {
			continue
		}
		caption = truncateRunes(caption, captionSnippetChars)
		line := "- Post: " + caption
		if len(post.Hashtags) > 0 {
			line += " [#" + strings.Join(post.Hashtags, " #") + "]"
		}
		b.WriteString(line + "\n")
		count++
	}

	b.WriteString("\nRespond with JSON only: {\"score\": <integer 0-10>, \"rationale\": \"<one sentence>\"}\n")
	return b.String()
}

// truncateRunes shortens s to at most n runes so a cut never lands inside a
// multi-byte character.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

type assessment struct {
	Score     *float64 `json:"score"`
	Rationale string   `json:"rationale"`
}

// parseAssessment extracts the {score, rationale} object from a completion,
// tolerating surrounding prose and fenced code blocks. Scores are rounded and
// clamped to [0, 10].
func parseAssessment(raw string) (int, string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return 0, "", false
	}

	var parsed assessment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil || parsed.Score == nil {
		return 0, "", false
	}

	score := int(math.Round(*parsed.Score))
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score, strings.TrimSpace(parsed.Rationale), true
}
