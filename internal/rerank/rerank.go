// Package rerank wraps the external cross-encoder reranking service.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/dime-ai/discovery/internal/resilience"
)

// Ranking is one reranked document: its position in the submitted list and
// the relevance score the service assigned.
type Ranking struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Config locates the reranking service.
type Config struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    *resilience.Breaker
}

// Client calls the reranking service behind a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.Breaker
}

// NewClient validates the config and returns a reranker client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, eris.New("rerank: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.BreakerConfig{})
	}
	return &Client{cfg: cfg, http: httpClient, breaker: breaker}, nil
}

type rerankRequest struct {
	Queries   []string `json:"queries"`
	Documents []string `json:"documents"`
}

// Rerank scores docs against the query and returns rankings sorted by score
// descending, truncated to topK (0 means all).
func (c *Client) Rerank(ctx context.Context, query string, docs []string, topK int) ([]Ranking, error) {
	if query == "" {
		return nil, eris.New("rerank: query is required")
	}
	if len(docs) == 0 {
		return nil, nil
	}

	rankings, err := resilience.BreakerVal(ctx, c.breaker,
		func(ctx context.Context) ([]Ranking, error) {
			return c.call(ctx, query, docs)
		})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rankings, func(i, j int) bool {
		return rankings[i].Score > rankings[j].Score
	})
	if topK > 0 && len(rankings) > topK {
		rankings = rankings[:topK]
	}
	return rankings, nil
}

func (c *Client) call(ctx context.Context, query string, docs []string) ([]Ranking, error) {
	body, err := json.Marshal(rerankRequest{Queries: []string{query}, Documents: docs})
	if err != nil {
		return nil, eris.Wrap(err, "rerank: encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "rerank: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "rerank: request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "rerank: read response")
	}
	if resp.StatusCode >= 400 {
		err := eris.Errorf("rerank: service returned %d", resp.StatusCode)
		if resilience.TransientStatus(resp.StatusCode) {
			return nil, resilience.MarkTransient(err, resp.StatusCode)
		}
		return nil, err
	}

	rankings, err := parseRankings(data, len(docs))
	if err != nil {
		return nil, err
	}
	return rankings, nil
}

// parseRankings tolerates the response shapes the service has shipped over
// time: a list of {index, score} objects, a list of [index, score] pairs, or
// a bare score list in document order. Each may be nested one level under a
// "results"/"scores"/"rankings" key or wrapped per-query.
func parseRankings(data []byte, docCount int) ([]Ranking, error) {
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, eris.Wrap(err, "rerank: decode response")
	}

	list := unwrapList(root)
	if list == nil {
		return nil, eris.New("rerank: response has no ranking list")
	}
	// Per-query wrapping: a single inner list for our single query.
	if len(list) == 1 {
		if inner, ok := list[0].([]any); ok {
			list = inner
		}
	}

	rankings := make([]Ranking, 0, len(list))
	for i, item := range list {
		switch v := item.(type) {
		case map[string]any:
			idx, okIdx := numberField(v, "index", "document_index", "doc_index")
			score, okScore := numberField(v, "score", "relevance_score", "relevance")
			if !okIdx || !okScore {
				return nil, eris.New("rerank: ranking object missing index or score")
			}
			rankings = append(rankings, Ranking{Index: int(idx), Score: score})
		case []any:
			if len(v) < 2 {
				return nil, eris.New("rerank: ranking pair too short")
			}
			idx, okIdx := asNumber(v[0])
			score, okScore := asNumber(v[1])
			if !okIdx || !okScore {
				return nil, eris.New("rerank: ranking pair is not numeric")
			}
			rankings = append(rankings, Ranking{Index: int(idx), Score: score})
		case float64:
			rankings = append(rankings, Ranking{Index: i, Score: v})
		default:
			return nil, eris.Errorf("rerank: unsupported ranking element %T", item)
		}
	}

	seen := make(map[int]bool, len(rankings))
	for _, r := range rankings {
		if r.Index < 0 || r.Index >= docCount {
			return nil, eris.Errorf("rerank: index %d out of range", r.Index)
		}
		if seen[r.Index] {
			return nil, eris.Errorf("rerank: duplicate index %d", r.Index)
		}
		seen[r.Index] = true
	}
	return rankings, nil
}

func unwrapList(root any) []any {
	switch v := root.(type) {
	case []any:
		return v
	case map[string]any:
		for _, key := range []string{"results", "scores", "rankings", "data"} {
			if list, ok := v[key].([]any); ok {
				return list
			}
		}
	}
	return nil
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if n, ok := asNumber(m[key]); ok {
			return n, true
		}
	}
	return 0, false
}

func asNumber(v any) (float64, bool) {
	n, ok := v.(float64)
	return n, ok
}
