package search

import (
	"context"
	"math"

	"github.com/openai/openai-go/v2"
	"github.com/rotisserie/eris"

	"github.com/dime-ai/discovery/internal/resilience"
)

// Embedder turns query text into the unit-norm vectors the index stores.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder embeds with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

// NewOpenAIEmbedder wraps an OpenAI client with the given embedding model.
func NewOpenAIEmbedder(client openai.Client, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model}
}

// Embed returns one unit-norm vector per input text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := resilience.RetryVal(ctx, resilience.DefaultPolicy(),
		func(ctx context.Context) (*openai.CreateEmbeddingResponse, error) {
			return e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
				Model: e.model,
				Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			})
		})
	if err != nil {
		return nil, eris.Wrap(err, "search: embed query")
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("search: embedding count mismatch: want %d got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = UnitNorm(vec)
	}
	return vectors, nil
}

// UnitNorm scales a vector to unit length; zero vectors pass through.
func UnitNorm(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
