package embedding

import (
	"context"
	"errors"
	"math"
)

// Task types. Document and query embeddings may be prefixed differently by a
// provider, so callers say which one they need.
const (
	TaskDocument = "RETRIEVAL_DOCUMENT"
	TaskQuery    = "RETRIEVAL_QUERY"
)

var ErrEmptyEmbedding = errors.New("provider returned an empty embedding")

// Provider turns text into a fixed-length vector.
type Provider interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	IsReady(ctx context.Context) bool
}

// generator is the single-call shape every concrete provider implements;
// taskAdapter lifts it to Provider.
type generator interface {
	generate(ctx context.Context, text string, taskType string) ([]float32, error)
	ready(ctx context.Context) bool
}

type taskAdapter struct {
	g generator
}

func (a taskAdapter) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return a.g.generate(ctx, text, TaskDocument)
}

func (a taskAdapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return a.g.generate(ctx, text, TaskQuery)
}

func (a taskAdapter) IsReady(ctx context.Context) bool {
	return a.g.ready(ctx)
}

// normalizeVector normalizes a vector to unit length (magnitude = 1)
func normalizeVector(vec []float32) []float32 {
	var magnitude float64
	for _, v := range vec {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)

	// Avoid division by zero
	if magnitude == 0 {
		return vec
	}

	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = float32(float64(v) / magnitude)
	}
	return normalized
}
