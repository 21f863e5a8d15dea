package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider uses the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	hasKey bool
}

func NewOpenAIProvider(apiKey string, model string) (Provider, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return taskAdapter{g: &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		hasKey: true,
	}}, nil
}

func (p *OpenAIProvider) generate(ctx context.Context, text string, _ string) ([]float32, error) {
	if len(text) == 0 {
		return nil, errors.New("cannot embed empty text")
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed request: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	raw := resp.Data[0].Embedding
	v := make([]float32, len(raw))
	for i := range raw {
		v[i] = float32(raw[i])
	}
	return normalizeVector(v), nil
}

func (p *OpenAIProvider) ready(context.Context) bool {
	return p.hasKey
}
