package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashProvider is an offline embedder: every token is hashed into one of dim
// buckets with a hash-derived sign. Texts sharing words end up close in cosine
// space, which is enough for local development and tests.
type HashProvider struct {
	dim int
}

func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dim: dimension}
}

func (p *HashProvider) Dimension() int { return p.dim }

func (p *HashProvider) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return p.embed(ctx, text)
}

func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.embed(ctx, text)
}

func (p *HashProvider) IsReady(context.Context) bool { return true }

func (p *HashProvider) embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, p.dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dim))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	if len(tokens) == 0 {
		// keep the vector non-zero so it stays a valid store entry
		vec[0] = 1
	}
	return normalizeVector(vec), nil
}
