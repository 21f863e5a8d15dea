package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedProvider memoises embeddings in Redis keyed by task and text hash, so
// re-indexing unchanged notes does not hit the model again.
type CachedProvider struct {
	next      Provider
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

func NewCachedProvider(next Provider, rdb *redis.Client, namespace string, ttl time.Duration) *CachedProvider {
	if namespace == "" {
		namespace = "default"
	}
	return &CachedProvider{next: next, rdb: rdb, namespace: namespace, ttl: ttl}
}

func (p *CachedProvider) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return p.cached(ctx, TaskDocument, text, p.next.EmbedDocument)
}

func (p *CachedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.cached(ctx, TaskQuery, text, p.next.EmbedQuery)
}

func (p *CachedProvider) IsReady(ctx context.Context) bool {
	return p.next.IsReady(ctx)
}

func (p *CachedProvider) cached(
	ctx context.Context,
	task string,
	text string,
	embed func(context.Context, string) ([]float32, error),
) ([]float32, error) {
	key := p.key(task, text)

	data, err := p.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if vec, decodeErr := decodeVector(data); decodeErr == nil {
			return vec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// cache trouble must not block embedding
		return embed(ctx, text)
	}

	vec, err := embed(ctx, text)
	if err != nil {
		return nil, err
	}
	_ = p.rdb.Set(ctx, key, encodeVector(vec), p.ttl).Err()
	return vec, nil
}

func (p *CachedProvider) key(task, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embed:%s:%s:%s", p.namespace, task, hex.EncodeToString(sum[:]))
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("cached vector has invalid length %d", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
