package vectorstore

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	score, ok := cosine([]float32{1, 0}, []float32{1, 0})
	assert.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9)

	score, ok = cosine([]float32{1, 0}, []float32{-1, 0})
	assert.True(t, ok)
	assert.InDelta(t, -1.0, score, 1e-9)

	score, ok = cosine([]float32{0, 0}, []float32{1, 0})
	assert.True(t, ok)
	assert.Equal(t, 0.0, score)

	_, ok = cosine([]float32{float32(math.NaN()), 0}, []float32{1, 0})
	assert.False(t, ok)

	_, ok = cosine([]float32{1, 0, 0}, []float32{1, 0})
	assert.False(t, ok)
}

func TestTopKKeepsBestInOrder(t *testing.T) {
	top := newTopK(3)
	for i, score := range []float64{0.1, 0.9, 0.5, 0.9, 0.3, 0.95, 0.5} {
		top.push(SearchResult{ID: string(rune('a' + i)), Score: score})
	}

	var ids []string
	for _, r := range top.results {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"f", "b", "d"}, ids)
	assert.False(t, top.admits(0.9))
	assert.True(t, top.admits(0.91))
}

func TestSamplePositions(t *testing.T) {
	positions := samplePositions(1024)
	assert.Contains(t, positions, 0)
	assert.Contains(t, positions, 512)
	assert.Contains(t, positions, 1023)
	assert.LessOrEqual(t, len(positions), sampleCount+3)

	assert.Equal(t, []int{0, 0, 0}, samplePositions(1))
}

func TestValidateSampledMissesUnsampledPositions(t *testing.T) {
	vec := make([]float32, 1024)
	vec[1] = float32(math.Inf(1))

	assert.NoError(t, validateSampled(vec, 4, 4096, 0))
	assert.ErrorIs(t, validateFull(vec, 4, 4096, 0), ErrInvalidVector)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"plain path", "journal/2024-01-01.md"},
		{"traversal", "../../etc/passwd"},
		{"backslashes", `..\..\windows\system32`},
		{"unicode", "entities/건강 목표.md"},
		{"only dots", "../.."},
		{"empty", ""},
		{"long", strings.Repeat("a", 500)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := FileName(tt.id)
			assert.NotContains(t, name, "/")
			assert.NotContains(t, name, `\`)
			assert.NotContains(t, name, "..")
			assert.True(t, strings.HasSuffix(name, ".json"))
			assert.LessOrEqual(t, len([]rune(name)), maxFileNameLength+20)
			assert.Equal(t, name, FileName(tt.id))
		})
	}

	assert.Equal(t, "journal_2024-01-01-", FileName("journal/2024-01-01.md")[:19])
	assert.NotEqual(t, FileName("a/b.md"), FileName("a_b.md"))
	assert.Len(t, FileName("../.."), 36+len(".json"))
}
