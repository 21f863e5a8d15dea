package vectorstore

import (
	"fmt"
	"math"
	"sort"
)

const magnitudeEpsilon = 1e-10

// sampleCount is how many evenly spaced positions the load-time check
// inspects in addition to the first, middle and last element.
const sampleCount = 16

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// validateFull checks the length bounds and every element.
func validateFull(vec []float32, minDim, maxDim, dim int) error {
	if err := validateLength(len(vec), minDim, maxDim, dim); err != nil {
		return err
	}
	for i, v := range vec {
		if !isFinite(v) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
	}
	return nil
}

// validateSampled checks the length bounds and a fixed sample of positions.
// It trades completeness for load speed on large stores.
func validateSampled(vec []float32, minDim, maxDim, dim int) error {
	if err := validateLength(len(vec), minDim, maxDim, dim); err != nil {
		return err
	}
	for _, i := range samplePositions(len(vec)) {
		if !isFinite(vec[i]) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidVector, i)
		}
	}
	return nil
}

func validateLength(n, minDim, maxDim, dim int) error {
	if n < minDim || n > maxDim {
		return fmt.Errorf("%w: dimension %d outside [%d, %d]", ErrInvalidVector, n, minDim, maxDim)
	}
	if dim > 0 && n != dim {
		return fmt.Errorf("%w: dimension %d, store uses %d", ErrInvalidVector, n, dim)
	}
	return nil
}

func samplePositions(n int) []int {
	if n == 0 {
		return nil
	}
	positions := []int{0, n / 2, n - 1}
	step := n / sampleCount
	if step < 1 {
		step = 1
	}
	for i := step; i < n && len(positions) < sampleCount+3; i += step {
		positions = append(positions, i)
	}
	return positions
}

// cosine returns the cosine similarity of a and b, or 0 when either vector
// has a near-zero magnitude or a non-finite element. ok is false when the
// pair cannot be compared at all.
func cosine(a, b []float32) (score float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
			return 0, false
		}
		dot += x * y
		na += x * x
		nb += y * y
	}
	na, nb = math.Sqrt(na), math.Sqrt(nb)
	if na < magnitudeEpsilon || nb < magnitudeEpsilon {
		return 0, true
	}
	score = dot / (na * nb)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, true
	}
	return score, true
}

// topK keeps the k best results sorted by descending score. An entry that ties
// with existing ones is placed after them, so ties keep insertion order.
type topK struct {
	k       int
	results []SearchResult
}

func newTopK(k int) *topK {
	return &topK{k: k, results: make([]SearchResult, 0, k)}
}

// admits reports whether score would enter the buffer.
func (t *topK) admits(score float64) bool {
	return len(t.results) < t.k || score > t.results[len(t.results)-1].Score
}

func (t *topK) push(r SearchResult) {
	if !t.admits(r.Score) {
		return
	}
	pos := sort.Search(len(t.results), func(i int) bool {
		return t.results[i].Score < r.Score
	})
	if len(t.results) < t.k {
		t.results = append(t.results, SearchResult{})
	}
	copy(t.results[pos+1:], t.results[pos:len(t.results)-1])
	t.results[pos] = r
}
