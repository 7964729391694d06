// Package memory is a brute-force cosine similarity index held in RAM.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/i5heu/ouroboros-rag/pkg/index"
)

type Index struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[string][]float64
	// squared L2 norms
	norms map[string]float64
}

// New returns an empty index. A dimension of 0 is fixed by the first upsert.
func New(dimension int) *Index {
	return &Index{
		dimension: dimension,
		vectors:   make(map[string][]float64),
		norms:     make(map[string]float64),
	}
}

func (i *Index) Upsert(ctx context.Context, id string, vector []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) == 0 {
		return errors.New("index: empty vector")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dimension == 0 {
		i.dimension = len(vector)
	}
	if len(vector) != i.dimension {
		return fmt.Errorf("%w: got %d, want %d", index.ErrDimension, len(vector), i.dimension)
	}

	n := norm(vector)
	if !finite(n) {
		return index.ErrMagnitude
	}
	v := make([]float64, len(vector))
	copy(v, vector)
	i.vectors[id] = v
	i.norms[id] = n
	return nil
}

func (i *Index) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.vectors, id)
	delete(i.norms, id)
	return nil
}

// Search scores every stored vector by cosine similarity. A zero vector on
// either side scores 0.
func (i *Index) Search(ctx context.Context, vector []float64, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.dimension != 0 && len(vector) != i.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", index.ErrDimension, len(vector), i.dimension)
	}

	qn := norm(vector)
	if !finite(qn) {
		return nil, index.ErrMagnitude
	}
	hits := make([]index.Hit, 0, len(i.vectors))
	n := 0
	for id, v := range i.vectors {
		if n++; n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hits = append(hits, index.Hit{ID: id, Score: cosine(v, i.norms[id], vector, qn)})
	}

	index.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.vectors)
}

func norm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return sum
}

func finite(x float64) bool {
	return !math.IsInf(x, 0) && !math.IsNaN(x)
}

// cosine takes squared norms; sqrt(n*n) == n keeps a self-match at exactly 1.
func cosine(a []float64, an float64, b []float64, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	dot := 0.0
	for j := range a {
		dot += a[j] * b[j]
	}
	denom := an * bn
	if math.IsInf(denom, 0) {
		denom = math.Sqrt(an) * math.Sqrt(bn)
	} else {
		denom = math.Sqrt(denom)
	}
	s := dot / denom
	return math.Max(-1, math.Min(1, s))
}
