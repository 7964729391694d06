// Package index defines the contract of the similarity index the chunk store
// ranks candidates with. The index holds vectors only, never text.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrTimeout   = errors.New("index: timed out")
	ErrDimension = errors.New("index: vector dimension mismatch")
	// ErrMagnitude rejects vectors whose squared norm is not a finite float.
	ErrMagnitude = errors.New("index: vector magnitude out of range")
)

type Hit struct {
	ID    string
	Score float64
}

// VectorIndex ranks stored ids by similarity to a query vector. Search
// returns at most k hits ordered by descending score. Remove of an unknown id
// is not an error.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float64) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float64, k int) ([]Hit, error)
}

// SortHits orders hits by descending score, ties by ascending id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

type timeoutIndex struct {
	inner   VectorIndex
	timeout time.Duration
}

// WithTimeout bounds every call on idx by d. A call still running at the
// deadline returns ErrTimeout; the caller does not wait for it.
func WithTimeout(idx VectorIndex, d time.Duration) VectorIndex {
	if d <= 0 {
		return idx
	}
	return &timeoutIndex{inner: idx, timeout: d}
}

func (t *timeoutIndex) Upsert(ctx context.Context, id string, vector []float64) error {
	_, err := bounded(ctx, t.timeout, func(ctx context.Context) ([]Hit, error) {
		return nil, t.inner.Upsert(ctx, id, vector)
	})
	return err
}

func (t *timeoutIndex) Remove(ctx context.Context, id string) error {
	_, err := bounded(ctx, t.timeout, func(ctx context.Context) ([]Hit, error) {
		return nil, t.inner.Remove(ctx, id)
	})
	return err
}

func (t *timeoutIndex) Search(ctx context.Context, vector []float64, k int) ([]Hit, error) {
	return bounded(ctx, t.timeout, func(ctx context.Context) ([]Hit, error) {
		return t.inner.Search(ctx, vector, k)
	})
}

type callResult struct {
	hits []Hit
	err  error
}

func bounded(ctx context.Context, d time.Duration, call func(context.Context) ([]Hit, error)) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		hits, err := call(ctx)
		done <- callResult{hits: hits, err: err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, r.err)
		}
		return r.hits, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return nil, ctx.Err()
	}
}
