// Package rag is the retrieve-then-generate flow on top of the chunk store.
// Embedding and generation are external services behind small interfaces.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rag/pkg/chunkstore"
)

// NoContextAnswer is returned when no passage clears the score threshold.
// The generator is not called in that case.
const NoContextAnswer = "I couldn't find relevant information to answer your question."

// Embedder maps text to a vector. Identical input must yield identical
// vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Store is the part of chunkstore.Store the pipeline uses.
type Store interface {
	Put(ctx context.Context, id string, vector []float64, plaintext string, metadata map[string]any) error
	Query(ctx context.Context, vector []float64, k int) ([]chunkstore.Result, error)
}

type Config struct {
	Store     Store
	Embedder  Embedder
	Generator Generator
	// TopK is used when Ask is called with k <= 0.
	TopK int
	// ScoreThreshold drops retrieved passages scoring below it.
	ScoreThreshold  float64
	EmbedTimeout    time.Duration
	GenerateTimeout time.Duration
	Logger          *logrus.Logger
}

type Pipeline struct {
	config Config
	log    *logrus.Logger
}

// Passage is one unit of text produced by an external parser.
type Passage struct {
	Text     string
	Metadata map[string]any
}

type Source struct {
	ID       string
	Score    float64
	Metadata chunkstore.Metadata
}

type Answer struct {
	QueryID string
	Text    string
	Sources []Source
}

func NewPipeline(config Config) (*Pipeline, error) {
	switch {
	case config.Store == nil:
		return nil, errors.New("rag: no store configured")
	case config.Embedder == nil:
		return nil, errors.New("rag: no embedder configured")
	case config.Generator == nil:
		return nil, errors.New("rag: no generator configured")
	}
	if config.TopK <= 0 {
		config.TopK = 3
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	return &Pipeline{config: config, log: config.Logger}, nil
}

// withTimeout runs call under d and stops waiting once the deadline
// passes, even if call ignores its context. An exceeded deadline becomes
// chunkstore.ErrTimeout.
func withTimeout[T any](ctx context.Context, d time.Duration, call func(context.Context) (T, error)) (T, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(ctx)
		done <- result{v: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %v", chunkstore.ErrTimeout, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %v", chunkstore.ErrTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float64, error) {
	return withTimeout(ctx, p.config.EmbedTimeout, func(ctx context.Context) ([]float64, error) {
		return p.config.Embedder.Embed(ctx, text)
	})
}

// Ingest embeds and stores passages under fresh ids. On error it returns the
// ids stored before the failure.
func (p *Pipeline) Ingest(ctx context.Context, passages []Passage) ([]string, error) {
	ids := make([]string, 0, len(passages))
	for i, passage := range passages {
		vector, err := p.embed(ctx, passage.Text)
		if err != nil {
			return ids, fmt.Errorf("rag: embedding passage %d: %w", i, err)
		}

		id := uuid.NewString()
		if err := p.config.Store.Put(ctx, id, vector, passage.Text, passage.Metadata); err != nil {
			return ids, fmt.Errorf("rag: storing passage %d: %w", i, err)
		}
		ids = append(ids, id)
	}

	p.log.WithFields(logrus.Fields{"passages": len(ids)}).Info("passages ingested")
	return ids, nil
}

// Ask retrieves up to k passages for question and has the generator answer
// from them.
func (p *Pipeline) Ask(ctx context.Context, question string, k int) (Answer, error) {
	if k <= 0 {
		k = p.config.TopK
	}
	answer := Answer{QueryID: uuid.NewString()}
	log := p.log.WithFields(logrus.Fields{"query_id": answer.QueryID, "k": k})

	vector, err := p.embed(ctx, question)
	if err != nil {
		return answer, fmt.Errorf("rag: embedding question: %w", err)
	}

	results, err := p.config.Store.Query(ctx, vector, k)
	if err != nil {
		return answer, fmt.Errorf("rag: retrieving: %w", err)
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= p.config.ScoreThreshold {
			kept = append(kept, r)
		}
	}
	for _, r := range kept {
		answer.Sources = append(answer.Sources, Source{ID: r.ID, Score: r.Score, Metadata: r.Metadata})
	}

	if len(kept) == 0 {
		log.Info("no passage above threshold")
		answer.Text = NoContextAnswer
		return answer, nil
	}

	start := time.Now()
	text, err := withTimeout(ctx, p.config.GenerateTimeout, func(ctx context.Context) (string, error) {
		return p.config.Generator.Generate(ctx, BuildPrompt(question, kept))
	})
	if err != nil {
		return answer, fmt.Errorf("rag: generating: %w", err)
	}
	answer.Text = strings.TrimSpace(text)

	log.WithFields(logrus.Fields{
		"sources":    len(kept),
		"generation": time.Since(start).String(),
	}).Info("question answered")
	return answer, nil
}

// BuildPrompt numbers the passages and names their source where the
// metadata has one.
func BuildPrompt(question string, results []chunkstore.Result) string {
	var b strings.Builder
	b.WriteString("Based on the following context, please answer the question.\n\nContext:\n")
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d]", i+1)
		if source, ok := r.Metadata["source"].(string); ok && source != "" {
			fmt.Fprintf(&b, " (%s)", source)
		}
		b.WriteString(" ")
		b.WriteString(r.Plaintext)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer (based on the context provided):")
	return b.String()
}
