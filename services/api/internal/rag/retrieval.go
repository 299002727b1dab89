// Package rag answers questions over session transcripts: it narrows the
// requested sessions to those the caller may read, retrieves similar
// transcript chunks and asks a model for a schema-constrained answer.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"voxa/pkg/ai"
	"voxa/pkg/domain"
	"voxa/pkg/store"
)

const (
	DefaultTopK          = 12
	MaxTopK              = 50
	DefaultMinSimilarity = 0.7
	emptyContext         = "None"
)

// Index is the subset of the store used for retrieval.
type Index interface {
	AccessibleSessionIDs(ctx context.Context, userID string, ids []string) ([]string, error)
	SearchSessionChunks(ctx context.Context, q store.ChunkQuery) ([]domain.ScoredChunk, error)
}

// Retriever embeds a prompt and searches transcript chunks of accessible sessions.
type Retriever struct {
	index         Index
	embedder      ai.Embedder
	dims          int
	minSimilarity float64
	defaultTopK   int
}

// NewRetriever builds a retriever. dims, when positive, is the required
// embedding length.
func NewRetriever(index Index, embedder ai.Embedder, dims int, minSimilarity float64) (*Retriever, error) {
	if index == nil {
		return nil, errors.New("retrieval index required")
	}
	if embedder == nil {
		return nil, errors.New("embedder required")
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &Retriever{index: index, embedder: embedder, dims: dims, minSimilarity: minSimilarity}, nil
}

// WithDefaultTopK sets the limit used when a request does not name one.
func (r *Retriever) WithDefaultTopK(n int) *Retriever {
	r.defaultTopK = clampTopK(n)
	return r
}

// Accessible filters sessionIDs to those userID may read.
func (r *Retriever) Accessible(ctx context.Context, userID string, sessionIDs []string) ([]string, error) {
	ids := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	allowed, err := r.index.AccessibleSessionIDs(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("filter sessions: %w", err)
	}
	return allowed, nil
}

// Search embeds prompt and returns at most topK chunks of sessionIDs whose
// cosine similarity reaches the threshold, most similar first.
func (r *Retriever) Search(ctx context.Context, prompt string, sessionIDs []string, topK int) ([]domain.ScoredChunk, error) {
	if len(sessionIDs) == 0 {
		return []domain.ScoredChunk{}, nil
	}
	vec, err := r.embedder.EmbedText(ctx, prompt, ai.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed prompt: %w", err)
	}
	if len(vec) == 0 {
		return nil, errors.New("embed prompt: empty embedding")
	}
	if r.dims > 0 && len(vec) != r.dims {
		return nil, fmt.Errorf("embed prompt: got %d dimensions, want %d", len(vec), r.dims)
	}
	chunks, err := r.index.SearchSessionChunks(ctx, store.ChunkQuery{
		SessionIDs:    sessionIDs,
		Embedding:     vec,
		MinSimilarity: r.minSimilarity,
		Limit:         r.limit(topK),
	})
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return chunks, nil
}

func (r *Retriever) limit(topK int) int {
	if topK <= 0 && r.defaultTopK > 0 {
		return r.defaultTopK
	}
	return clampTopK(topK)
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return DefaultTopK
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

// BuildContext renders chunks as numbered lines for the prompt:
//
//	[1] (speaker Alice, t=12.5s) text
//
// Missing speaker or start time render as "-". No chunks render as "None".
func BuildContext(chunks []domain.ScoredChunk) string {
	if len(chunks) == 0 {
		return emptyContext
	}
	var sb strings.Builder
	for i, c := range chunks {
		speaker := strings.TrimSpace(c.Speaker)
		if speaker == "" {
			speaker = "-"
		}
		at := "-"
		if c.StartSeconds != nil {
			at = strconv.FormatFloat(*c.StartSeconds, 'f', 1, 64) + "s"
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%d] (speaker %s, t=%s) %s", i+1, speaker, at, strings.TrimSpace(c.Content))
	}
	return sb.String()
}
