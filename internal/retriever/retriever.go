// Package retriever answers "which chunks are relevant to this question"
// by embedding the query, searching the vector index within a single scope,
// and optionally reordering the candidates with a reranker.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/studiora/studiora-go/internal/embedder"
	"github.com/studiora/studiora-go/internal/index"
	"github.com/studiora/studiora-go/internal/logging"
)

// Default retrieval fan-out. Candidates are fetched wider than the final
// cut so the reranker has something to work with.
const (
	DefaultTopK       = 5
	DefaultCandidates = 8
	MaxTopK           = 20
)

// Result is the outcome of one retrieval.
type Result struct {
	// Matches is the final ranked list, at most TopK entries.
	Matches []index.Match
	// Degraded is true when the index was unreachable and Matches is empty.
	// The caller decides whether to answer without context or fail.
	Degraded bool
}

// Options tunes a single retrieval.
type Options struct {
	// TopK is the number of matches to return (default DefaultTopK,
	// ceiling MaxTopK).
	TopK int
	// Candidates is how many matches to fetch before reranking
	// (default DefaultCandidates, at least TopK).
	Candidates int
}

// Retriever performs scoped retrieval against a vector index.
type Retriever struct {
	embed    embedder.Embedder
	idx      index.Index
	reranker Reranker
	// vectorSize is the expected embedding dimension; 0 disables the check.
	vectorSize int
}

// New constructs a Retriever. reranker may be nil to skip reranking.
func New(embed embedder.Embedder, idx index.Index, reranker Reranker, vectorSize int) *Retriever {
	return &Retriever{embed: embed, idx: idx, reranker: reranker, vectorSize: vectorSize}
}

// Retrieve embeds the question and returns the best matching chunks in
// scopeID. An unreachable index yields a Degraded result, not an error;
// anything else (embedding failure, scope violation) is an error.
func (r *Retriever) Retrieve(ctx context.Context, scopeID, question string, opts Options) (*Result, error) {
	log := logging.FromContext(ctx)

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	candidates := opts.Candidates
	if candidates < topK {
		candidates = max(topK, DefaultCandidates)
	}

	vecs, err := r.embed.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("retriever: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retriever: embed query returned %d vectors", len(vecs))
	}
	qvec := vecs[0]
	if r.vectorSize > 0 && len(qvec) != r.vectorSize {
		// A dimension mismatch means the embedding model and the collection
		// disagree. Nothing retrieved under this condition can be trusted.
		return nil, fmt.Errorf("retriever: query vector has %d dimensions, index expects %d", len(qvec), r.vectorSize)
	}

	matches, err := r.idx.Search(ctx, qvec, scopeID, candidates)
	if err != nil {
		if errors.Is(err, index.ErrIndexUnavailable) {
			log.Warn("retriever: index unavailable, degrading",
				slog.String("scope_id", scopeID),
				slog.String("error", err.Error()),
			)
			return &Result{Degraded: true}, nil
		}
		return nil, err
	}

	if r.reranker != nil && len(matches) > 1 {
		matches = r.reranker.Rerank(ctx, question, matches)
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}

	log.Debug("retriever: retrieved",
		slog.String("scope_id", scopeID),
		slog.Int("matches", len(matches)),
	)
	return &Result{Matches: matches}, nil
}
