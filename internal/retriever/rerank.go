package retriever

import (
	"context"
	"sort"
	"strings"

	"github.com/studiora/studiora-go/internal/index"
)

// Reranker reorders candidate matches for a question. Implementations must
// only reorder: same set in, same set out. A reranker that cannot score the
// candidates returns them unchanged.
type Reranker interface {
	Rerank(ctx context.Context, question string, matches []index.Match) []index.Match
}

// LexicalReranker reorders matches by term overlap between the question and
// the chunk text. It is a cheap second pass on top of vector similarity:
// chunks that literally mention the question's terms move up, ties keep
// their vector ranking.
type LexicalReranker struct{}

// NewLexicalReranker returns a LexicalReranker.
func NewLexicalReranker() *LexicalReranker { return &LexicalReranker{} }

// stopwords excluded from overlap scoring.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "of": {}, "to": {}, "in": {}, "on": {}, "for": {},
	"and": {}, "or": {}, "what": {}, "how": {}, "why": {}, "do": {}, "does": {},
	"i": {}, "it": {}, "this": {}, "that": {}, "with": {}, "as": {}, "by": {},
}

// Rerank scores each match by the fraction of question terms its text
// contains and stable-sorts by that score descending.
func (r *LexicalReranker) Rerank(_ context.Context, question string, matches []index.Match) []index.Match {
	terms := contentTerms(question)
	if len(terms) == 0 {
		return matches
	}

	// Sort index positions rather than the matches themselves so ties keep
	// their original vector ranking.
	idxs := make([]int, len(matches))
	scores := make([]float64, len(matches))
	for i, m := range matches {
		idxs[i] = i
		scores[i] = overlap(terms, m.Payload.Text)
	}
	sort.SliceStable(idxs, func(a, b int) bool {
		return scores[idxs[a]] > scores[idxs[b]]
	})
	out := make([]index.Match, len(matches))
	for i, pos := range idxs {
		out[i] = matches[pos]
	}
	return out
}

// contentTerms lowercases and tokenizes s, dropping stopwords.
func contentTerms(s string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, f := range tokenize(s) {
		if _, skip := stopwords[f]; skip {
			continue
		}
		terms[f] = struct{}{}
	}
	return terms
}

// overlap returns the fraction of terms present in text.
func overlap(terms map[string]struct{}, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, f := range tokenize(text) {
		if _, ok := terms[f]; ok {
			present[f] = struct{}{}
		}
	}
	return float64(len(present)) / float64(len(terms))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}
