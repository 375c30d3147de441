// Package chunker splits normalized source text into ordered, overlapping
// passages sized for embedding. Boundaries prefer sentence ends and fall
// back to hard character cuts when a single sentence exceeds the span.
// Splitting is deterministic: the same text and parameters always produce
// the same chunks, which is what makes re-running ingestion safe.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// Default span parameters. 1000/100 matches the sizing the embedding models
// in use were tuned against.
const (
	// DefaultMaxSpan is the maximum number of characters per chunk.
	DefaultMaxSpan = 1000
	// DefaultOverlap is the number of trailing characters each chunk shares
	// with the start of its successor.
	DefaultOverlap = 100
)

// Chunk is one ordered passage of a source's text.
type Chunk struct {
	// Ordinal is the zero-based position of this chunk within its source.
	// Ordinals are strictly increasing and contiguous.
	Ordinal int
	// Text is the passage content, including any leading overlap carried
	// over from the previous chunk.
	Text string
}

// Split divides text into chunks of at most maxSpan characters, preferring
// sentence and paragraph boundaries. Adjacent chunks share overlap trailing
// characters of context. Degenerate input (empty or whitespace-only) yields
// nil, not an error.
func Split(text string, maxSpan, overlap int) []Chunk {
	if maxSpan <= 0 {
		maxSpan = DefaultMaxSpan
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxSpan {
		overlap = maxSpan / 10
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// The carry prefix consumes part of the span, so the packable body is
	// maxSpan minus the overlap reservation.
	budget := maxSpan
	if overlap > 0 {
		budget = maxSpan - overlap - 1
		if budget <= 0 {
			budget = maxSpan
		}
	}

	segments := splitSegments(text, budget)

	var chunks []Chunk
	var cur strings.Builder
	carry := "" // overlap prefix carried from the previous chunk

	flush := func() {
		body := strings.TrimSpace(cur.String())
		if body == "" {
			return
		}
		chunkText := body
		if carry != "" {
			chunkText = carry + " " + body
		}
		chunks = append(chunks, Chunk{Ordinal: len(chunks), Text: chunkText})
		if overlap > 0 && len(body) > overlap {
			// Advance to a rune boundary so the carry never opens on a
			// partial multibyte sequence. Moving forward keeps the carry
			// within the overlap reservation.
			start := len(body) - overlap
			for start < len(body) && !utf8.RuneStart(body[start]) {
				start++
			}
			carry = strings.TrimSpace(body[start:])
		} else if overlap > 0 {
			carry = body
		}
		cur.Reset()
	}

	for _, seg := range segments {
		if cur.Len() > 0 && cur.Len()+len(seg) > budget {
			flush()
		}
		cur.WriteString(seg)
	}
	flush()

	return chunks
}

// splitSegments partitions text into sentence-sized pieces that together
// reconstruct the input exactly. A boundary is placed after '.', '!', or '?'
// followed by whitespace, and after newlines. Pieces longer than maxSpan are
// hard-cut so no single segment can overflow a chunk.
func splitSegments(text string, maxSpan int) []string {
	var segments []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		boundary := false
		switch c {
		case '.', '!', '?':
			boundary = i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t'
		case '\n':
			boundary = true
		}
		if boundary {
			segments = append(segments, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		segments = append(segments, text[start:])
	}

	// Hard-cut any sentence longer than the span.
	var out []string
	for _, seg := range segments {
		for len(seg) > maxSpan {
			n := cutIndex(seg, maxSpan)
			out = append(out, seg[:n])
			seg = seg[n:]
		}
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// cutIndex returns the largest index at or below limit that lands on a rune
// boundary, so hard cuts never split a multibyte character. When limit is
// smaller than the first rune the whole rune is taken anyway to guarantee
// progress.
func cutIndex(s string, limit int) int {
	n := limit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return n
}
