// Package assemble turns ranked retrieval matches into the numbered context
// block handed to the model, keeping the block under a character budget and
// recording which sources made it in.
package assemble

import (
	"fmt"
	"strings"

	"github.com/studiora/studiora-go/internal/index"
)

// DefaultBudget is the default context block size in characters.
const DefaultBudget = 6000

// SourceRef records the provenance of one context entry.
type SourceRef struct {
	// Label is the citation number used in the context block, starting at 1.
	Label int
	// ChunkID identifies the chunk behind the entry.
	ChunkID string
	// SourceID identifies the source document.
	SourceID string
	// Ordinal is the chunk's position within its source.
	Ordinal int
	// Score is the retrieval score the chunk ranked with.
	Score float32
}

// Result is an assembled context block plus its provenance.
type Result struct {
	// Context is the numbered context text, empty when nothing fit.
	Context string
	// Sources lists the included chunks in citation order.
	Sources []SourceRef
	// Dropped counts matches that did not fit the budget.
	Dropped int
}

// Options controls assembly behavior.
type Options struct {
	// Budget is the maximum context size in characters. Zero means
	// DefaultBudget.
	Budget int
	// PackTightest keeps scanning lower-ranked matches after one does not
	// fit, filling leftover budget with smaller chunks. The default stops
	// at the first match that does not fit, preserving strict rank order.
	PackTightest bool
}

// Assemble builds a context block from matches already ranked best-first.
// Entries are written as "[1] text" blocks separated by blank lines; entry
// overhead counts against the budget. A chunk that alone exceeds the budget
// is skipped, never split.
func Assemble(matches []index.Match, opts Options) Result {
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	var (
		b       strings.Builder
		sources []SourceRef
		used    int
	)
	label := 1
	for i, m := range matches {
		text := strings.TrimSpace(m.Payload.Text)
		if text == "" {
			continue
		}
		entry := fmt.Sprintf("[%d] %s", label, text)
		cost := len(entry)
		if used > 0 {
			cost += 2 // blank-line separator
		}
		if used+cost > budget {
			if !opts.PackTightest {
				return Result{
					Context: b.String(),
					Sources: sources,
					Dropped: len(matches) - i,
				}
			}
			continue
		}
		if used > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry)
		used += cost
		sources = append(sources, SourceRef{
			Label:    label,
			ChunkID:  m.ChunkID,
			SourceID: m.Payload.SourceID,
			Ordinal:  m.Payload.Ordinal,
			Score:    m.Score,
		})
		label++
	}
	return Result{
		Context: b.String(),
		Sources: sources,
		Dropped: len(matches) - len(sources),
	}
}
