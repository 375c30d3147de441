package assemble

import (
	"strings"
	"testing"

	"github.com/studiora/studiora-go/internal/index"
)

func match(id string, ordinal int, text string) index.Match {
	return index.Match{
		ChunkID: id,
		Score:   1.0,
		Payload: index.Payload{
			ScopeID:  "scope",
			SourceID: "src",
			Ordinal:  ordinal,
			Text:     text,
		},
	}
}

func Test_Assemble_NumbersEntries(t *testing.T) {
	t.Parallel()
	res := Assemble([]index.Match{
		match("a", 0, "alpha"),
		match("b", 1, "beta"),
	}, Options{})

	want := "[1] alpha\n\n[2] beta"
	if res.Context != want {
		t.Errorf("context = %q, want %q", res.Context, want)
	}
	if len(res.Sources) != 2 || res.Sources[0].Label != 1 || res.Sources[1].Label != 2 {
		t.Errorf("sources = %+v", res.Sources)
	}
}

func Test_Assemble_StopsAtBudget(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("x", 300)
	res := Assemble([]index.Match{
		match("a", 0, big),
		match("b", 1, big),
		match("c", 2, big),
	}, Options{Budget: 500})

	if len(res.Sources) != 1 {
		t.Fatalf("want 1 entry under budget, got %d", len(res.Sources))
	}
	if res.Dropped != 2 {
		t.Errorf("want 2 dropped, got %d", res.Dropped)
	}
	if len(res.Context) > 500 {
		t.Errorf("context exceeds budget: %d chars", len(res.Context))
	}
}

func Test_Assemble_StrictRankOrderByDefault(t *testing.T) {
	t.Parallel()
	// Second entry does not fit; third would, but default mode must not
	// reach past the first miss.
	res := Assemble([]index.Match{
		match("a", 0, strings.Repeat("a", 100)),
		match("b", 1, strings.Repeat("b", 400)),
		match("c", 2, strings.Repeat("c", 50)),
	}, Options{Budget: 200})

	if len(res.Sources) != 1 || res.Sources[0].ChunkID != "a" {
		t.Errorf("want only top match, got %+v", res.Sources)
	}
}

func Test_Assemble_PackTightestFillsGaps(t *testing.T) {
	t.Parallel()
	res := Assemble([]index.Match{
		match("a", 0, strings.Repeat("a", 100)),
		match("b", 1, strings.Repeat("b", 400)),
		match("c", 2, strings.Repeat("c", 50)),
	}, Options{Budget: 200, PackTightest: true})

	if len(res.Sources) != 2 {
		t.Fatalf("want 2 entries, got %d", len(res.Sources))
	}
	if res.Sources[0].ChunkID != "a" || res.Sources[1].ChunkID != "c" {
		t.Errorf("want a then c, got %+v", res.Sources)
	}
	// Labels stay contiguous even when a ranked match is skipped.
	if res.Sources[1].Label != 2 {
		t.Errorf("want label 2 for second included entry, got %d", res.Sources[1].Label)
	}
	if res.Dropped != 1 {
		t.Errorf("want 1 dropped, got %d", res.Dropped)
	}
}

func Test_Assemble_OversizedChunkNeverSplit(t *testing.T) {
	t.Parallel()
	res := Assemble([]index.Match{
		match("huge", 0, strings.Repeat("x", 1000)),
	}, Options{Budget: 100})

	if res.Context != "" || len(res.Sources) != 0 {
		t.Errorf("oversized chunk should be skipped whole, got %q", res.Context)
	}
	if res.Dropped != 1 {
		t.Errorf("want 1 dropped, got %d", res.Dropped)
	}
}

func Test_Assemble_EmptyMatches(t *testing.T) {
	t.Parallel()
	res := Assemble(nil, Options{})
	if res.Context != "" || len(res.Sources) != 0 || res.Dropped != 0 {
		t.Errorf("want empty result, got %+v", res)
	}
}
