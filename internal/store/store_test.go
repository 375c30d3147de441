package store

import (
	"context"
	"errors"
	"testing"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_SourceLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	src := &Source{
		ID:          "src-1",
		ScopeID:     "course-go",
		Name:        "notes.md",
		ContentHash: "abc123",
	}
	if err := s.CreateSource(ctx, src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	got, err := s.FindSourceByHash(ctx, "course-go", "abc123")
	if err != nil {
		t.Fatalf("find source: %v", err)
	}
	if got.ID != "src-1" || got.Status != StatusPending {
		t.Errorf("want pending src-1, got %s/%s", got.ID, got.Status)
	}

	if err := s.MarkSourceStatus(ctx, "src-1", StatusOK); err != nil {
		t.Fatalf("mark source: %v", err)
	}
	got, err = s.FindSourceByHash(ctx, "course-go", "abc123")
	if err != nil {
		t.Fatalf("find after mark: %v", err)
	}
	if got.Status != StatusOK {
		t.Errorf("want status ok, got %s", got.Status)
	}
}

func Test_Store_FindSourceNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.FindSourceByHash(context.Background(), "course-go", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_DuplicateHashRejected(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a := &Source{ID: "a", ScopeID: "scope", Name: "a.md", ContentHash: "same"}
	b := &Source{ID: "b", ScopeID: "scope", Name: "b.md", ContentHash: "same"}
	if err := s.CreateSource(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.CreateSource(ctx, b); err == nil {
		t.Error("want unique constraint error for duplicate (scope, hash), got nil")
	}

	// Same hash in another scope is fine.
	c := &Source{ID: "c", ScopeID: "other", Name: "c.md", ContentHash: "same"}
	if err := s.CreateSource(ctx, c); err != nil {
		t.Errorf("same hash in different scope should insert: %v", err)
	}
}

func Test_Store_ReplaceChunks(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	src := &Source{ID: "src-1", ScopeID: "scope", Name: "n.md", ContentHash: "h"}
	if err := s.CreateSource(ctx, src); err != nil {
		t.Fatalf("create source: %v", err)
	}

	first := []Chunk{
		{ID: "c0", Ordinal: 0, Text: "alpha"},
		{ID: "c1", Ordinal: 1, Text: "beta"},
	}
	if err := s.ReplaceChunks(ctx, "src-1", first); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}

	second := []Chunk{{ID: "c0", Ordinal: 0, Text: "gamma"}}
	if err := s.ReplaceChunks(ctx, "src-1", second); err != nil {
		t.Fatalf("replace chunks again: %v", err)
	}

	got, err := s.ChunksBySource(ctx, "src-1")
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if len(got) != 1 || got[0].Text != "gamma" {
		t.Errorf("want single replaced chunk, got %+v", got)
	}
}

func Test_Store_ChunksOrderedByOrdinal(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	src := &Source{ID: "src-1", ScopeID: "scope", Name: "n.md", ContentHash: "h"}
	if err := s.CreateSource(ctx, src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	chunks := []Chunk{
		{ID: "c2", Ordinal: 2, Text: "third"},
		{ID: "c0", Ordinal: 0, Text: "first"},
		{ID: "c1", Ordinal: 1, Text: "second"},
	}
	if err := s.ReplaceChunks(ctx, "src-1", chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}

	got, err := s.ChunksBySource(ctx, "src-1")
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Text != want {
			t.Errorf("chunk[%d]: want %q, got %q", i, want, got[i].Text)
		}
	}
}

func Test_Store_SaveAndRecentExchanges(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	ex := &Exchange{ScopeID: "scope", Question: "what is a goroutine?", Answer: "a lightweight thread"}
	if err := s.SaveExchange(ctx, ex); err != nil {
		t.Fatalf("save exchange: %v", err)
	}
	if ex.ID == 0 {
		t.Error("want ID assigned on save")
	}

	got, err := s.RecentExchanges(ctx, "scope", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 exchange, got %d", len(got))
	}
	if got[0].Question != ex.Question || got[0].Answer != ex.Answer {
		t.Errorf("roundtrip mismatch: %+v", got[0])
	}
}

func Test_Store_RecentExchangesOldestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	questions := []string{"first", "second", "third"}
	for _, q := range questions {
		if err := s.SaveExchange(ctx, &Exchange{ScopeID: "scope", Question: q, Answer: "a"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.RecentExchanges(ctx, "scope", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 exchanges, got %d", len(got))
	}
	if got[0].Question != "second" || got[1].Question != "third" {
		t.Errorf("want tail oldest-first, got %q then %q", got[0].Question, got[1].Question)
	}
}

func Test_Store_ListExchangesNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, q := range []string{"first", "second"} {
		if err := s.SaveExchange(ctx, &Exchange{ScopeID: "scope", Question: q, Answer: "a"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.ListExchanges(ctx, "scope", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Question != "second" {
		t.Errorf("want newest-first, got %+v", got)
	}
}

func Test_Store_ScopeIsolation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveExchange(ctx, &Exchange{ScopeID: "x", Question: "from x", Answer: "a"}); err != nil {
		t.Fatalf("save x: %v", err)
	}
	if err := s.SaveExchange(ctx, &Exchange{ScopeID: "y", Question: "from y", Answer: "a"}); err != nil {
		t.Fatalf("save y: %v", err)
	}

	gotX, err := s.RecentExchanges(ctx, "x", 10)
	if err != nil {
		t.Fatalf("recent x: %v", err)
	}
	if len(gotX) != 1 || gotX[0].Question != "from x" {
		t.Errorf("scope x isolation failed: %+v", gotX)
	}
}

func Test_Store_ExchangeFlagsRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	ex := &Exchange{ScopeID: "s", Question: "q", Answer: "a", Refused: true, Degraded: true, Truncated: true}
	if err := s.SaveExchange(ctx, ex); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.RecentExchanges(ctx, "s", 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !got[0].Refused || !got[0].Degraded || !got[0].Truncated {
		t.Errorf("flags lost in roundtrip: %+v", got[0])
	}
}

func Test_Store_DeleteExchange(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	ex := &Exchange{ScopeID: "s", Question: "q", Answer: "a"}
	if err := s.SaveExchange(ctx, ex); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Wrong scope must not delete.
	if err := s.DeleteExchange(ctx, "other", ex.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-scope delete: want ErrNotFound, got %v", err)
	}
	if err := s.DeleteExchange(ctx, "s", ex.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteExchange(ctx, "s", ex.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: want ErrNotFound, got %v", err)
	}
}
