package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/studiora/studiora-go/internal/index"
	"github.com/studiora/studiora-go/internal/store"
)

// fakeEmbedder returns one small vector per text. Set fail to make every
// call error.
type fakeEmbedder struct {
	fail  bool
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("gateway down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(len(texts[i]))}
	}
	return out, nil
}

// flakyIndex fails Upsert until failures is exhausted, then delegates to a
// MemoryIndex.
type flakyIndex struct {
	*index.MemoryIndex
	failures int
	deletes  int
}

func (f *flakyIndex) Upsert(ctx context.Context, records []index.Record) error {
	if f.failures > 0 {
		f.failures--
		return index.ErrIndexUnavailable
	}
	return f.MemoryIndex.Upsert(ctx, records)
}

func (f *flakyIndex) DeleteSource(ctx context.Context, scopeID, sourceID string) error {
	f.deletes++
	return f.MemoryIndex.DeleteSource(ctx, scopeID, sourceID)
}

func newTestPipeline(t *testing.T) (*Pipeline, *index.MemoryIndex, *store.SQLiteStore) {
	t.Helper()
	meta, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })
	idx := index.NewMemoryIndex()
	p := New(&fakeEmbedder{}, idx, meta, Options{MaxSpan: 200, Overlap: 20})
	return p, idx, meta
}

func doc(scope, name, text string) Document {
	return Document{ScopeID: scope, Name: name, Data: []byte(text)}
}

func Test_Ingest_IndexesDocument(t *testing.T) {
	t.Parallel()
	p, idx, meta := newTestPipeline(t)
	ctx := context.Background()

	text := strings.Repeat("Go channels carry typed values between goroutines. ", 10)
	out, err := p.Ingest(ctx, doc("course-go", "channels.md", text))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Skipped || out.Chunks == 0 {
		t.Fatalf("want indexed outcome, got %+v", out)
	}
	if idx.Len() != out.Chunks {
		t.Errorf("index has %d records, want %d", idx.Len(), out.Chunks)
	}

	src, err := meta.FindSourceByHash(ctx, "course-go", ContentHash([]byte(text)))
	if err != nil {
		t.Fatalf("find source: %v", err)
	}
	if src.Status != store.StatusOK {
		t.Errorf("want status ok, got %s", src.Status)
	}

	chunks, err := meta.ChunksBySource(ctx, out.SourceID)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	for i, c := range chunks {
		if c.Ordinal != i {
			t.Errorf("chunk ordinals not contiguous: position %d has ordinal %d", i, c.Ordinal)
		}
	}
}

func Test_Ingest_Idempotent(t *testing.T) {
	t.Parallel()
	p, idx, _ := newTestPipeline(t)
	ctx := context.Background()

	d := doc("scope", "notes.md", strings.Repeat("All generalizations are false. ", 20))
	first, err := p.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	countAfterFirst := idx.Len()

	second, err := p.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Skipped {
		t.Error("re-ingest of identical content should skip")
	}
	if second.SourceID != first.SourceID {
		t.Errorf("source ID changed across runs: %s vs %s", first.SourceID, second.SourceID)
	}
	if idx.Len() != countAfterFirst {
		t.Errorf("re-ingest changed index size: %d -> %d", countAfterFirst, idx.Len())
	}
}

func Test_Ingest_RetryAfterIndexFailure(t *testing.T) {
	t.Parallel()
	meta, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })
	idx := &flakyIndex{MemoryIndex: index.NewMemoryIndex(), failures: 1}
	p := New(&fakeEmbedder{}, idx, meta, Options{MaxSpan: 200, Overlap: 20})
	ctx := context.Background()

	d := doc("scope", "notes.md", strings.Repeat("Retry until it sticks. ", 20))
	if _, err := p.Ingest(ctx, d); !errors.Is(err, index.ErrIndexUnavailable) {
		t.Fatalf("want ErrIndexUnavailable on first attempt, got %v", err)
	}

	// Source stays pending, so the retry does the full pipeline again.
	out, err := p.Ingest(ctx, d)
	if err != nil {
		t.Fatalf("retry ingest: %v", err)
	}
	if out.Skipped || out.Chunks == 0 {
		t.Errorf("retry should index, got %+v", out)
	}
}

func Test_Ingest_EmbedFailureLeavesSourceRetryable(t *testing.T) {
	t.Parallel()
	meta, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })
	embed := &fakeEmbedder{fail: true}
	p := New(embed, index.NewMemoryIndex(), meta, Options{MaxSpan: 200, Overlap: 20})
	ctx := context.Background()

	text := "Some content worth indexing."
	if _, err := p.Ingest(ctx, doc("scope", "n.md", text)); err == nil {
		t.Fatal("want error when embedding fails")
	}
	src, err := meta.FindSourceByHash(ctx, "scope", ContentHash([]byte(text)))
	if err != nil {
		t.Fatalf("find source: %v", err)
	}
	if src.Status != store.StatusPending {
		t.Errorf("want pending after embed failure, got %s", src.Status)
	}
}

func Test_Ingest_SiblingSourcesUntouched(t *testing.T) {
	t.Parallel()
	p, idx, _ := newTestPipeline(t)
	ctx := context.Background()

	a, err := p.Ingest(ctx, doc("scope", "a.md", strings.Repeat("Document A text. ", 20)))
	if err != nil {
		t.Fatalf("ingest a: %v", err)
	}
	countAfterA := idx.Len()

	if _, err := p.Ingest(ctx, doc("scope", "b.md", strings.Repeat("Document B text. ", 20))); err != nil {
		t.Fatalf("ingest b: %v", err)
	}
	if idx.Len() <= countAfterA {
		t.Error("ingesting B should add records without touching A")
	}

	matches, err := idx.Search(ctx, []float32{1, 1}, "scope", 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var fromA int
	for _, m := range matches {
		if m.Payload.SourceID == a.SourceID {
			fromA++
		}
	}
	if fromA == 0 {
		t.Error("source A vanished after ingesting B")
	}
}

func Test_Ingest_NormalizesBeforeChunking(t *testing.T) {
	t.Parallel()
	p, idx, _ := newTestPipeline(t)
	ctx := context.Background()

	out, err := p.Ingest(ctx, doc("scope", "messy.md", "Sloppy   spacing\t here.  \n\n  Next   paragraph."))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	matches, err := idx.Search(ctx, []float32{1, 1}, "scope", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var got string
	for _, m := range matches {
		if m.Payload.SourceID == out.SourceID {
			got = m.Payload.Text
		}
	}
	if want := "Sloppy spacing here.\nNext paragraph."; got != want {
		t.Errorf("indexed text not normalized: %q, want %q", got, want)
	}
}

func Test_Ingest_EmptyDocumentFails(t *testing.T) {
	t.Parallel()
	p, _, meta := newTestPipeline(t)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, doc("scope", "empty.md", "   \n\t ")); err == nil {
		t.Fatal("want error for empty document")
	}
	src, err := meta.FindSourceByHash(ctx, "scope", ContentHash([]byte("   \n\t ")))
	if err != nil {
		t.Fatalf("find source: %v", err)
	}
	if src.Status != store.StatusFailed {
		t.Errorf("want failed status, got %s", src.Status)
	}
}

func Test_Ingest_UnsupportedFormatFails(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPipeline(t)

	_, err := p.Ingest(context.Background(), doc("scope", "slides.pdf", "binary-ish"))
	if err == nil {
		t.Fatal("want extraction error for unsupported format")
	}
}

func Test_DeterministicIDs(t *testing.T) {
	t.Parallel()
	h := ContentHash([]byte("same bytes"))
	if SourceID("scope", h) != SourceID("scope", h) {
		t.Error("SourceID not deterministic")
	}
	if SourceID("scope-a", h) == SourceID("scope-b", h) {
		t.Error("SourceID must differ across scopes")
	}
	sid := SourceID("scope", h)
	if ChunkID(sid, 0) == ChunkID(sid, 1) {
		t.Error("ChunkID must differ across ordinals")
	}
	if ChunkID(sid, 3) != ChunkID(sid, 3) {
		t.Error("ChunkID not deterministic")
	}
}
