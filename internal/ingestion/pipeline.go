// Package ingestion runs documents through the extract/chunk/embed/index
// pipeline. Ingestion is idempotent on content: the same bytes in the same
// scope produce the same source and chunk IDs, and re-ingesting an already
// indexed source is a no-op.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/studiora/studiora-go/internal/chunker"
	"github.com/studiora/studiora-go/internal/embedder"
	"github.com/studiora/studiora-go/internal/extract"
	"github.com/studiora/studiora-go/internal/index"
	"github.com/studiora/studiora-go/internal/logging"
	"github.com/studiora/studiora-go/internal/store"
)

// idNamespace is the UUIDv5 namespace for source and chunk IDs. Fixed
// forever: changing it would orphan every indexed vector.
var idNamespace = uuid.MustParse("8e1e33c4-5f29-4a64-9e0b-6d1b1f6e2a17")

// Document is one input to the pipeline.
type Document struct {
	// ScopeID is the retrieval scope the document belongs to.
	ScopeID string
	// Name is the original file or document name, used for extraction
	// format detection and for display.
	Name string
	// Data is the raw document bytes.
	Data []byte
}

// Outcome reports what ingestion did with a document.
type Outcome struct {
	// SourceID is the deterministic ID of the source.
	SourceID string
	// Chunks is the number of chunks indexed, 0 when skipped.
	Chunks int
	// Skipped is true when the source was already fully indexed.
	Skipped bool
}

// Options tunes the pipeline.
type Options struct {
	// MaxSpan is the chunk size ceiling in characters (0 = chunker default).
	MaxSpan int
	// Overlap is the chunk overlap in characters (0 = chunker default).
	Overlap int
	// BatchSize is the embedding batch size (0 = embedder default).
	BatchSize int
}

// Pipeline wires extraction, chunking, embedding, and indexing together.
type Pipeline struct {
	embed embedder.Embedder
	idx   index.Index
	meta  store.Store
	opts  Options
}

// New constructs a Pipeline.
func New(embed embedder.Embedder, idx index.Index, meta store.Store, opts Options) *Pipeline {
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = chunker.DefaultMaxSpan
	}
	if opts.Overlap <= 0 {
		opts.Overlap = chunker.DefaultOverlap
	}
	return &Pipeline{embed: embed, idx: idx, meta: meta, opts: opts}
}

// SourceID returns the deterministic source ID for content in a scope.
func SourceID(scopeID, contentHash string) string {
	return uuid.NewSHA1(idNamespace, []byte(scopeID+"/"+contentHash)).String()
}

// ChunkID returns the deterministic chunk ID for an ordinal within a source.
func ChunkID(sourceID string, ordinal int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s/%d", sourceID, ordinal))).String()
}

// ContentHash returns the hex-encoded SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ingest runs one document through the pipeline. It is safe to call again
// with the same document: an already indexed source is skipped, and a
// source left pending or failed by an earlier crash is re-processed from
// scratch. Sibling sources in the scope are never touched.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) (*Outcome, error) {
	log := logging.FromContext(ctx)

	if doc.ScopeID == "" {
		return nil, errors.New("ingestion: document has no scope")
	}
	hash := ContentHash(doc.Data)
	sourceID := SourceID(doc.ScopeID, hash)

	existing, err := p.meta.FindSourceByHash(ctx, doc.ScopeID, hash)
	switch {
	case err == nil:
		if existing.Status == store.StatusOK {
			log.Info("ingestion: source already indexed, skipping",
				slog.String("scope_id", doc.ScopeID),
				slog.String("source_id", sourceID),
				slog.String("name", doc.Name),
			)
			return &Outcome{SourceID: sourceID, Skipped: true}, nil
		}
		// pending or failed: fall through and redo the work.
	case errors.Is(err, store.ErrNotFound):
		src := &store.Source{
			ID:          sourceID,
			ScopeID:     doc.ScopeID,
			Name:        doc.Name,
			ContentHash: hash,
		}
		if err := p.meta.CreateSource(ctx, src); err != nil {
			return nil, fmt.Errorf("ingestion: create source: %w", err)
		}
	default:
		return nil, fmt.Errorf("ingestion: look up source: %w", err)
	}

	text, err := extract.Text(doc.Name, doc.Data)
	if err != nil {
		// Extraction failures are permanent for this content; mark failed
		// so a retry of the same bytes does not loop forever.
		_ = p.meta.MarkSourceStatus(ctx, sourceID, store.StatusFailed)
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	// Chunk boundaries are computed over normalized whitespace so the same
	// prose always chunks the same way regardless of source formatting.
	chunks := chunker.Split(extract.Normalize(text), p.opts.MaxSpan, p.opts.Overlap)
	if len(chunks) == 0 {
		_ = p.meta.MarkSourceStatus(ctx, sourceID, store.StatusFailed)
		return nil, fmt.Errorf("ingestion: document %q produced no chunks", doc.Name)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedder.EmbedAll(ctx, p.embed, texts, p.opts.BatchSize)
	if err != nil {
		// Leave the source pending: embedding failures are retryable.
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	records := make([]index.Record, len(chunks))
	for i, c := range chunks {
		records[i] = index.Record{
			ChunkID: ChunkID(sourceID, c.Ordinal),
			Vector:  vectors[i],
			Payload: index.Payload{
				ScopeID:  doc.ScopeID,
				SourceID: sourceID,
				Ordinal:  c.Ordinal,
				Text:     c.Text,
			},
		}
	}
	if err := p.idx.Upsert(ctx, records); err != nil {
		// Best-effort cleanup so a partial write does not leave orphan
		// vectors; deterministic IDs make the retry overwrite them anyway.
		_ = p.idx.DeleteSource(ctx, doc.ScopeID, sourceID)
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	rows := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = store.Chunk{ID: records[i].ChunkID, Ordinal: c.Ordinal, Text: c.Text}
	}
	if err := p.meta.ReplaceChunks(ctx, sourceID, rows); err != nil {
		return nil, fmt.Errorf("ingestion: persist chunks: %w", err)
	}
	if err := p.meta.MarkSourceStatus(ctx, sourceID, store.StatusOK); err != nil {
		return nil, fmt.Errorf("ingestion: mark source: %w", err)
	}

	log.Info("ingestion: source indexed",
		slog.String("scope_id", doc.ScopeID),
		slog.String("source_id", sourceID),
		slog.String("name", doc.Name),
		slog.Int("chunks", len(chunks)),
	)
	return &Outcome{SourceID: sourceID, Chunks: len(chunks)}, nil
}
