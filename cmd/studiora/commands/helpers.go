package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/studiora/studiora-go/internal/embedder"
	"github.com/studiora/studiora-go/internal/guard"
	"github.com/studiora/studiora-go/internal/index"
	"github.com/studiora/studiora-go/internal/ingestion"
	"github.com/studiora/studiora-go/internal/retriever"
	"github.com/studiora/studiora-go/internal/store"
	"github.com/studiora/studiora-go/internal/tutor"
)

// getEnvOrDefault returns the env var value or fallback when unset/empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int, or fallback when unset or
// unparseable.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// buildEmbedder constructs the embedding gateway from EMBEDDING_* env vars
// and returns it together with the expected vector dimension.
func buildEmbedder(log *slog.Logger) (embedder.Embedder, int, error) {
	if err := embedder.ValidateForRAG(log); err != nil {
		return nil, 0, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, 0, err
	}
	backend := getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))
	dims := getEnvInt("EMBEDDING_DIMENSIONS", embedder.DefaultDimensions(backend))
	return emb, dims, nil
}

// buildIndex connects to Qdrant using QDRANT_* env settings, creating the
// collection on first use.
func buildIndex(ctx context.Context, vectorSize int) (*index.QdrantIndex, error) {
	return index.NewQdrantIndex(ctx, &index.QdrantConfig{
		Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
		Port:       getEnvInt("QDRANT_PORT", 6334),
		Collection: getEnvOrDefault("QDRANT_COLLECTION", "studiora-notes"),
		VectorSize: uint64(vectorSize), //nolint:gosec // dimensions are bounded
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	})
}

// openStore opens the SQLite store. STUDIORA_DB overrides the default path
// (~/.studiora/studiora.db).
func openStore() (*store.SQLiteStore, error) {
	path := os.Getenv("STUDIORA_DB")
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve default db path: %w", err)
		}
	}
	return store.Open(path)
}

// buildPipeline wires the ingestion pipeline from INGEST_* env settings.
// Zero values fall through to the chunker/embedder defaults.
func buildPipeline(emb embedder.Embedder, idx index.Index, st store.Store) *ingestion.Pipeline {
	return ingestion.New(emb, idx, st, ingestion.Options{
		MaxSpan:   getEnvInt("INGEST_MAX_SPAN", 0),
		Overlap:   getEnvInt("INGEST_OVERLAP", 0),
		BatchSize: getEnvInt("INGEST_BATCH_SIZE", 0),
	})
}

// buildRetriever wires scoped retrieval. RETRIEVAL_RERANK=off disables the
// lexical reranker, leaving raw similarity order.
func buildRetriever(emb embedder.Embedder, idx index.Index, vectorSize int) *retriever.Retriever {
	var rr retriever.Reranker
	if getEnvOrDefault("RETRIEVAL_RERANK", "on") != "off" {
		rr = retriever.NewLexicalReranker()
	}
	return retriever.New(emb, idx, rr, vectorSize)
}

// tutorOptions assembles tutor options from RETRIEVAL_* and TUTOR_* env
// settings. Zero values fall through to the tutor's defaults.
func tutorOptions() (tutor.Options, error) {
	opts := tutor.Options{
		TopK:          getEnvInt("RETRIEVAL_TOP_K", 0),
		Candidates:    getEnvInt("RETRIEVAL_CANDIDATES", 0),
		ContextBudget: getEnvInt("RETRIEVAL_CONTEXT_BUDGET", 0),
		HistoryDepth:  getEnvInt("TUTOR_HISTORY_DEPTH", 0),
	}
	if raw := os.Getenv("TUTOR_GENERATION_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return opts, fmt.Errorf("TUTOR_GENERATION_TIMEOUT: %w", err)
		}
		opts.GenerationTimeout = d
	}
	if os.Getenv("TUTOR_GUARD") == "off" {
		opts.Policy = guard.AllowAll()
	}
	return opts, nil
}
