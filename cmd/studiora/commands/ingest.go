package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/studiora/studiora-go/internal/ingestion"
	"github.com/studiora/studiora-go/internal/logging"
)

// NewIngestCmd constructs the `studiora ingest` command, which runs the
// ingestion pipeline over local files to populate a course scope.
func NewIngestCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest course material into a scope",
		Long: `Chunk, embed, and index local files into the given course scope.

Ingestion is idempotent per (scope, content hash): re-ingesting an unchanged
file is a no-op, and a file whose previous ingestion failed is retried.
Plain text, markdown, transcript, and HTML files are supported; binary
formats such as PDF are rejected.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: studiora-notes)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  MODEL_PROVIDER       Embedding backend: ollama, openai, azure (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Examples:
  studiora ingest --scope bio-101 notes/cells.md notes/photosynthesis.md
  studiora ingest --scope hist-201 lectures/week1-transcript.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, dims, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			log.Info("embedder initialised", slog.String("provider", getEnvOrDefault("EMBEDDING_PROVIDER", getEnvOrDefault("MODEL_PROVIDER", "ollama"))))

			idx, err := buildIndex(ctx, dims)
			if err != nil {
				return fmt.Errorf("ingest: failed to connect to Qdrant: %w", err)
			}
			defer idx.Close()

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("ingest: failed to open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			pipe := buildPipeline(emb, idx, st)

			log.Info("starting ingestion", slog.String("scope", scope), slog.Int("files", len(args)))

			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					log.Error("ingest: read failed", slog.String("file", path), slog.Any("error", err))
					failed++
					continue
				}

				out, err := pipe.Ingest(ctx, ingestion.Document{
					ScopeID: scope,
					Name:    filepath.Base(path),
					Data:    data,
				})
				if err != nil {
					// One bad file must not abort its siblings.
					log.Error("ingest: failed", slog.String("file", path), slog.Any("error", err))
					failed++
					continue
				}

				switch {
				case out.Skipped:
					fmt.Printf("%s: unchanged, skipped (source %s)\n", path, out.SourceID)
				default:
					fmt.Printf("%s: indexed %d chunks (source %s)\n", path, out.Chunks, out.SourceID)
				}
			}

			if failed > 0 {
				return fmt.Errorf("ingest: %d of %d files failed", failed, len(args))
			}
			log.Info("ingestion complete", slog.Int("files", len(args)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "", "Course scope to ingest into (required)")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
