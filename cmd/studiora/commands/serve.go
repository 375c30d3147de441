package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/studiora/studiora-go/internal/logging"
	"github.com/studiora/studiora-go/internal/provider"
	"github.com/studiora/studiora-go/internal/server"
	"github.com/studiora/studiora-go/internal/tracing"
	"github.com/studiora/studiora-go/internal/tutor"
)

// NewServeCmd constructs the `studiora serve` command, which starts the
// HTTP server exposing the tutor and the ingestion pipeline.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Studiora HTTP server",
		Long: `Start the Studiora HTTP server on localhost.

The server exposes a REST/SSE API: POST /api/ask streams answers grounded
in the requested course scope, POST /api/ingest queues documents for
background indexing, and GET /api/exchanges serves the question history.

Examples:
  studiora serve
  studiora serve --port 9090
  MODEL_PROVIDER=azure studiora serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// YAML config is applied to env by the root command, so flags the
			// user did not set pick up SERVER_HOST/SERVER_PORT here.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("SERVER_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = getEnvInt("SERVER_PORT", port)
			}

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised", slog.String("provider", getEnvOrDefault("MODEL_PROVIDER", "ollama")))

			emb, dims, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			idx, err := buildIndex(ctx, dims)
			if err != nil {
				return fmt.Errorf("serve: failed to connect to Qdrant: %w", err)
			}
			defer idx.Close()
			log.Info("qdrant index ready",
				slog.String("host", getEnvOrDefault("QDRANT_HOST", "localhost")),
				slog.String("collection", getEnvOrDefault("QDRANT_COLLECTION", "studiora-notes")),
			)

			st, err := openStore()
			if err != nil {
				return fmt.Errorf("serve: failed to open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			opts, err := tutorOptions()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			retr := buildRetriever(emb, idx, dims)
			tut := tutor.New(chatModel, retr, st, opts)
			pipe := buildPipeline(emb, idx, st)

			pingers := []server.Pinger{
				server.NewLLMPinger(chatModel, getEnvOrDefault("MODEL_PROVIDER", "ollama")),
				server.NewQdrantPinger(idx.Client()),
			}

			// Startup probe. A failure is logged, not fatal: dependencies may
			// come up after the server and /api/ready tracks them live.
			probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
			if err := server.NewMultiPinger(pingers...).Ping(probeCtx); err != nil {
				log.Warn("dependency unreachable at startup", slog.Any("error", err))
			}
			cancelProbe()

			srv, err := server.New(tut, pipe, st, &server.Config{
				Host:          host,
				Port:          port,
				IngestWorkers: getEnvInt("INGEST_WORKERS", 0),
				IngestQueue:   getEnvInt("INGEST_QUEUE_CAPACITY", 0),
				Logger:        log,
				Pingers:       pingers,
				APIKey:        os.Getenv("STUDIORA_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
