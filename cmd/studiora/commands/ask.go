package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/studiora/studiora-go/internal/logging"
	"github.com/studiora/studiora-go/internal/provider"
	"github.com/studiora/studiora-go/internal/tutor"
)

// NewAskCmd constructs the `studiora ask` command, which answers a single
// question from a course scope and streams the answer to stdout.
func NewAskCmd() *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question answered from your course material",
		Long: `Ask a question against the material ingested into a course scope.

The answer is generated from retrieved course context with numbered source
citations and streamed to stdout. When the vector index is unreachable the
answer falls back to general knowledge and says so.

Examples:
  studiora ask --scope bio-101 "what happens during the light reactions?"
  studiora ask --scope hist-201 "why did the treaty negotiations stall?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			emb, dims, err := buildEmbedder(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			idx, err := buildIndex(ctx, dims)
			if err != nil {
				return fmt.Errorf("ask: failed to connect to Qdrant: %w", err)
			}
			defer idx.Close()

			// History persistence is best-effort for one-shot asks: a broken
			// store downgrades to answering without saving the exchange.
			var rec tutor.Recorder
			st, err := openStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v (exchange will not be saved)\n", err)
			} else {
				rec = st
				defer func() { _ = st.Close() }()
			}

			opts, err := tutorOptions()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			retr := buildRetriever(emb, idx, dims)
			tut := tutor.New(chatModel, retr, rec, opts)

			out, err := tut.Ask(ctx, tutor.Request{
				ScopeID:  scope,
				Question: strings.Join(args, " "),
			}, os.Stdout)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Println()

			if out.Degraded {
				fmt.Fprintln(os.Stderr, "note: course material was unreachable, answered from general knowledge")
			}
			if out.Truncated {
				fmt.Fprintln(os.Stderr, "note: answer was cut off by the generation timeout")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "s", "", "Course scope to answer from (required)")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}
