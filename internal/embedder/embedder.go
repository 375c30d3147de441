package embedder

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Embedder converts batches of text into dense vector embeddings.
// Implementations must return one vector per input text, in order, and be
// safe for concurrent use.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// DefaultBatchSize is how many texts are sent per Embed call by EmbedAll.
const DefaultBatchSize = 32

// embedMaxRetries bounds retries of a failing batch before giving up.
const embedMaxRetries = 3

// EmbedAll embeds texts in batches of batchSize (0 means DefaultBatchSize),
// retrying each failing batch with exponential backoff. The returned slice
// is parallel to texts; on error nothing partial is returned.
func EmbedAll(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		batch := texts[start:end]

		var got [][]float32
		op := func() error {
			var err error
			got, err = e.Embed(ctx, batch)
			return err
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 500 * time.Millisecond
		bo.MaxInterval = 5 * time.Second
		if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, embedMaxRetries), ctx)); err != nil {
			return nil, fmt.Errorf("embedder: batch %d-%d failed: %w", start, end, err)
		}
		if len(got) != len(batch) {
			return nil, fmt.Errorf("embedder: batch %d-%d returned %d vectors for %d texts", start, end, len(got), len(batch))
		}
		vectors = append(vectors, got...)
	}
	return vectors, nil
}
