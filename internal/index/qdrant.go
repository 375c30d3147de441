package index

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Payload field names used in the Qdrant collection. These are part of the
// wire shape; changing them orphans existing records.
const (
	fieldScopeID  = "scope_id"
	fieldSourceID = "source_id"
	fieldOrdinal  = "ordinal"
	fieldText     = "text"
)

// qdrantMaxRetries bounds how many times a transient Qdrant failure is
// retried before the call fails with ErrIndexUnavailable.
const qdrantMaxRetries = 3

// QdrantConfig holds connection parameters for a Qdrant vector index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// Collection is the Qdrant collection name to use.
	Collection string
	// VectorSize is the dimensionality of the embeddings stored in this
	// collection. Must match the embedding gateway's output dimension.
	VectorSize uint64
	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index backed by a Qdrant instance.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    *QdrantConfig
}

// NewQdrantIndex creates a QdrantIndex, ensuring the target collection
// exists (creating it with cosine distance if necessary).
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection if it does not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", q.cfg.Collection, err)
	}
	return nil
}

// Upsert writes records to the collection, waiting for the write to be
// applied so a successful return means the records are searchable. The
// whole batch is validated before any network call.
func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ChunkID),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldScopeID:  r.Payload.ScopeID,
				fieldSourceID: r.Payload.SourceID,
				fieldOrdinal:  int64(r.Payload.Ordinal),
				fieldText:     r.Payload.Text,
			}),
		})
	}

	wait := true
	err := q.retry(ctx, func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.cfg.Collection,
			Points:         points,
			Wait:           &wait,
		})
		return err
	})
	if err != nil {
		return wrapFailure("upsert", err)
	}
	return nil
}

// Search performs a cosine similarity search restricted to scopeID. The
// scope filter is applied server-side; returned payloads are verified
// client-side as well, and any mismatch hard-fails with ErrScopeViolation.
func (q *QdrantIndex) Search(ctx context.Context, queryVector []float32, scopeID string, topK int) ([]Match, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("qdrant: search without scope filter: %w", ErrScopeViolation)
	}
	if topK <= 0 {
		topK = 5
	}

	limit := uint64(topK)
	var results []*qdrant.ScoredPoint
	err := q.retry(ctx, func() error {
		var err error
		results, err = q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.cfg.Collection,
			Query:          qdrant.NewQuery(queryVector...),
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{
					qdrant.NewMatch(fieldScopeID, scopeID),
				},
			},
			Limit:       &limit,
			WithPayload: qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return nil, wrapFailure("search", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		m := Match{
			ChunkID: r.Id.GetUuid(),
			Score:   r.Score,
		}
		if p := r.Payload; p != nil {
			m.Payload = Payload{
				ScopeID:  p[fieldScopeID].GetStringValue(),
				SourceID: p[fieldSourceID].GetStringValue(),
				Ordinal:  int(p[fieldOrdinal].GetIntegerValue()),
				Text:     p[fieldText].GetStringValue(),
			}
		}
		matches = append(matches, m)
	}

	if err := checkScope(matches, scopeID); err != nil {
		return nil, err
	}
	sortMatches(matches)
	return matches, nil
}

// DeleteSource removes all records for (scopeID, sourceID) via a payload
// filter delete, so a deleted source leaves no orphan vectors.
func (q *QdrantIndex) DeleteSource(ctx context.Context, scopeID, sourceID string) error {
	if scopeID == "" {
		return fmt.Errorf("qdrant: delete without scope filter: %w", ErrScopeViolation)
	}

	err := q.retry(ctx, func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.cfg.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							qdrant.NewMatch(fieldScopeID, scopeID),
							qdrant.NewMatch(fieldSourceID, sourceID),
						},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		return wrapFailure("delete", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// Client exposes the underlying Qdrant client for health probing.
func (q *QdrantIndex) Client() *qdrant.Client {
	return q.client
}

// retry runs op with bounded exponential backoff. Context cancellation and
// permanent rejections abort the retry loop immediately.
func (q *QdrantIndex) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && permanentFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, qdrantMaxRetries), ctx))
}

// permanentFailure reports whether err is a gRPC status that retrying
// cannot fix, such as a vector dimension mismatch (InvalidArgument) or a
// missing collection (NotFound).
func permanentFailure(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated,
		codes.FailedPrecondition, codes.Unimplemented:
		return true
	}
	return false
}

// wrapFailure maps a failed Qdrant call into the package error taxonomy:
// transient failures carry ErrIndexUnavailable so callers may retry or
// degrade, permanent rejections do not.
func wrapFailure(op string, err error) error {
	if permanentFailure(err) {
		return fmt.Errorf("qdrant: %s rejected: %w", op, err)
	}
	return fmt.Errorf("qdrant: %s failed: %w: %w", op, err, ErrIndexUnavailable)
}
