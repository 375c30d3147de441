package index

import (
	"context"
	"math"
	"sync"
)

// MemoryIndex is an in-memory Index implementation using exact cosine
// similarity. It exists for tests and for running without a Qdrant
// instance; it applies the same scope filtering rules as QdrantIndex.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

// Upsert stores records keyed by chunk ID, replacing existing entries.
func (m *MemoryIndex) Upsert(_ context.Context, records []Record) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		r.Vector = vec
		m.records[r.ChunkID] = r
	}
	return nil
}

// Search returns the topK records in scopeID ranked by cosine similarity.
func (m *MemoryIndex) Search(_ context.Context, queryVector []float32, scopeID string, topK int) ([]Match, error) {
	if scopeID == "" {
		return nil, ErrScopeViolation
	}
	if topK <= 0 {
		topK = 5
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, topK)
	for id, r := range m.records {
		if r.Payload.ScopeID != scopeID {
			continue
		}
		matches = append(matches, Match{
			ChunkID: id,
			Score:   cosine(queryVector, r.Vector),
			Payload: r.Payload,
		})
	}
	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteSource removes every record belonging to (scopeID, sourceID).
func (m *MemoryIndex) DeleteSource(_ context.Context, scopeID, sourceID string) error {
	if scopeID == "" {
		return ErrScopeViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Payload.ScopeID == scopeID && r.Payload.SourceID == sourceID {
			delete(m.records, id)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// Len reports the number of stored records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
