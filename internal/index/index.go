// Package index defines the scoped vector index abstraction used for
// semantic retrieval: upsert of embedded chunks, similarity search filtered
// by owner/course scope, and per-source deletion. The Qdrant implementation
// is the production backend; Memory backs tests.
//
// Scope isolation is a hard security property here, not a convenience
// filter: every search carries a mandatory scope filter, and any record
// that comes back outside that scope fails the call with ErrScopeViolation.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrIndexUnavailable indicates the vector index could not be reached after
// retry exhaustion. Ingestion treats this as retryable; retrieval degrades
// to answering without course context. Check with errors.Is.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// ErrScopeViolation indicates an attempt to read or write outside the
// caller's authorized scope. This is always a hard failure.
var ErrScopeViolation = errors.New("scope violation")

// Payload is the fixed tagged record attached to every vector. It is
// validated at the index boundary; open-ended metadata maps are not
// accepted.
type Payload struct {
	// ScopeID is the owner/course isolation boundary the record belongs to.
	ScopeID string
	// SourceID identifies the ingested source the chunk came from.
	SourceID string
	// Ordinal is the chunk's zero-based position within its source.
	Ordinal int
	// Text is the chunk text, stored alongside the vector so retrieval
	// does not need a second round trip to the relational store.
	Text string
}

// Validate reports whether the payload is well-formed for indexing.
func (p Payload) Validate() error {
	if p.ScopeID == "" {
		return fmt.Errorf("index: payload missing scope id: %w", ErrScopeViolation)
	}
	if p.SourceID == "" {
		return errors.New("index: payload missing source id")
	}
	if p.Ordinal < 0 {
		return fmt.Errorf("index: payload ordinal %d is negative", p.Ordinal)
	}
	return nil
}

// Record is one (chunk id, vector, payload) triple to upsert.
type Record struct {
	// ChunkID is the deterministic chunk identifier (UUID form, derived
	// from source id + ordinal). Writes are keyed by it, so re-ingestion
	// overwrites rather than duplicates.
	ChunkID string
	// Vector is the embedding for the chunk text.
	Vector []float32
	// Payload is the tagged scope/source/ordinal record.
	Payload Payload
}

// Match is one similarity search result.
type Match struct {
	// ChunkID is the matched chunk's identifier.
	ChunkID string
	// Score is the cosine similarity assigned by the index.
	Score float32
	// Payload is the stored tagged record for the chunk.
	Payload Payload
}

// Index is the scoped vector collection store. Implementations must be safe
// for concurrent use; concurrent upserts for different sources never collide
// because writes are keyed by chunk id.
type Index interface {
	// Upsert stores or overwrites the given records. Every payload is
	// validated; a single invalid record fails the whole batch before any
	// write happens.
	Upsert(ctx context.Context, records []Record) error

	// Search returns up to topK matches for queryVector restricted to
	// scopeID, ordered by descending score with ties broken by ascending
	// ordinal. An empty scopeID is a scope violation, never an unscoped
	// search.
	Search(ctx context.Context, queryVector []float32, scopeID string, topK int) ([]Match, error)

	// DeleteSource removes every record belonging to (scopeID, sourceID),
	// leaving no orphan vectors behind a deleted source.
	DeleteSource(ctx context.Context, scopeID, sourceID string) error

	// Close releases any resources held by the index.
	Close() error
}

// validateRecords checks every record's payload up front so a batch is
// rejected whole rather than partially written.
func validateRecords(records []Record) error {
	for i, r := range records {
		if r.ChunkID == "" {
			return fmt.Errorf("index: record %d missing chunk id", i)
		}
		if len(r.Vector) == 0 {
			return fmt.Errorf("index: record %d has empty vector", i)
		}
		if err := r.Payload.Validate(); err != nil {
			return fmt.Errorf("index: record %d: %w", i, err)
		}
	}
	return nil
}

// sortMatches orders matches by descending score, breaking score ties by
// ascending chunk ordinal so results are stable and reproducible.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Payload.Ordinal < matches[j].Payload.Ordinal
	})
}

// checkScope verifies that every returned match belongs to the requested
// scope. A mismatch means the collection or filter is misconfigured and the
// call must hard-fail rather than leak another learner's material.
func checkScope(matches []Match, scopeID string) error {
	for _, m := range matches {
		if m.Payload.ScopeID != scopeID {
			return fmt.Errorf("index: search returned record in scope %q, requested %q: %w",
				m.Payload.ScopeID, scopeID, ErrScopeViolation)
		}
	}
	return nil
}
