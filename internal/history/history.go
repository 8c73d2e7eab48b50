// Package history implements merge-base search over document revision DAGs.
//
// Documents are immutable revisions linked by parent ids. When the same
// document is edited at two disconnected sites the two heads diverge, and
// combining them needs:
//
//   - CommonAncestor: the most recent revision reachable from both heads
//   - ExtractReachableTree: the subset of a flat history reachable from a head
//   - TopologicalOrder: revisions ordered so every child precedes its parents
//
// All walks are iterative, so arbitrarily deep histories are safe.
//
// ResolveHead combines these to advance the head pointer of a document name
// when a new revision arrives, delegating the field-level merge of diverged
// heads to a Merger.
package history

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Source for an unknown revision id.
	ErrNotFound = errors.New("revision not found")

	// ErrCorruptedHistory means a revision references a parent that does
	// not exist.
	ErrCorruptedHistory = errors.New("corrupted history")

	// ErrNoCommonAncestor means the two revisions share no history.
	ErrNoCommonAncestor = errors.New("no common ancestor")

	// ErrCycle means the parent links form a cycle.
	ErrCycle = errors.New("cycle in document history")
)

// AncestorDetail is the projection of a revision used for ancestor search.
type AncestorDetail struct {
	ID        string
	ParentIDs []string
	Timestamp time.Time
}

// Source looks up revisions by id. Implementations return an error wrapping
// ErrNotFound for unknown ids.
type Source interface {
	AncestorDetail(ctx context.Context, id string) (AncestorDetail, error)
}

// MapSource is an in-memory Source.
type MapSource map[string]AncestorDetail

// NewMapSource indexes items by id.
func NewMapSource(items []AncestorDetail) MapSource {
	m := make(MapSource, len(items))
	for _, it := range items {
		m[it.ID] = it
	}
	return m
}

// AncestorDetail implements Source.
func (m MapSource) AncestorDetail(_ context.Context, id string) (AncestorDetail, error) {
	d, ok := m[id]
	if !ok {
		return AncestorDetail{}, ErrNotFound
	}
	return d, nil
}
