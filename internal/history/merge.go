package history

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sitesync/sitesync/internal/domain"
)

// MergeAuthor is the author recorded on revisions created by ResolveHead.
const MergeAuthor = "sitesync-merge"

// mergeNamespace seeds the ids of merge revisions.
var mergeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("sitesync:document-merge"))

// MergeID is the id of the revision merging parents. It depends only on the
// set of parents, so every site merging the same fork builds the same
// revision.
func MergeID(parents ...string) string {
	sorted := slices.Clone(parents)
	slices.Sort(sorted)
	return uuid.NewSHA1(mergeNamespace, []byte(strings.Join(sorted, ","))).String()
}

// Store is the document storage ResolveHead and the mergers read from.
type Store interface {
	Source

	// Head returns the current head revision id of a document name.
	Head(ctx context.Context, name string) (string, bool, error)

	// Document returns a full revision, or an error wrapping ErrNotFound.
	Document(ctx context.Context, id string) (*domain.Document, error)

	// NameHistory returns every stored revision of a document name.
	NameHistory(ctx context.Context, name string) ([]AncestorDetail, error)
}

// Merger combines the data of two diverged heads given their merge base.
// Resolving conflicting field edits is entirely up to the implementation.
type Merger interface {
	Merge(ctx context.Context, s Store, base, ours, theirs *domain.Document) (json.RawMessage, error)
}

// ResolutionKind says how ResolveHead moved the head.
type ResolutionKind string

const (
	// ResolutionInitial: the name had no head; the incoming revision is it.
	ResolutionInitial ResolutionKind = "initial"
	// ResolutionUnchanged: the incoming revision is already part of the head's history.
	ResolutionUnchanged ResolutionKind = "unchanged"
	// ResolutionFastForward: the head is an ancestor of the incoming revision.
	ResolutionFastForward ResolutionKind = "fast-forward"
	// ResolutionMerged: the histories diverged and a merge revision was built.
	ResolutionMerged ResolutionKind = "merged"
)

// Resolution is the outcome of ResolveHead.
type Resolution struct {
	Kind ResolutionKind
	// Head is the id the name's head pointer should hold.
	Head string
	// Base is the common ancestor, set for merges.
	Base string
	// Merged is the new merge revision to store, set for merges.
	Merged *domain.Document
}

// ResolveHead decides the new head of incoming.Name after incoming has been
// stored. It does not write anything; the caller stores Merged (if any) and
// the head pointer in one transaction.
func ResolveHead(ctx context.Context, s Store, incoming *domain.Document, merger Merger) (Resolution, error) {
	head, ok, err := s.Head(ctx, incoming.Name)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return Resolution{Kind: ResolutionInitial, Head: incoming.ID}, nil
	}
	if head == incoming.ID {
		return Resolution{Kind: ResolutionUnchanged, Head: head}, nil
	}

	headAncestors, err := Ancestors(ctx, s, head)
	if err != nil {
		return Resolution{}, err
	}
	if _, ok := headAncestors[incoming.ID]; ok {
		return Resolution{Kind: ResolutionUnchanged, Head: head}, nil
	}

	incomingAncestors, err := Ancestors(ctx, s, incoming.ID)
	if err != nil {
		return Resolution{}, err
	}
	if _, ok := incomingAncestors[head]; ok {
		return Resolution{Kind: ResolutionFastForward, Head: incoming.ID}, nil
	}

	base, err := CommonAncestor(ctx, s, head, incoming.ID)
	if err != nil {
		return Resolution{}, err
	}

	ours, err := s.Document(ctx, head)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load head %s: %w", head, err)
	}
	baseDoc, err := s.Document(ctx, base)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load merge base %s: %w", base, err)
	}

	if merger == nil {
		merger = LatestWins{}
	}
	// The other site sees the same fork with the heads swapped; ordering
	// them by id gives both the same merge revision.
	first, second := ours, incoming
	if second.ID < first.ID {
		first, second = second, first
	}
	data, err := merger.Merge(ctx, s, baseDoc, first, second)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to merge %s into %s: %w", incoming.ID, head, err)
	}

	ts := first.Timestamp
	if second.Timestamp.After(ts) {
		ts = second.Timestamp
	}
	merged := &domain.Document{
		ID:        MergeID(first.ID, second.ID),
		Name:      incoming.Name,
		ParentIDs: []string{first.ID, second.ID},
		Author:    MergeAuthor,
		Timestamp: ts.UTC().Add(time.Millisecond),
		Type:      first.Type,
		Data:      data,
		SchemaID:  first.SchemaID,
	}
	return Resolution{Kind: ResolutionMerged, Head: merged.ID, Base: base, Merged: merged}, nil
}

// LatestWins keeps the data of the later of the two heads. Equal timestamps
// are broken by the larger id.
type LatestWins struct{}

// Merge implements Merger.
func (LatestWins) Merge(_ context.Context, _ Store, _, ours, theirs *domain.Document) (json.RawMessage, error) {
	if c := ours.Timestamp.Compare(theirs.Timestamp); c > 0 || (c == 0 && ours.ID > theirs.ID) {
		return ours.Data, nil
	}
	return theirs.Data, nil
}

// ReplayMerger replays the top-level field edits of both branches since the
// merge base onto the base data, oldest edit first. When two edits touch the
// same field the one replayed last wins.
//
// Documents whose data is not a JSON object fall back to LatestWins.
type ReplayMerger struct{}

// Merge implements Merger.
func (ReplayMerger) Merge(ctx context.Context, s Store, base, ours, theirs *domain.Document) (json.RawMessage, error) {
	merged, ok := decodeObject(base.Data)
	if !ok {
		return LatestWins{}.Merge(ctx, s, base, ours, theirs)
	}

	items, err := s.NameHistory(ctx, ours.Name)
	if err != nil {
		return nil, err
	}

	baseAncestors, err := Ancestors(ctx, s, base.ID)
	if err != nil {
		return nil, err
	}

	// Revisions on either branch that are not already part of the base.
	var branch []AncestorDetail
	seen := map[string]struct{}{}
	for _, head := range []string{ours.ID, theirs.ID} {
		tree, err := ExtractReachableTree(head, items)
		if err != nil {
			return nil, err
		}
		for _, it := range tree {
			if _, inBase := baseAncestors[it.ID]; inBase {
				continue
			}
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			branch = append(branch, it)
		}
	}
	// Newest first, so that reversing the child-first order below replays
	// independent edits oldest first.
	slices.SortFunc(branch, func(a, b AncestorDetail) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	ordered, err := TopologicalOrder(branch)
	if err != nil {
		return nil, err
	}
	slices.Reverse(ordered)

	for _, it := range ordered {
		doc, err := s.Document(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		fields, ok := decodeObject(doc.Data)
		if !ok {
			return LatestWins{}.Merge(ctx, s, base, ours, theirs)
		}
		before := map[string]any{}
		if len(doc.ParentIDs) > 0 {
			parent, err := s.Document(ctx, doc.ParentIDs[0])
			if err != nil {
				return nil, err
			}
			before, _ = decodeObject(parent.Data)
		}
		applyEdits(merged, before, fields)
	}

	return json.Marshal(merged)
}

// applyEdits copies into dst the fields that changed between before and after.
func applyEdits(dst, before, after map[string]any) {
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			dst[k] = v
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			delete(dst, k)
		}
	}
}

func decodeObject(data json.RawMessage) (map[string]any, bool) {
	if len(data) == 0 {
		return map[string]any{}, true
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}
