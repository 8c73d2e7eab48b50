package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Ancestors returns the ids of every revision reachable from id, including
// id itself. A missing parent is reported as ErrCorruptedHistory.
func Ancestors(ctx context.Context, src Source, id string) (map[string]struct{}, error) {
	start, err := src.AncestorDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", id, err)
	}

	seen := map[string]struct{}{id: {}}
	stack := []AncestorDetail{start}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, p := range current.ParentIDs {
			if _, ok := seen[p]; ok {
				continue
			}
			parent, err := loadParent(ctx, src, p, current.ID)
			if err != nil {
				return nil, err
			}
			seen[p] = struct{}{}
			stack = append(stack, parent)
		}
	}
	return seen, nil
}

// CommonAncestor returns the most recent revision reachable from both v1
// and v2.
//
// The ancestor set of v1 is collected first. Then v2's history is walked
// with a worklist kept in descending timestamp order (ties by ascending id),
// so the first candidate found in v1's set is the most recent shared one.
func CommonAncestor(ctx context.Context, src Source, v1, v2 string) (string, error) {
	ancestors, err := Ancestors(ctx, src, v1)
	if err != nil {
		return "", err
	}

	start, err := src.AncestorDetail(ctx, v2)
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %w", v2, err)
	}

	queued := map[string]struct{}{v2: {}}
	worklist := []AncestorDetail{start}
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		candidate := worklist[0]
		worklist = worklist[1:]
		if _, ok := ancestors[candidate.ID]; ok {
			return candidate.ID, nil
		}

		for _, p := range candidate.ParentIDs {
			if _, ok := queued[p]; ok {
				continue
			}
			parent, err := loadParent(ctx, src, p, candidate.ID)
			if err != nil {
				return "", err
			}
			queued[p] = struct{}{}
			worklist = append(worklist, parent)
		}
		slices.SortFunc(worklist, newestFirst)
	}

	return "", fmt.Errorf("%w: %s and %s", ErrNoCommonAncestor, v1, v2)
}

// loadParent fetches a revision referenced by child. A missing revision
// means the history is corrupted.
func loadParent(ctx context.Context, src Source, id, child string) (AncestorDetail, error) {
	d, err := src.AncestorDetail(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return AncestorDetail{}, fmt.Errorf("%w: %s references missing parent %s", ErrCorruptedHistory, child, id)
	}
	if err != nil {
		return AncestorDetail{}, fmt.Errorf("failed to load %s: %w", id, err)
	}
	return d, nil
}

func newestFirst(a, b AncestorDetail) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
