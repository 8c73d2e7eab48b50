package history

import "fmt"

// ExtractReachableTree returns exactly the items reachable from head by
// following parent ids, in discovery order. Items not reachable from head
// are dropped; a revision reached along several paths appears once.
func ExtractReachableTree(head string, items []AncestorDetail) ([]AncestorDetail, error) {
	index := make(map[string]AncestorDetail, len(items))
	for _, it := range items {
		index[it.ID] = it
	}

	root, ok := index[head]
	if !ok {
		return nil, fmt.Errorf("%w: head %s", ErrNotFound, head)
	}

	seen := map[string]struct{}{head: {}}
	result := []AncestorDetail{root}
	queue := []AncestorDetail{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, p := range current.ParentIDs {
			if _, ok := seen[p]; ok {
				continue
			}
			parent, ok := index[p]
			if !ok {
				return nil, fmt.Errorf("%w: %s references missing parent %s", ErrCorruptedHistory, current.ID, p)
			}
			seen[p] = struct{}{}
			result = append(result, parent)
			queue = append(queue, parent)
		}
	}
	return result, nil
}

// TopologicalOrder orders items so that every child comes before each of its
// parents.
//
// Each item is keyed on the number of not yet emitted children that name it
// as a parent; items whose count reaches zero are emitted. Parent ids that
// are not part of items are ignored. Sibling order follows input order.
func TopologicalOrder(items []AncestorDetail) ([]AncestorDetail, error) {
	index := make(map[string]AncestorDetail, len(items))
	var ids []string
	for _, it := range items {
		if _, dup := index[it.ID]; dup {
			continue
		}
		index[it.ID] = it
		ids = append(ids, it.ID)
	}

	children := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, p := range index[id].ParentIDs {
			if _, ok := index[p]; ok {
				children[p]++
			}
		}
	}

	var queue []string
	for _, id := range ids {
		if children[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]AncestorDetail, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		item := index[id]
		result = append(result, item)

		for _, p := range item.ParentIDs {
			if _, ok := index[p]; !ok {
				continue
			}
			children[p]--
			if children[p] == 0 {
				queue = append(queue, p)
			}
		}
	}

	if len(result) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if children[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: unresolved revisions %v", ErrCycle, stuck)
	}
	return result, nil
}
