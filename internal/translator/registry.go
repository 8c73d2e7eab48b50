package translator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sitesync/sitesync/internal/history"
)

var (
	// ErrDependencyCycle is returned by NewRegistry when pull dependencies
	// form a cycle.
	ErrDependencyCycle = errors.New("translator dependency cycle")

	// ErrUnknownDependency is returned when a translator depends on a table
	// no registered translator handles.
	ErrUnknownDependency = errors.New("unknown translator dependency")

	// ErrDuplicateTranslator is returned when two translators claim the
	// same table.
	ErrDuplicateTranslator = errors.New("duplicate translator")
)

// Options configures the default translator set.
type Options struct {
	// Merger resolves diverged document heads. Nil selects LatestWins.
	Merger history.Merger
}

// All returns every translator, in registration order. The list is
// explicit so the dependency graph can be read from source.
func All(opts Options) []Translator {
	return []Translator{
		NewUnitTranslator(),
		NewItemTranslator(),
		NewNameTranslator(),
		NewStoreTranslator(),
		NewNameStoreJoinTranslator(),
		NewLocationTranslator(),
		NewStockLineTranslator(),
		NewRequisitionTranslator(),
		NewRequisitionLineTranslator(),
		NewDocumentTranslator(opts.Merger),
	}
}

// Registry holds the translators of a site, ordered for pull.
type Registry struct {
	byTable     map[string]Translator
	byChangelog map[string][]Translator
	order       []Translator
}

// NewRegistry validates translators and orders them so every table comes
// after its pull dependencies (Kahn's algorithm). Duplicate tables, unknown
// dependencies and cycles are errors.
func NewRegistry(translators ...Translator) (*Registry, error) {
	r := &Registry{
		byTable:     make(map[string]Translator, len(translators)),
		byChangelog: make(map[string][]Translator),
	}
	for _, t := range translators {
		name := t.TableName()
		if _, exists := r.byTable[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTranslator, name)
		}
		r.byTable[name] = t
		if table := t.ChangelogTable(); table != "" && t.PushEnabled() {
			r.byChangelog[table] = append(r.byChangelog[table], t)
		}
	}

	remaining := make(map[string]int, len(translators))
	dependents := make(map[string][]string)
	for _, t := range translators {
		seen := map[string]struct{}{}
		for _, dep := range t.PullDependencies() {
			if _, ok := r.byTable[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.TableName(), dep)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			remaining[t.TableName()]++
			dependents[dep] = append(dependents[dep], t.TableName())
		}
	}

	var queue []string
	for _, t := range translators {
		if remaining[t.TableName()] == 0 {
			queue = append(queue, t.TableName())
		}
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		r.order = append(r.order, r.byTable[name])

		for _, dep := range dependents[name] {
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(r.order) != len(translators) {
		var stuck []string
		for name, n := range remaining {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w among tables %v", ErrDependencyCycle, stuck)
	}
	return r, nil
}

// PullOrder returns table names in integration order.
func (r *Registry) PullOrder() []string {
	names := make([]string, len(r.order))
	for i, t := range r.order {
		names[i] = t.TableName()
	}
	return names
}

// Translators returns the translators in integration order.
func (r *Registry) Translators() []Translator {
	return append([]Translator(nil), r.order...)
}

// Get returns the translator of a legacy table.
func (r *Registry) Get(table string) (Translator, bool) {
	t, ok := r.byTable[table]
	return t, ok
}

// ForChangelog returns the push-enabled translators of a domain table.
func (r *Registry) ForChangelog(table string) []Translator {
	return r.byChangelog[table]
}
