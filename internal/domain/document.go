package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is one immutable revision of a named document.
//
// A document's history is a DAG: each edit references the head(s) its author
// knew about through ParentIDs, and a merge revision references two or more
// parents. Revisions are never updated or deleted; the current head of each
// name is tracked separately.
type Document struct {
	ID        string
	Name      string
	ParentIDs []string
	Author    string
	Timestamp time.Time
	Type      string
	Data      json.RawMessage
	SchemaID  *string
}

// Validate checks that the revision is well formed.
func (d *Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	for _, p := range d.ParentIDs {
		if p == d.ID {
			return fmt.Errorf("document %s lists itself as a parent", d.ID)
		}
	}
	if len(d.Data) > 0 && !json.Valid(d.Data) {
		return fmt.Errorf("data is not valid JSON")
	}
	return nil
}
