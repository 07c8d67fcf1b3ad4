package plan

import (
	"encoding/json"
	"fmt"
)

// Dependencies maps document node identifiers to their paths for sub-trees
// not compiled yet. Insertion order is kept so parent passes see children in
// document order. An empty set means the branch is fully compiled.
type Dependencies struct {
	ids   []string
	paths map[string]string
}

// NewDependencies returns an empty set.
func NewDependencies() *Dependencies {
	return &Dependencies{paths: make(map[string]string)}
}

// Add records a dependency. Re-adding a known id is ignored.
func (d *Dependencies) Add(id, path string) {
	if d.paths == nil {
		d.paths = make(map[string]string)
	}
	if _, ok := d.paths[id]; ok {
		return
	}
	d.ids = append(d.ids, id)
	d.paths[id] = path
}

// Len returns the number of dependencies.
func (d *Dependencies) Len() int {
	if d == nil {
		return 0
	}
	return len(d.ids)
}

// IsEmpty reports whether nothing remains to compile.
func (d *Dependencies) IsEmpty() bool {
	return d.Len() == 0
}

// IDs returns the identifiers in insertion order.
func (d *Dependencies) IDs() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.ids...)
}

// Path returns the document path for id.
func (d *Dependencies) Path(id string) (string, bool) {
	if d == nil {
		return "", false
	}
	p, ok := d.paths[id]
	return p, ok
}

type dependencyPayload struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// MarshalJSON encodes the set as an ordered list.
func (d *Dependencies) MarshalJSON() ([]byte, error) {
	out := make([]dependencyPayload, 0, d.Len())
	if d != nil {
		for _, id := range d.ids {
			out = append(out, dependencyPayload{ID: id, Path: d.paths[id]})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an ordered list.
func (d *Dependencies) UnmarshalJSON(raw []byte) error {
	var in []dependencyPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("failed to decode dependencies: %w", err)
	}
	*d = Dependencies{paths: make(map[string]string, len(in))}
	for _, p := range in {
		d.Add(p.ID, p.Path)
	}
	return nil
}
