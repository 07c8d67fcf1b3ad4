package plan

import "fmt"

// CreationResponse is the output of one creator invocation.
type CreationResponse struct {
	Nodes          map[string]*Node
	Dependencies   *Dependencies
	YamlUpdates    map[string]string
	StartingNodeID string
	Layout         map[string]LayoutNode
}

// NewCreationResponse returns an empty response.
func NewCreationResponse() *CreationResponse {
	return &CreationResponse{
		Nodes:        make(map[string]*Node),
		Dependencies: NewDependencies(),
		YamlUpdates:  make(map[string]string),
		Layout:       make(map[string]LayoutNode),
	}
}

// AddNode adds a plan node.
func (r *CreationResponse) AddNode(n *Node) {
	if r.Nodes == nil {
		r.Nodes = make(map[string]*Node)
	}
	r.Nodes[n.ID] = n
}

// AddDependency records a sub-tree to compile later.
func (r *CreationResponse) AddDependency(id, path string) {
	if r.Dependencies == nil {
		r.Dependencies = NewDependencies()
	}
	r.Dependencies.Add(id, path)
}

// AddYamlUpdate records a document mutation.
func (r *CreationResponse) AddYamlUpdate(path, text string) {
	if r.YamlUpdates == nil {
		r.YamlUpdates = make(map[string]string)
	}
	r.YamlUpdates[path] = text
}

// AddLayout records a layout node.
func (r *CreationResponse) AddLayout(id string, ln LayoutNode) {
	if r.Layout == nil {
		r.Layout = make(map[string]LayoutNode)
	}
	r.Layout[id] = ln
}

// Merge folds other into r. Nodes and layout ids must not collide, and the
// same path may not be updated twice with different text. Dependencies are not
// merged; the driver resolves them per response.
func (r *CreationResponse) Merge(other *CreationResponse) error {
	if other == nil {
		return nil
	}
	for id, n := range other.Nodes {
		if _, dup := r.Nodes[id]; dup {
			return fmt.Errorf("duplicate plan node %s", id)
		}
		r.AddNode(n)
	}
	for path, text := range other.YamlUpdates {
		if existing, dup := r.YamlUpdates[path]; dup && existing != text {
			return fmt.Errorf("conflicting document updates for %s", path)
		}
		r.AddYamlUpdate(path, text)
	}
	for id, ln := range other.Layout {
		if _, dup := r.Layout[id]; dup {
			return fmt.Errorf("duplicate layout node %s", id)
		}
		r.AddLayout(id, ln)
	}
	if r.StartingNodeID == "" {
		r.StartingNodeID = other.StartingNodeID
	}
	return nil
}
