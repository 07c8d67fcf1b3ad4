package yamltree

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Node is one addressable value in a Tree. The parent is kept as an index
// into the owning tree rather than a pointer.
type Node struct {
	tree      *Tree
	idx       int
	parent    int
	children  []int
	kind      Kind
	uuid      string
	path      string
	fieldName string
	value     *yaml.Node
}

// UUID returns the node identifier. Mappings carry an injected identifier;
// sequences and scalars get one derived from their enclosing mapping.
func (n *Node) UUID() string { return n.uuid }

// Path returns the slash path of the node.
func (n *Node) Path() string { return n.path }

// FieldName returns the mapping key the node sits under. Sequence items
// report the key of their enclosing sequence.
func (n *Node) FieldName() string { return n.fieldName }

// Kind returns the shape of the node.
func (n *Node) Kind() Kind { return n.kind }

// Line returns the 1-based source line.
func (n *Node) Line() int { return n.value.Line }

// Value returns the scalar text, or "" for collections.
func (n *Node) Value() string {
	if n.kind != KindScalar {
		return ""
	}
	return n.value.Value
}

// Parent returns the enclosing node, or nil for the root.
func (n *Node) Parent() *Node {
	if n.parent < 0 {
		return nil
	}
	return n.tree.nodes[n.parent]
}

// Tree returns the tree that owns the node.
func (n *Node) Tree() *Tree { return n.tree }

// Field returns the child stored under name in a mapping node.
func (n *Node) Field(name string) (*Node, error) {
	if n.kind == KindMapping {
		for _, c := range n.children {
			child := n.tree.nodes[c]
			if child.fieldName == name {
				return child, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, joinPath(n.path, name))
}

// HasField reports whether a mapping node has the named field.
func (n *Node) HasField(name string) bool {
	_, err := n.Field(name)
	return err == nil
}

// StringField returns the scalar text of a field, or "" when absent.
func (n *Node) StringField(name string) string {
	f, err := n.Field(name)
	if err != nil {
		return ""
	}
	return f.Value()
}

// Fields returns the children of a mapping node in document order.
func (n *Node) Fields() []*Node {
	if n.kind != KindMapping {
		return nil
	}
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, n.tree.nodes[c])
	}
	return out
}

// AsArray returns the items of a sequence node.
func (n *Node) AsArray() ([]*Node, error) {
	if n.kind != KindSequence {
		return nil, fmt.Errorf("node at %q is not a sequence", n.path)
	}
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, n.tree.nodes[c])
	}
	return out, nil
}

// Decode decodes the node's value into v using yaml struct tags.
func (n *Node) Decode(v interface{}) error {
	if err := n.value.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", n.path, err)
	}
	return nil
}

// YAML returns the node's value as YAML text.
func (n *Node) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n.value); err != nil {
		return "", fmt.Errorf("failed to encode %q: %w", n.path, err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WithScalarField returns the YAML text of a mapping node with name set to
// value. Existing fields keep their order; a new field is appended.
func (n *Node) WithScalarField(name, value string) (string, error) {
	if n.kind != KindMapping {
		return "", fmt.Errorf("node at %q is not a mapping", n.path)
	}
	cp := *n.value
	cp.Content = make([]*yaml.Node, 0, len(n.value.Content)+2)
	replaced := false
	for i := 0; i+1 < len(n.value.Content); i += 2 {
		key, val := n.value.Content[i], n.value.Content[i+1]
		if key.Value == name {
			val = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
			replaced = true
		}
		cp.Content = append(cp.Content, key, val)
	}
	if !replaced {
		cp.Content = append(cp.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&cp); err != nil {
		return "", fmt.Errorf("failed to encode %q: %w", n.path, err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
