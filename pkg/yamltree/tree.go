// Package yamltree models a pipeline definition as an immutable tree of
// addressable nodes. Every mapping node carries a stable identifier stored
// under the "__uuid" key, so identifiers survive a marshal/parse round trip.
package yamltree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// UUIDKey is the mapping key holding a node's identifier.
const UUIDKey = "__uuid"

// ErrFieldNotFound is returned when a path or field does not exist in the tree.
var ErrFieldNotFound = errors.New("field not found")

// ParseError reports that the document text could not be turned into a tree.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("yaml parse error at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("yaml parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Kind is the shape of a node's value.
type Kind int

const (
	KindScalar Kind = iota
	KindMapping
	KindSequence
)

// Tree is a parsed document. It is never mutated after Parse returns, so it
// may be read from many goroutines.
type Tree struct {
	doc    *yaml.Node
	nodes  []*Node
	byPath map[string]int
	byUUID map[string]int
}

// Parse parses text and injects an identifier into every mapping node that
// lacks one. Parsing already annotated text keeps its identifiers.
func Parse(text []byte) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &ParseError{Err: errors.New("empty document")}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{Line: root.Line, Err: errors.New("document root must be a mapping")}
	}

	t := &Tree{
		doc:    &doc,
		byPath: make(map[string]int),
		byUUID: make(map[string]int),
	}
	if err := t.index(root, "", "", -1); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) index(value *yaml.Node, path, fieldName string, parent int) error {
	n := &Node{
		tree:      t,
		idx:       len(t.nodes),
		parent:    parent,
		path:      path,
		fieldName: fieldName,
		value:     value,
	}

	switch value.Kind {
	case yaml.AliasNode:
		return &ParseError{Line: value.Line, Err: fmt.Errorf("aliases are not supported at %q", path)}
	case yaml.MappingNode:
		n.kind = KindMapping
		n.uuid = ensureUUID(value)
		if prev, dup := t.byUUID[n.uuid]; dup {
			return &ParseError{Line: value.Line, Err: fmt.Errorf("duplicate %s %q at %q and %q", UUIDKey, n.uuid, t.nodes[prev].path, path)}
		}
		t.byUUID[n.uuid] = n.idx
	case yaml.SequenceNode:
		n.kind = KindSequence
		n.uuid = t.derivedUUID(parent, path)
	default:
		n.kind = KindScalar
		n.uuid = t.derivedUUID(parent, path)
	}
	if n.kind != KindMapping {
		if prev, dup := t.byUUID[n.uuid]; dup {
			return &ParseError{Line: value.Line, Err: fmt.Errorf("identifier collision at %q and %q", t.nodes[prev].path, path)}
		}
		t.byUUID[n.uuid] = n.idx
	}

	t.nodes = append(t.nodes, n)
	t.byPath[path] = n.idx

	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			if key == UUIDKey {
				continue
			}
			n.children = append(n.children, len(t.nodes))
			if err := t.index(value.Content[i+1], joinPath(path, key), key, n.idx); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, item := range value.Content {
			n.children = append(n.children, len(t.nodes))
			if err := t.index(item, joinPath(path, "["+strconv.Itoa(i)+"]"), fieldName, n.idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// ensureUUID returns the mapping's identifier. An empty one is filled in
// place and a missing one is appended.
func ensureUUID(m *yaml.Node) string {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != UUIDKey {
			continue
		}
		v := m.Content[i+1]
		if v.Value == "" || v.ShortTag() == "!!null" {
			v.Kind, v.Tag, v.Style, v.Value = yaml.ScalarNode, "!!str", 0, uuid.NewString()
		}
		return v.Value
	}
	id := uuid.NewString()
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: UUIDKey},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: id},
	)
	return id
}

// derivedUUID names a sequence or scalar node after its nearest enclosing
// mapping, so the identifier is stable whenever the mapping's is.
func (t *Tree) derivedUUID(parent int, path string) string {
	for p := parent; p >= 0; p = t.nodes[p].parent {
		anchor := t.nodes[p]
		if anchor.kind == KindMapping {
			rel := strings.TrimPrefix(path, anchor.path)
			return uuid.NewSHA1(uuid.NameSpaceOID, []byte(anchor.uuid+":"+rel)).String()
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(path)).String()
}

func joinPath(parent, elem string) string {
	if parent == "" {
		return elem
	}
	return parent + "/" + elem
}

// Root returns the top-level mapping.
func (t *Tree) Root() *Node {
	return t.nodes[0]
}

// Len returns the number of addressable nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Field resolves a slash path such as "pipeline/stages/[1]/stage".
func (t *Tree) Field(path string) (*Node, error) {
	idx, ok := t.byPath[strings.Trim(path, "/")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, path)
	}
	return t.nodes[idx], nil
}

// NodeByUUID returns the node identified by id.
func (t *Tree) NodeByUUID(id string) (*Node, error) {
	idx, ok := t.byUUID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s=%s", ErrFieldNotFound, UUIDKey, id)
	}
	return t.nodes[idx], nil
}

// Marshal returns the annotated document text.
func (t *Tree) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(t.doc); err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return buf.Bytes(), nil
}

// ApplyUpdates returns a new tree where the value at each path is replaced by
// the given YAML text. A replaced mapping keeps the identifier of the node it
// replaces unless the replacement carries its own. The receiver is unchanged.
func (t *Tree) ApplyUpdates(updates map[string]string) (*Tree, error) {
	text, err := t.Marshal()
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return Parse(text)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	copyTree := &Tree{doc: &doc, byPath: make(map[string]int), byUUID: make(map[string]int)}
	if err := copyTree.index(doc.Content[0], "", "", -1); err != nil {
		return nil, err
	}

	// Deeper paths first. An update to an ancestor overrides its descendants' updates.
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := strings.Count(paths[i], "/"), strings.Count(paths[j], "/")
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})

	for _, p := range paths {
		target, err := copyTree.Field(p)
		if err != nil {
			return nil, err
		}
		var repl yaml.Node
		if err := yaml.Unmarshal([]byte(updates[p]), &repl); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("update for %q: %w", p, err)}
		}
		if repl.Kind != yaml.DocumentNode || len(repl.Content) == 0 {
			return nil, &ParseError{Err: fmt.Errorf("update for %q is empty", p)}
		}
		newValue := repl.Content[0]
		if newValue.Kind == yaml.MappingNode && target.kind == KindMapping && !hasUUID(newValue) {
			newValue.Content = append(newValue.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: UUIDKey},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: target.uuid},
			)
		}
		*target.value = *newValue
	}

	out, err := copyTree.Marshal()
	if err != nil {
		return nil, err
	}
	return Parse(out)
}

func hasUUID(m *yaml.Node) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == UUIDKey {
			return true
		}
	}
	return false
}
