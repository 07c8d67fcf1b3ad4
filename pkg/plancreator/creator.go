// Package plancreator compiles a pipeline document into a plan. Creators are
// registered per (field name, type, document version). The compiler walks the
// document from the root, resolves each creator's dependencies concurrently,
// and runs a deferred parent pass once a sub-tree's children are compiled.
package plancreator

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// AnyType matches every discriminator value of a field.
const AnyType = "__any__"

// DefaultYamlVersion is used when the document declares no version.
const DefaultYamlVersion = "v0"

// Context is the read-only compilation scope shared by every creator call
// of one pass.
type Context struct {
	AccountID   string
	OrgID       string
	ProjectID   string
	YamlVersion string
	Tree        *yamltree.Tree
}

// Creator compiles one kind of document node.
type Creator interface {
	// SupportedTypes maps a field name to the discriminator values handled.
	SupportedTypes() map[string][]string

	// CreatePlanForField compiles node. Sub-trees the creator does not compile
	// itself are returned as dependencies.
	CreatePlanForField(ctx context.Context, pctx *Context, node *yamltree.Node) (*plan.CreationResponse, error)
}

// ParentCreator is implemented by creators whose node can only be built once
// the identifiers of its compiled children are known.
type ParentCreator interface {
	CreatePlanForParentNode(ctx context.Context, pctx *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error)
}

// LayoutCreator contributes visualization layout for a compiled sub-tree.
type LayoutCreator interface {
	LayoutNodeInfo(ctx context.Context, pctx *Context, node *yamltree.Node, childIDs []string) plan.Layout
}

// Discriminator returns the value used to pick a creator for node: the
// "type" field of a mapping, or "" otherwise.
func Discriminator(node *yamltree.Node) string {
	if node.Kind() != yamltree.KindMapping {
		return ""
	}
	return node.StringField("type")
}
