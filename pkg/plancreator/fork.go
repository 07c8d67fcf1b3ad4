package plancreator

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// ForkCreator compiles a parallel group into one synthetic fork node whose
// parameters list the member ids. Members are started together; the fork
// gives no ordering guarantee among them and callers must not assume one.
type ForkCreator struct{}

func (ForkCreator) SupportedTypes() map[string][]string {
	return map[string][]string{fieldParallel: {AnyType}}
}

// CreatePlanForField defers every member exactly like any other node.
func (ForkCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	return listDependencies(node)
}

func (ForkCreator) CreatePlanForParentNode(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error) {
	if err := requireChildren(node, childIDs); err != nil {
		return nil, err
	}
	return &plan.Node{
		ID:             node.UUID(),
		Name:           title(fieldParallel),
		Identifier:     fieldParallel,
		Group:          plan.GroupFork,
		StepType:       plan.StepTypeFork,
		StepParameters: plan.NewForkPayload(childIDs),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChildren},
		Advisers:       advisers(node),
	}, nil
}

// LayoutNodeInfo points the fork at each member. Members get no edges of
// their own. Step-level groups contribute nothing to the stage layout.
func (ForkCreator) LayoutNodeInfo(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) plan.Layout {
	layout := plan.Layout{Nodes: make(map[string]plan.LayoutNode)}
	if item := node.Parent(); item == nil || item.Parent() == nil || item.Parent().FieldName() != fieldStages {
		return layout
	}

	fork := plan.LayoutNode{
		NodeType: fieldParallel,
		Name:     title(fieldParallel),
		Edges:    plan.EdgeLayout{CurrentNodeChildren: append([]string(nil), childIDs...)},
	}
	if next := nextSiblingID(node); next != "" {
		fork.Edges.NextIDs = []string{next}
	}
	layout.Nodes[node.UUID()] = fork

	elems, err := elements(node)
	if err != nil {
		return layout
	}
	for _, e := range elems {
		layout.Nodes[e.UUID()] = plan.LayoutNode{
			NodeType:   e.StringField("type"),
			Name:       displayName(e),
			Identifier: e.StringField("identifier"),
		}
	}
	return layout
}
