package plancreator

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// StageCreator compiles a stage of any type. The stage node runs its
// execution section as a single child.
type StageCreator struct{}

func (StageCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"stage": {AnyType}}
}

// CreatePlanForField defers the stage's execution section. The response
// carries exactly one dependency.
func (StageCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	if node.StringField("identifier") == "" {
		return nil, fmt.Errorf("stage at %q has no identifier", node.Path())
	}
	spec, err := node.Field("spec")
	if err != nil {
		return nil, fmt.Errorf("stage %q has no spec: %w", node.StringField("identifier"), err)
	}
	execution, err := spec.Field("execution")
	if err != nil {
		return nil, fmt.Errorf("stage %q has no execution: %w", node.StringField("identifier"), err)
	}
	resp := plan.NewCreationResponse()
	resp.AddDependency(execution.UUID(), execution.Path())
	return resp, nil
}

func (StageCreator) CreatePlanForParentNode(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error) {
	if err := requireChildren(node, childIDs); err != nil {
		return nil, err
	}
	timeout, _, err := parseTimeout(node)
	if err != nil {
		return nil, err
	}
	return &plan.Node{
		ID:             node.UUID(),
		Name:           displayName(node),
		Identifier:     node.StringField("identifier"),
		Group:          plan.GroupStage,
		StepType:       node.StringField("type"),
		StepParameters: plan.NewChildPayload(childIDs[0]),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChild},
		Advisers:       advisers(node),
		SkipCondition:  skipCondition(node),
		Timeout:        timeout,
	}, nil
}
