package plancreator

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// Step types of structural nodes.
const (
	StepTypePipelineSection  = "PIPELINE_SECTION"
	StepTypeStagesSection    = "STAGES_SECTION"
	StepTypeExecutionSection = "EXECUTION_SECTION"
	StepTypeStepGroup        = "STEP_GROUP"
)

// PipelineCreator compiles the document root.
type PipelineCreator struct{}

func (PipelineCreator) SupportedTypes() map[string][]string {
	return map[string][]string{RootField: {AnyType}}
}

func (PipelineCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	stages, err := node.Field(fieldStages)
	if err != nil {
		return nil, fmt.Errorf("pipeline has no stages: %w", err)
	}
	resp := plan.NewCreationResponse()
	resp.AddDependency(stages.UUID(), stages.Path())
	return resp, nil
}

func (PipelineCreator) CreatePlanForParentNode(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error) {
	if err := requireChildren(node, childIDs); err != nil {
		return nil, err
	}
	return &plan.Node{
		ID:             node.UUID(),
		Name:           displayName(node),
		Identifier:     node.StringField("identifier"),
		Group:          plan.GroupPipeline,
		StepType:       StepTypePipelineSection,
		StepParameters: plan.NewChildPayload(childIDs[0]),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChild},
	}, nil
}

// StagesCreator compiles the stage list into a chain.
type StagesCreator struct{}

func (StagesCreator) SupportedTypes() map[string][]string {
	return map[string][]string{fieldStages: {AnyType}}
}

func (StagesCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	return listDependencies(node)
}

func (StagesCreator) CreatePlanForParentNode(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error) {
	if err := requireChildren(node, childIDs); err != nil {
		return nil, err
	}
	return &plan.Node{
		ID:             node.UUID(),
		Name:           displayName(node),
		Identifier:     fieldStages,
		Group:          plan.GroupStages,
		StepType:       StepTypeStagesSection,
		StepParameters: plan.NewChildPayload(childIDs[0]),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChild},
	}, nil
}

// LayoutNodeInfo chains the top-level stages. Parallel groups lay out their
// own members.
func (StagesCreator) LayoutNodeInfo(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) plan.Layout {
	layout := plan.Layout{Nodes: make(map[string]plan.LayoutNode)}
	elems, err := elements(node)
	if err != nil {
		return layout
	}
	if len(childIDs) > 0 {
		layout.StartingNodeID = childIDs[0]
	}
	for _, e := range elems {
		if e.FieldName() == fieldParallel {
			continue
		}
		ln := plan.LayoutNode{
			NodeType:   e.StringField("type"),
			Name:       displayName(e),
			Identifier: e.StringField("identifier"),
		}
		if next := nextSiblingID(e); next != "" {
			ln.Edges.NextIDs = []string{next}
		}
		layout.Nodes[e.UUID()] = ln
	}
	return layout
}

// ExecutionCreator compiles a stage's step list into a chain.
type ExecutionCreator struct{}

func (ExecutionCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"execution": {AnyType}}
}

func (ExecutionCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	steps, err := node.Field(fieldSteps)
	if err != nil {
		return nil, fmt.Errorf("execution has no steps: %w", err)
	}
	return listDependencies(steps)
}

func (ExecutionCreator) CreatePlanForParentNode(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error) {
	if err := requireChildren(node, childIDs); err != nil {
		return nil, err
	}
	return &plan.Node{
		ID:             node.UUID(),
		Name:           displayName(node),
		Identifier:     "execution",
		Group:          plan.GroupExecution,
		StepType:       StepTypeExecutionSection,
		StepParameters: plan.NewChildPayload(childIDs[0]),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChild},
	}, nil
}

// listDependencies defers every element of a list node.
func listDependencies(list *yamltree.Node) (*plan.CreationResponse, error) {
	elems, err := elements(list)
	if err != nil {
		return nil, err
	}
	resp := plan.NewCreationResponse()
	for _, e := range elems {
		resp.AddDependency(e.UUID(), e.Path())
	}
	return resp, nil
}
