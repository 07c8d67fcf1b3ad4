package plancreator

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/plan"
	"github.com/wehubfusion/Daedalus/pkg/yamltree"
)

// DefaultStepTimeout is written into steps that declare no timeout.
const DefaultStepTimeout = 10 * time.Minute

// StepCreator compiles leaf steps of any type. Steps run as remote tasks
// unless their type is listed as synchronous.
type StepCreator struct {
	defaultTimeout time.Duration
	syncTypes      map[string]struct{}
}

// NewStepCreator creates a step creator. A non-positive defaultTimeout uses DefaultStepTimeout.
func NewStepCreator(defaultTimeout time.Duration, syncTypes ...string) *StepCreator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	c := &StepCreator{defaultTimeout: defaultTimeout, syncTypes: make(map[string]struct{}, len(syncTypes))}
	for _, t := range syncTypes {
		c.syncTypes[t] = struct{}{}
	}
	return c
}

func (c *StepCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"step": {AnyType}}
}

// CreatePlanForField builds the step node. A missing timeout is filled with
// the default, both on the node and in the processed document.
func (c *StepCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	identifier := node.StringField("identifier")
	if identifier == "" {
		return nil, fmt.Errorf("step at %q has no identifier", node.Path())
	}
	stepType := node.StringField("type")
	if stepType == "" {
		return nil, fmt.Errorf("step %q has no type", identifier)
	}

	resp := plan.NewCreationResponse()

	timeout, declared, err := parseTimeout(node)
	if err != nil {
		return nil, err
	}
	if !declared {
		timeout = c.defaultTimeout
		updated, err := node.WithScalarField("timeout", timeout.String())
		if err != nil {
			return nil, err
		}
		resp.AddYamlUpdate(node.Path(), updated)
	}

	data, err := encodeSpec(node)
	if err != nil {
		return nil, err
	}

	facilitator := plan.FacilitatorTask
	if _, ok := c.syncTypes[stepType]; ok {
		facilitator = plan.FacilitatorSyncTask
	}

	resp.AddNode(&plan.Node{
		ID:             node.UUID(),
		Name:           displayName(node),
		Identifier:     identifier,
		Group:          plan.GroupStep,
		StepType:       stepType,
		StepParameters: plan.TypedPayload{Type: stepType, Data: data},
		Facilitators:   []plan.Facilitator{facilitator},
		Advisers:       advisers(node),
		SkipCondition:  skipCondition(node),
		Timeout:        timeout,
	})
	return resp, nil
}

// StepGroupCreator compiles a named group of chained steps.
type StepGroupCreator struct{}

func (StepGroupCreator) SupportedTypes() map[string][]string {
	return map[string][]string{"stepGroup": {AnyType}}
}

func (StepGroupCreator) CreatePlanForField(_ context.Context, _ *Context, node *yamltree.Node) (*plan.CreationResponse, error) {
	steps, err := node.Field(fieldSteps)
	if err != nil {
		return nil, fmt.Errorf("step group %q has no steps: %w", node.StringField("identifier"), err)
	}
	return listDependencies(steps)
}

func (StepGroupCreator) CreatePlanForParentNode(_ context.Context, _ *Context, node *yamltree.Node, childIDs []string) (*plan.Node, error) {
	if err := requireChildren(node, childIDs); err != nil {
		return nil, err
	}
	return &plan.Node{
		ID:             node.UUID(),
		Name:           displayName(node),
		Identifier:     node.StringField("identifier"),
		Group:          plan.GroupStepGroup,
		StepType:       StepTypeStepGroup,
		StepParameters: plan.NewChildPayload(childIDs[0]),
		Facilitators:   []plan.Facilitator{plan.FacilitatorChild},
		Advisers:       advisers(node),
		SkipCondition:  skipCondition(node),
	}, nil
}

// DefaultRegistry registers the built-in creators for every document version.
func DefaultRegistry(stepTimeout time.Duration, syncStepTypes ...string) *Registry {
	r := NewRegistry()
	r.MustRegister(PipelineCreator{})
	r.MustRegister(StagesCreator{})
	r.MustRegister(StageCreator{})
	r.MustRegister(ExecutionCreator{})
	r.MustRegister(StepGroupCreator{})
	r.MustRegister(ForkCreator{})
	r.MustRegister(NewStepCreator(stepTimeout, syncStepTypes...))
	return r
}

var (
	_ Creator       = PipelineCreator{}
	_ ParentCreator = PipelineCreator{}
	_ ParentCreator = StagesCreator{}
	_ LayoutCreator = StagesCreator{}
	_ ParentCreator = StageCreator{}
	_ ParentCreator = ExecutionCreator{}
	_ ParentCreator = StepGroupCreator{}
	_ ParentCreator = ForkCreator{}
	_ LayoutCreator = ForkCreator{}
	_ Creator       = (*StepCreator)(nil)
)
