// Package plan holds the compiled, immutable shape of a pipeline: plan nodes,
// the dependencies still awaiting compilation, and visualization layout.
package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Facilitator tells the engine how a node is executed.
type Facilitator string

const (
	// FacilitatorChild runs a single child chain and adopts its outcome.
	FacilitatorChild Facilitator = "CHILD"
	// FacilitatorChildren starts all children and waits for all of them.
	FacilitatorChildren Facilitator = "CHILDREN"
	// FacilitatorTask dispatches the node to a remote worker.
	FacilitatorTask Facilitator = "TASK"
	// FacilitatorSyncTask runs the node in-process.
	FacilitatorSyncTask Facilitator = "SYNC_TASK"
)

// AdviserType tells the engine what to do once a node concludes.
type AdviserType string

const (
	AdviserNextStep    AdviserType = "NEXT_STEP"
	AdviserOnFailNext  AdviserType = "ON_FAIL_NEXT"
	AdviserMarkSuccess AdviserType = "MARK_SUCCESS"
)

// Group tags the structural role of a node. It becomes the ambiance level group.
const (
	GroupPipeline  = "PIPELINE"
	GroupStages    = "STAGES"
	GroupStage     = "STAGE"
	GroupExecution = "EXECUTION"
	GroupStepGroup = "STEP_GROUP"
	GroupStep      = "STEP"
	GroupFork      = "FORK"
)

// StepTypeFork is the step type of the synthetic node created for a parallel group.
const StepTypeFork = "fork"

// TypedPayload is an opaque parameter blob owned by the step type named in Type.
type TypedPayload struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// Adviser is one completion directive.
type Adviser struct {
	Type       AdviserType `json:"type"`
	NextNodeID string      `json:"nextNodeId,omitempty"`
}

// Node is one compiled unit of executable work. Nodes are never modified after
// the compiler returns them.
type Node struct {
	ID             string
	Name           string
	Identifier     string
	Group          string
	StepType       string
	StepParameters TypedPayload
	Facilitators   []Facilitator
	Advisers       []Adviser
	SkipCondition  string
	Timeout        time.Duration
}

// HasFacilitator reports whether f is among the node's facilitators.
func (n *Node) HasFacilitator(f Facilitator) bool {
	for _, have := range n.Facilitators {
		if have == f {
			return true
		}
	}
	return false
}

// PrimaryFacilitator returns the first facilitator, or "" when none.
func (n *Node) PrimaryFacilitator() Facilitator {
	if len(n.Facilitators) == 0 {
		return ""
	}
	return n.Facilitators[0]
}

// Adviser returns the first adviser of type t.
func (n *Node) Adviser(t AdviserType) (Adviser, bool) {
	for _, a := range n.Advisers {
		if a.Type == t {
			return a, true
		}
	}
	return Adviser{}, false
}

// ChildParameters are the parameters of a node with the CHILD facilitator.
type ChildParameters struct {
	ChildNodeID string `json:"childNodeId"`
}

// ForkParameters are the parameters of a fork node. Children are started
// together and no ordering among them is guaranteed; callers must not rely on
// the slice order for execution order.
type ForkParameters struct {
	ChildNodeIDs []string `json:"childNodeIds"`
}

// NewChildPayload encodes the parameters of a CHILD node.
func NewChildPayload(childID string) TypedPayload {
	data, _ := json.Marshal(ChildParameters{ChildNodeID: childID})
	return TypedPayload{Type: "child", Data: data}
}

// NewForkPayload encodes the parameters of a fork node.
func NewForkPayload(childIDs []string) TypedPayload {
	ids := append([]string(nil), childIDs...)
	data, _ := json.Marshal(ForkParameters{ChildNodeIDs: ids})
	return TypedPayload{Type: StepTypeFork, Data: data}
}

// DecodeChild decodes CHILD parameters.
func DecodeChild(p TypedPayload) (ChildParameters, error) {
	var out ChildParameters
	if err := json.Unmarshal(p.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode child parameters: %w", err)
	}
	return out, nil
}

// DecodeFork decodes fork parameters.
func DecodeFork(p TypedPayload) (ForkParameters, error) {
	var out ForkParameters
	if err := json.Unmarshal(p.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode fork parameters: %w", err)
	}
	return out, nil
}

// EdgeLayout lists a node's visual edges.
type EdgeLayout struct {
	CurrentNodeChildren []string `json:"currentNodeChildren,omitempty"`
	NextIDs             []string `json:"nextIds,omitempty"`
}

// LayoutNode is the visualization record for one node. It is never used to
// drive execution.
type LayoutNode struct {
	NodeType   string     `json:"nodeType"`
	Name       string     `json:"name,omitempty"`
	Identifier string     `json:"identifier,omitempty"`
	Edges      EdgeLayout `json:"edgeLayoutList"`
}

// Layout is the plan-wide visualization graph.
type Layout struct {
	StartingNodeID string                `json:"startingNodeId,omitempty"`
	Nodes          map[string]LayoutNode `json:"nodes"`
}

// Plan is the compiled pipeline.
type Plan struct {
	ID             string
	AccountID      string
	OrgID          string
	ProjectID      string
	YamlVersion    string
	StartingNodeID string
	Nodes          map[string]*Node
	Layout         Layout
	ProcessedYAML  string
	CreatedAt      time.Time
}

// Node looks up a plan node by id.
func (p *Plan) Node(id string) (*Node, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// NodesByGroup returns the nodes carrying the given group tag.
func (p *Plan) NodesByGroup(group string) []*Node {
	var out []*Node
	for _, n := range p.Nodes {
		if n.Group == group {
			out = append(out, n)
		}
	}
	return out
}
