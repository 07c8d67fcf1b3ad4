package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MarshalPlan serializes a plan with stable field names. Nodes are written in
// id order so equal plans encode to equal bytes.
func MarshalPlan(p *Plan) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("plan cannot be nil")
	}
	payload := planPayload{
		ID:             p.ID,
		AccountID:      p.AccountID,
		OrgID:          p.OrgID,
		ProjectID:      p.ProjectID,
		YamlVersion:    p.YamlVersion,
		StartingNodeID: p.StartingNodeID,
		Nodes:          make([]nodePayload, 0, len(p.Nodes)),
		Layout:         p.Layout,
		ProcessedYAML:  p.ProcessedYAML,
		CreatedAt:      p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	ids := make([]string, 0, len(p.Nodes))
	for id := range p.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		payload.Nodes = append(payload.Nodes, nodePayloadFromDomain(p.Nodes[id]))
	}
	return json.Marshal(payload)
}

// UnmarshalPlan parses a persisted plan.
func UnmarshalPlan(raw []byte) (*Plan, error) {
	var payload planPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	p := &Plan{
		ID:             payload.ID,
		AccountID:      payload.AccountID,
		OrgID:          payload.OrgID,
		ProjectID:      payload.ProjectID,
		YamlVersion:    payload.YamlVersion,
		StartingNodeID: payload.StartingNodeID,
		Nodes:          make(map[string]*Node, len(payload.Nodes)),
		Layout:         payload.Layout,
		ProcessedYAML:  payload.ProcessedYAML,
	}
	if payload.CreatedAt != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, payload.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid createdAt: %w", err)
		}
		p.CreatedAt = createdAt
	}
	for _, np := range payload.Nodes {
		n, err := np.toDomain()
		if err != nil {
			return nil, err
		}
		p.Nodes[n.ID] = n
	}
	if p.Layout.Nodes == nil {
		p.Layout.Nodes = make(map[string]LayoutNode)
	}
	return p, nil
}

type planPayload struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"accountId"`
	OrgID          string        `json:"orgId"`
	ProjectID      string        `json:"projectId"`
	YamlVersion    string        `json:"yamlVersion"`
	StartingNodeID string        `json:"startingNodeId"`
	Nodes          []nodePayload `json:"nodes"`
	Layout         Layout        `json:"layout"`
	ProcessedYAML  string        `json:"processedYaml"`
	CreatedAt      string        `json:"createdAt"`
}

type nodePayload struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Identifier     string        `json:"identifier"`
	Group          string        `json:"group"`
	StepType       string        `json:"stepType"`
	StepParameters TypedPayload  `json:"stepParameters"`
	Facilitators   []Facilitator `json:"facilitators"`
	Advisers       []Adviser     `json:"advisers,omitempty"`
	SkipCondition  string        `json:"skipCondition,omitempty"`
	Timeout        string        `json:"timeout,omitempty"`
}

func nodePayloadFromDomain(n *Node) nodePayload {
	out := nodePayload{
		ID:             n.ID,
		Name:           n.Name,
		Identifier:     n.Identifier,
		Group:          n.Group,
		StepType:       n.StepType,
		StepParameters: n.StepParameters,
		Facilitators:   n.Facilitators,
		Advisers:       n.Advisers,
		SkipCondition:  n.SkipCondition,
	}
	if n.Timeout > 0 {
		out.Timeout = n.Timeout.String()
	}
	return out
}

func (p nodePayload) toDomain() (*Node, error) {
	n := &Node{
		ID:             p.ID,
		Name:           p.Name,
		Identifier:     p.Identifier,
		Group:          p.Group,
		StepType:       p.StepType,
		StepParameters: p.StepParameters,
		Facilitators:   p.Facilitators,
		Advisers:       p.Advisers,
		SkipCondition:  p.SkipCondition,
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout for node %s: %w", p.ID, err)
		}
		n.Timeout = d
	}
	return n, nil
}
