// Package graph maintains the cached adjacency-list view of running plan
// executions. A view is rebuilt from node execution records or caught up from
// the orchestration event log, and served from copy-on-write snapshots.
package graph

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// Vertex is the graph projection of one node execution.
type Vertex struct {
	ID          string                 `json:"uuid"`
	PlanNodeID  string                 `json:"planNodeId"`
	Identifier  string                 `json:"identifier"`
	Name        string                 `json:"name"`
	StepType    string                 `json:"stepType"`
	Status      execution.Status       `json:"status"`
	Mode        execution.Mode         `json:"mode"`
	StartTs     time.Time              `json:"startTs"`
	EndTs       time.Time              `json:"endTs"`
	CreatedAt   int64                  `json:"createdAt"`
	FailureInfo *execution.FailureInfo `json:"failureInfo,omitempty"`
}

// EdgeList is the adjacency record of one vertex. Edges holds the children
// that start a chain under this vertex; NextIDs the siblings that follow it.
type EdgeList struct {
	ParentID string   `json:"parentId,omitempty"`
	PrevIDs  []string `json:"prevIds,omitempty"`
	NextIDs  []string `json:"nextIds,omitempty"`
	Edges    []string `json:"edges,omitempty"`
}

// OrchestrationGraph is the view of one plan execution. LastUpdatedAt is the
// timestamp of the last event the view reflects.
type OrchestrationGraph struct {
	PlanExecutionID string               `json:"planExecutionId"`
	RootNodeIDs     []string             `json:"rootNodeIds"`
	Status          execution.Status     `json:"status"`
	CacheKey        string               `json:"cacheKey"`
	LastUpdatedAt   int64                `json:"lastUpdatedAt"`
	Vertices        map[string]*Vertex   `json:"vertices"`
	Adjacency       map[string]*EdgeList `json:"adjacencyList"`
}

func newGraph(planExecutionID string) *OrchestrationGraph {
	return &OrchestrationGraph{
		PlanExecutionID: planExecutionID,
		Status:          execution.StatusCreated,
		Vertices:        make(map[string]*Vertex),
		Adjacency:       make(map[string]*EdgeList),
	}
}

// Clone returns a deep copy.
func (g *OrchestrationGraph) Clone() *OrchestrationGraph {
	if g == nil {
		return nil
	}
	out := &OrchestrationGraph{
		PlanExecutionID: g.PlanExecutionID,
		RootNodeIDs:     append([]string(nil), g.RootNodeIDs...),
		Status:          g.Status,
		CacheKey:        g.CacheKey,
		LastUpdatedAt:   g.LastUpdatedAt,
		Vertices:        make(map[string]*Vertex, len(g.Vertices)),
		Adjacency:       make(map[string]*EdgeList, len(g.Adjacency)),
	}
	for id, v := range g.Vertices {
		out.Vertices[id] = v.clone()
	}
	for id, e := range g.Adjacency {
		out.Adjacency[id] = &EdgeList{
			ParentID: e.ParentID,
			PrevIDs:  append([]string(nil), e.PrevIDs...),
			NextIDs:  append([]string(nil), e.NextIDs...),
			Edges:    append([]string(nil), e.Edges...),
		}
	}
	return out
}

func (v *Vertex) clone() *Vertex {
	cp := *v
	if v.FailureInfo != nil {
		info := *v.FailureInfo
		cp.FailureInfo = &info
	}
	return &cp
}

func vertexOf(ne *execution.NodeExecution) *Vertex {
	v := &Vertex{
		ID:         ne.ID,
		PlanNodeID: ne.PlanNodeID,
		Identifier: ne.Identifier,
		Name:       ne.Name,
		StepType:   ne.StepType,
		Status:     ne.Status,
		Mode:       ne.Mode,
		StartTs:    ne.StartTs,
		EndTs:      ne.EndTs,
		CreatedAt:  ne.CreatedAt,
	}
	if ne.FailureInfo != nil {
		info := *ne.FailureInfo
		v.FailureInfo = &info
	}
	return v
}

func (g *OrchestrationGraph) edges(id string) *EdgeList {
	e, ok := g.Adjacency[id]
	if !ok {
		e = &EdgeList{}
		g.Adjacency[id] = e
	}
	return e
}

// insert adds ne as a vertex and wires it under its parent or after its
// previous sibling. Inserting a known vertex only refreshes its fields.
func (g *OrchestrationGraph) insert(ne *execution.NodeExecution, logger *zap.Logger) {
	if _, ok := g.Vertices[ne.ID]; ok {
		g.update(ne, logger)
		return
	}
	g.Vertices[ne.ID] = vertexOf(ne)

	e := g.edges(ne.ID)
	e.ParentID = ne.ParentID
	switch {
	case ne.PreviousID != "":
		e.PrevIDs = append(e.PrevIDs, ne.PreviousID)
		prev := g.edges(ne.PreviousID)
		prev.NextIDs = append(prev.NextIDs, ne.ID)
	case ne.ParentID != "":
		parent := g.edges(ne.ParentID)
		parent.Edges = append(parent.Edges, ne.ID)
	default:
		g.RootNodeIDs = append(g.RootNodeIDs, ne.ID)
	}
}

// update refreshes a vertex from a newer record. A terminal vertex never
// moves to a different status; such records are stale replays.
func (g *OrchestrationGraph) update(ne *execution.NodeExecution, logger *zap.Logger) {
	v, ok := g.Vertices[ne.ID]
	if !ok {
		g.insert(ne, logger)
		return
	}
	if v.Status.IsTerminal() && ne.Status != v.Status {
		logger.Warn("Ignoring stale status for terminal vertex",
			zap.String("plan_execution_id", g.PlanExecutionID),
			zap.String("node_execution_id", ne.ID),
			zap.String("vertex_status", string(v.Status)),
			zap.String("event_status", string(ne.Status)))
		return
	}
	g.Vertices[ne.ID] = vertexOf(ne)
}

// finalize recomputes the derived fields.
func (g *OrchestrationGraph) finalize() {
	g.Status = aggregateStatus(g.Vertices)
	g.CacheKey = fmt.Sprintf("%s/%d", g.PlanExecutionID, g.LastUpdatedAt)
}

func aggregateStatus(vertices map[string]*Vertex) execution.Status {
	if len(vertices) == 0 {
		return execution.StatusCreated
	}
	var failed, expired bool
	for _, v := range vertices {
		switch v.Status {
		case execution.StatusCreated, execution.StatusRunning:
			return execution.StatusRunning
		case execution.StatusFailed:
			failed = true
		case execution.StatusExpired:
			expired = true
		}
	}
	switch {
	case expired:
		return execution.StatusExpired
	case failed:
		return execution.StatusFailed
	default:
		return execution.StatusSucceeded
	}
}

// subgraph returns the part of g reachable from rootID through children and
// next siblings, re-rooted at rootID.
func (g *OrchestrationGraph) subgraph(rootID string) (*OrchestrationGraph, bool) {
	if _, ok := g.Vertices[rootID]; !ok {
		return nil, false
	}
	out := newGraph(g.PlanExecutionID)
	out.LastUpdatedAt = g.LastUpdatedAt
	out.RootNodeIDs = []string{rootID}

	queue := []string{rootID}
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if v, ok := g.Vertices[id]; ok {
			out.Vertices[id] = v.clone()
		}
		e, ok := g.Adjacency[id]
		if !ok {
			continue
		}
		cp := &EdgeList{
			ParentID: e.ParentID,
			PrevIDs:  append([]string(nil), e.PrevIDs...),
			NextIDs:  append([]string(nil), e.NextIDs...),
			Edges:    append([]string(nil), e.Edges...),
		}
		if id == rootID {
			cp.ParentID = ""
			cp.PrevIDs = nil
		}
		out.Adjacency[id] = cp
		for _, next := range append(append([]string(nil), e.Edges...), e.NextIDs...) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	out.finalize()
	return out, true
}
