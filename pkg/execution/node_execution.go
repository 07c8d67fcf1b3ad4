// Package execution tracks the run-time status of compiled plan nodes. Status
// changes go through Service, which persists them via a Store and appends them
// to the orchestration event log.
package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
)

// FailureInfo describes why a node execution failed.
type FailureInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NodeExecution is the run-time record of one plan node instance.
type NodeExecution struct {
	ID              string            `json:"id"`
	PlanExecutionID string            `json:"planExecutionId"`
	PlanNodeID      string            `json:"planNodeId"`
	Identifier      string            `json:"identifier"`
	Name            string            `json:"name"`
	StepType        string            `json:"stepType"`
	Status          Status            `json:"status"`
	Ambiance        ambiance.Ambiance `json:"ambiance"`
	Mode            Mode              `json:"mode"`
	StartTs         time.Time         `json:"startTs"`
	EndTs           time.Time         `json:"endTs"`
	CreatedAt       int64             `json:"createdAt"`
	ParentID        string            `json:"parentId,omitempty"`
	PreviousID      string            `json:"previousId,omitempty"`
	NextID          string            `json:"nextId,omitempty"`
	FailureInfo     *FailureInfo      `json:"failureInfo,omitempty"`
}

// Clone returns a deep copy.
func (ne *NodeExecution) Clone() *NodeExecution {
	if ne == nil {
		return nil
	}
	out := *ne
	if ne.FailureInfo != nil {
		info := *ne.FailureInfo
		out.FailureInfo = &info
	}
	return &out
}

// Encode serializes the record for the event log.
func (ne *NodeExecution) Encode() ([]byte, error) {
	data, err := json.Marshal(ne)
	if err != nil {
		return nil, fmt.Errorf("failed to encode node execution %s: %w", ne.ID, err)
	}
	return data, nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*NodeExecution, error) {
	var ne NodeExecution
	if err := json.Unmarshal(data, &ne); err != nil {
		return nil, fmt.Errorf("failed to decode node execution: %w", err)
	}
	return &ne, nil
}
