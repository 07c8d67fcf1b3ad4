package ambiance

import (
	"encoding/json"
	"fmt"
)

type ambiancePayload struct {
	PlanExecutionID string            `json:"planExecutionId"`
	Abstractions    map[string]string `json:"setupAbstractions"`
	Levels          []Level           `json:"levels"`
	FunctorToken    int64             `json:"expressionFunctorToken"`
}

// MarshalJSON encodes the context for persistence and transport.
func (a Ambiance) MarshalJSON() ([]byte, error) {
	return json.Marshal(ambiancePayload{
		PlanExecutionID: a.planExecutionID,
		Abstractions:    a.abstractions,
		Levels:          a.levels,
		FunctorToken:    a.functorToken,
	})
}

// UnmarshalJSON decodes a persisted context.
func (a *Ambiance) UnmarshalJSON(raw []byte) error {
	var p ambiancePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("failed to decode ambiance: %w", err)
	}
	*a = Restore(p.PlanExecutionID, p.Abstractions, p.Levels, p.FunctorToken)
	return nil
}
