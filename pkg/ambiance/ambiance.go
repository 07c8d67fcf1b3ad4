// Package ambiance carries the execution context of a running node: tenant
// scoping plus the ordered chain of levels from the pipeline down to the node.
// Values are immutable. Deriving a child always returns a new value.
package ambiance

import (
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Tenant abstraction keys.
const (
	AccountIDKey  = "accountId"
	OrgIDKey      = "orgIdentifier"
	ProjectIDKey  = "projectIdentifier"
	PipelineIDKey = "pipelineIdentifier"
)

// Level group tags used for correlation.
const (
	GroupStage = "STAGE"
	GroupStep  = "STEP"
)

// Level is one element of the chain.
type Level struct {
	Group      string `json:"group"`
	Identifier string `json:"identifier"`
	SetupID    string `json:"setupId"`
	RuntimeID  string `json:"runtimeId"`
	StepType   string `json:"stepType,omitempty"`
}

// Ambiance is the execution context of one node. The zero value is an
// unscoped context with no levels.
type Ambiance struct {
	planExecutionID string
	abstractions    map[string]string
	levels          []Level
	functorToken    int64
}

var functorTokens int64

// New creates a root context for a plan execution.
func New(planExecutionID string, abstractions map[string]string) Ambiance {
	copied := make(map[string]string, len(abstractions))
	for k, v := range abstractions {
		copied[k] = v
	}
	return Ambiance{
		planExecutionID: planExecutionID,
		abstractions:    copied,
		functorToken:    atomic.AddInt64(&functorTokens, 1),
	}
}

// Restore rebuilds a context from persisted parts.
func Restore(planExecutionID string, abstractions map[string]string, levels []Level, functorToken int64) Ambiance {
	a := New(planExecutionID, abstractions)
	a.levels = append([]Level(nil), levels...)
	if functorToken > 0 {
		a.functorToken = functorToken
	}
	return a
}

// WithLevel returns a copy with level appended. The receiver is unchanged.
func (a Ambiance) WithLevel(level Level) Ambiance {
	levels := make([]Level, len(a.levels), len(a.levels)+1)
	copy(levels, a.levels)
	return Ambiance{
		planExecutionID: a.planExecutionID,
		abstractions:    a.abstractions,
		levels:          append(levels, level),
		functorToken:    atomic.AddInt64(&functorTokens, 1),
	}
}

// CurrentLevel returns the last level, or false when there is none.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.levels) == 0 {
		return Level{}, false
	}
	return a.levels[len(a.levels)-1], true
}

// Levels returns a copy of the chain.
func (a Ambiance) Levels() []Level {
	return append([]Level(nil), a.levels...)
}

// TenantValue returns the abstraction for key, or "" when absent. An absent
// value means unscoped, not an error.
func (a Ambiance) TenantValue(key string) string {
	return a.abstractions[key]
}

// Abstractions returns a copy of the tenant map.
func (a Ambiance) Abstractions() map[string]string {
	out := make(map[string]string, len(a.abstractions))
	for k, v := range a.abstractions {
		out[k] = v
	}
	return out
}

func (a Ambiance) PlanExecutionID() string { return a.planExecutionID }
func (a Ambiance) AccountID() string       { return a.TenantValue(AccountIDKey) }
func (a Ambiance) OrgID() string           { return a.TenantValue(OrgIDKey) }
func (a Ambiance) ProjectID() string       { return a.TenantValue(ProjectIDKey) }
func (a Ambiance) PipelineID() string      { return a.TenantValue(PipelineIDKey) }

// ExpressionFunctorToken is unique per derived context, so expression
// evaluators can cache per-context state.
func (a Ambiance) ExpressionFunctorToken() int64 { return a.functorToken }

// StageLevel returns the innermost stage level.
func (a Ambiance) StageLevel() (Level, bool) {
	return a.innermost(GroupStage)
}

// StepLevel returns the innermost step level.
func (a Ambiance) StepLevel() (Level, bool) {
	return a.innermost(GroupStep)
}

func (a Ambiance) innermost(group string) (Level, bool) {
	for i := len(a.levels) - 1; i >= 0; i-- {
		if a.levels[i].Group == group {
			return a.levels[i], true
		}
	}
	return Level{}, false
}

// LogKey builds the correlation key used to group log streams. It is stable
// for a given stage, step run and plan execution.
func (a Ambiance) LogKey() string {
	parts := []string{
		"accountId:" + a.AccountID(),
		"orgId:" + a.OrgID(),
		"projectId:" + a.ProjectID(),
		"pipelineId:" + a.PipelineID(),
		"runSequence:" + a.planExecutionID,
	}
	if stage, ok := a.StageLevel(); ok {
		parts = append(parts, "level0:"+stage.Identifier)
	}
	if step, ok := a.StepLevel(); ok {
		parts = append(parts, "level1:"+step.RuntimeID)
	}
	return strings.Join(parts, "/")
}

// ZapFields returns correlation fields for structured logging.
func (a Ambiance) ZapFields() []zap.Field {
	fields := []zap.Field{
		zap.String("plan_execution_id", a.planExecutionID),
		zap.String("account_id", a.AccountID()),
		zap.String("org_id", a.OrgID()),
		zap.String("project_id", a.ProjectID()),
	}
	if level, ok := a.CurrentLevel(); ok {
		fields = append(fields,
			zap.String("level_group", level.Group),
			zap.String("level_identifier", level.Identifier),
			zap.String("runtime_id", level.RuntimeID))
	}
	return fields
}

// Attributes returns the same correlation data as span attributes.
func (a Ambiance) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("plan_execution_id", a.planExecutionID),
		attribute.String("account_id", a.AccountID()),
		attribute.String("org_id", a.OrgID()),
		attribute.String("project_id", a.ProjectID()),
	}
	if level, ok := a.CurrentLevel(); ok {
		attrs = append(attrs,
			attribute.String("level.group", level.Group),
			attribute.String("level.identifier", level.Identifier),
			attribute.String("level.runtime_id", level.RuntimeID))
	}
	return attrs
}
