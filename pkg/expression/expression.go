// Package expression evaluates skip conditions: JavaScript boolean expressions
// run in a restricted goja runtime against the node's execution context.
//
// A condition sees these globals:
//
//	pipeline  {identifier, executionId, account, org, project}
//	stage     {identifier, setupId, runtimeId}      (undefined outside a stage)
//	step      {identifier, type, setupId, runtimeId} (undefined outside a step)
//	inputs    the plan execution's inputs
//
// plus any variables the caller adds.
package expression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
)

var (
	// ErrNotBoolean is returned when a condition evaluates to a non-boolean.
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")

	// ErrTimeout is returned when evaluation exceeds the evaluator's timeout.
	ErrTimeout = errors.New("expression evaluation timed out")
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 100 * time.Millisecond

// globals removed from every runtime before evaluation
var deniedGlobals = []string{
	"require", "module", "exports", "process", "global",
	"Function", "setTimeout", "setInterval", "setImmediate",
}

// Evaluator compiles and evaluates conditions. Compiled programs are cached by
// source text; runtimes are never shared between evaluations.
type Evaluator struct {
	timeout  time.Duration
	mu       sync.RWMutex
	programs map[string]*goja.Program
}

// NewEvaluator returns an evaluator. timeout <= 0 selects DefaultTimeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout, programs: make(map[string]*goja.Program)}
}

// Compile parses expr without running it.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (*goja.Program, error) {
	e.mu.RLock()
	p, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	// parenthesized so object literals and sequences parse as one expression
	p, err := goja.Compile("condition", "("+expr+"\n)", true)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	e.mu.Lock()
	e.programs[expr] = p
	e.mu.Unlock()
	return p, nil
}

// EvaluateBool evaluates expr with vars bound as globals. An empty expression
// is false.
func (e *Evaluator) EvaluateBool(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	p, err := e.program(expr)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, name := range deniedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return false, fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if err := vm.Set("eval", func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed in conditions"))
	}); err != nil {
		return false, err
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return false, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() { vm.Interrupt(ErrTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	val, err := vm.RunProgram(p)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return false, fmt.Errorf("%q: %w", expr, cause)
			}
		}
		return false, fmt.Errorf("failed to evaluate %q: %w", expr, err)
	}

	b, ok := val.Export().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %s", ErrNotBoolean, expr, val.String())
	}
	return b, nil
}

// Vars builds the standard condition globals for a node's context.
func Vars(amb ambiance.Ambiance, inputs map[string]any) map[string]any {
	if inputs == nil {
		inputs = map[string]any{}
	}
	vars := map[string]any{
		"pipeline": map[string]any{
			"identifier":  amb.PipelineID(),
			"executionId": amb.PlanExecutionID(),
			"account":     amb.AccountID(),
			"org":         amb.OrgID(),
			"project":     amb.ProjectID(),
		},
		"inputs": inputs,
	}
	if stage, ok := amb.StageLevel(); ok {
		vars["stage"] = map[string]any{
			"identifier": stage.Identifier,
			"setupId":    stage.SetupID,
			"runtimeId":  stage.RuntimeID,
		}
	}
	if step, ok := amb.StepLevel(); ok {
		vars["step"] = map[string]any{
			"identifier": step.Identifier,
			"type":       step.StepType,
			"setupId":    step.SetupID,
			"runtimeId":  step.RuntimeID,
		}
	}
	return vars
}
