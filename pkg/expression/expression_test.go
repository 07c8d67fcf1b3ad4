package expression

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
)

func testAmbiance() ambiance.Ambiance {
	return ambiance.New("pe-1", map[string]string{
		ambiance.AccountIDKey:  "acc",
		ambiance.PipelineIDKey: "release",
	}).
		WithLevel(ambiance.Level{Group: ambiance.GroupStage, Identifier: "deploy", SetupID: "s-1", RuntimeID: "r-1"}).
		WithLevel(ambiance.Level{Group: ambiance.GroupStep, Identifier: "helm", SetupID: "s-2", RuntimeID: "r-2", StepType: "HelmDeploy"})
}

func TestEvaluateBool(t *testing.T) {
	e := NewEvaluator(0)
	vars := Vars(testAmbiance(), map[string]any{"env": "prod", "replicas": 3, "dryRun": false})

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty", "", false},
		{"blank", "   ", false},
		{"literal", "true", true},
		{"stage identifier", `stage.identifier == "deploy"`, true},
		{"step type", `step.type === "HelmDeploy"`, true},
		{"pipeline tenant", `pipeline.account == "acc" && pipeline.identifier == "release"`, true},
		{"inputs", `inputs.env != "prod" || inputs.replicas < 2`, false},
		{"boolean input", `!inputs.dryRun`, true},
		{"array helpers", `["dev", "qa"].includes(inputs.env)`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(context.Background(), tt.expr, vars)
			if err != nil {
				t.Fatalf("EvaluateBool(%q) failed: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("EvaluateBool(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateBoolErrors(t *testing.T) {
	e := NewEvaluator(0)
	vars := Vars(ambiance.New("pe-1", nil), nil)

	tests := []struct {
		name    string
		expr    string
		wantErr error
	}{
		{"not boolean", `"yes"`, ErrNotBoolean},
		{"number", `1 + 1`, ErrNotBoolean},
		{"syntax", `stage.identifier ==`, nil},
		{"undefined stage", `stage.identifier == "x"`, nil},
		{"require removed", `require("fs") != null`, nil},
		{"eval blocked", `eval("true")`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.EvaluateBool(context.Background(), tt.expr, vars)
			if err == nil {
				t.Fatalf("Expected error for %q", tt.expr)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEvaluateBoolTimeout(t *testing.T) {
	e := NewEvaluator(20 * time.Millisecond)
	start := time.Now()
	_, err := e.EvaluateBool(context.Background(), `(() => { while (true) {} })()`, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Evaluation was not interrupted promptly")
	}
}

func TestEvaluateBoolCancelled(t *testing.T) {
	e := NewEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := e.EvaluateBool(ctx, `(() => { while (true) {} })()`, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestCompileCachesPrograms(t *testing.T) {
	e := NewEvaluator(0)
	if err := e.Compile(`inputs.a == 1`); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if err := e.Compile(`inputs.a ==`); err == nil {
		t.Error("Expected compile error")
	}
	if len(e.programs) != 1 {
		t.Errorf("Expected one cached program, got %d", len(e.programs))
	}
}

func TestVarsOutsideLevels(t *testing.T) {
	vars := Vars(ambiance.New("pe-9", nil), nil)
	if _, ok := vars["stage"]; ok {
		t.Error("Expected no stage binding without a stage level")
	}
	if _, ok := vars["step"]; ok {
		t.Error("Expected no step binding without a step level")
	}
	p := vars["pipeline"].(map[string]any)
	if p["executionId"] != "pe-9" {
		t.Errorf("Expected executionId pe-9, got %v", p["executionId"])
	}
}
