package ambiance

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTestAmbiance() Ambiance {
	return New("exec-1", map[string]string{
		AccountIDKey:  "acc",
		OrgIDKey:      "org",
		ProjectIDKey:  "proj",
		PipelineIDKey: "release",
	})
}

func TestWithLevelDoesNotMutateReceiver(t *testing.T) {
	base := newTestAmbiance()
	stage := base.WithLevel(Level{Group: GroupStage, Identifier: "build", RuntimeID: "r1"})

	if len(base.Levels()) != 0 {
		t.Fatalf("Expected base to keep 0 levels, got %d", len(base.Levels()))
	}
	if len(stage.Levels()) != 1 {
		t.Fatalf("Expected 1 level, got %d", len(stage.Levels()))
	}

	// Siblings derived from the same parent must not share backing storage.
	a := stage.WithLevel(Level{Group: GroupStep, Identifier: "a"})
	b := stage.WithLevel(Level{Group: GroupStep, Identifier: "b"})
	if la, _ := a.CurrentLevel(); la.Identifier != "a" {
		t.Errorf("Expected a, got %s", la.Identifier)
	}
	if lb, _ := b.CurrentLevel(); lb.Identifier != "b" {
		t.Errorf("Expected b, got %s", lb.Identifier)
	}
	if len(a.Levels()) != len(stage.Levels())+1 {
		t.Errorf("Expected child to have exactly one more level")
	}

	levels := a.Levels()
	levels[0].Identifier = "changed"
	if first := a.Levels()[0]; first.Identifier != "build" {
		t.Error("Expected Levels to return a copy")
	}
}

func TestCurrentLevelAndTenantValue(t *testing.T) {
	var empty Ambiance
	if _, ok := empty.CurrentLevel(); ok {
		t.Error("Expected no level on empty context")
	}
	if v := empty.TenantValue(AccountIDKey); v != "" {
		t.Errorf("Expected empty tenant value, got %q", v)
	}

	a := newTestAmbiance()
	if a.AccountID() != "acc" || a.OrgID() != "org" || a.ProjectID() != "proj" {
		t.Errorf("Expected tenant triple, got %s/%s/%s", a.AccountID(), a.OrgID(), a.ProjectID())
	}
	if a.TenantValue("missing") != "" {
		t.Error("Expected absent key to read as empty")
	}
}

func TestFunctorTokenIsMonotonic(t *testing.T) {
	a := newTestAmbiance()
	b := a.WithLevel(Level{Group: GroupStage})
	c := b.WithLevel(Level{Group: GroupStep})
	if !(a.ExpressionFunctorToken() < b.ExpressionFunctorToken() && b.ExpressionFunctorToken() < c.ExpressionFunctorToken()) {
		t.Errorf("Expected increasing tokens, got %d %d %d",
			a.ExpressionFunctorToken(), b.ExpressionFunctorToken(), c.ExpressionFunctorToken())
	}
}

func TestLogKey(t *testing.T) {
	a := newTestAmbiance().
		WithLevel(Level{Group: GroupStage, Identifier: "deploy", RuntimeID: "stage-run"}).
		WithLevel(Level{Group: GroupStep, Identifier: "rollout", RuntimeID: "step-run"})

	key := a.LogKey()
	for _, want := range []string{"accountId:acc", "orgId:org", "projectId:proj", "runSequence:exec-1", "level0:deploy", "level1:step-run"} {
		if !strings.Contains(key, want) {
			t.Errorf("Expected log key to contain %q, got %s", want, key)
		}
	}
	if key != a.LogKey() {
		t.Error("Expected log key to be stable")
	}
}

func TestFieldsAndAttributes(t *testing.T) {
	a := newTestAmbiance().WithLevel(Level{Group: GroupStep, Identifier: "s", RuntimeID: "r"})
	if got := len(a.ZapFields()); got != 7 {
		t.Errorf("Expected 7 zap fields, got %d", got)
	}
	if got := len(a.Attributes()); got != 7 {
		t.Errorf("Expected 7 attributes, got %d", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := newTestAmbiance().WithLevel(Level{Group: GroupStage, Identifier: "build", RuntimeID: "r1", SetupID: "s1"})
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back Ambiance
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.PlanExecutionID() != "exec-1" || back.AccountID() != "acc" {
		t.Errorf("Expected scoping to survive, got %s %s", back.PlanExecutionID(), back.AccountID())
	}
	if l, ok := back.CurrentLevel(); !ok || l.SetupID != "s1" {
		t.Errorf("Expected level to survive, got %+v", l)
	}
	if back.ExpressionFunctorToken() != a.ExpressionFunctorToken() {
		t.Errorf("Expected token %d, got %d", a.ExpressionFunctorToken(), back.ExpressionFunctorToken())
	}
}
