package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/eventlog"
	"github.com/wehubfusion/Daedalus/pkg/plan"
)

var allStatuses = []Status{StatusCreated, StatusRunning, StatusSucceeded, StatusFailed, StatusSkipped, StatusExpired}

func newTestService(t *testing.T) (*Service, *MemoryStore, *eventlog.MemoryLog) {
	t.Helper()
	store := NewMemoryStore()
	log := eventlog.NewMemoryLog()
	svc, err := NewService(store, log, nil)
	require.NoError(t, err)
	return svc, store, log
}

func rootAmbiance(id string) ambiance.Ambiance {
	return ambiance.New(id, map[string]string{ambiance.AccountIDKey: "acc"})
}

func stepNode(id string) *plan.Node {
	return &plan.Node{
		ID:           id,
		Name:         id,
		Identifier:   id,
		Group:        plan.GroupStep,
		StepType:     "ShellScript",
		Facilitators: []plan.Facilitator{plan.FacilitatorTask},
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusCreated, StatusSkipped, true},
		{StatusCreated, StatusExpired, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusExpired, true},
		{StatusRunning, StatusCreated, false},
		{StatusRunning, StatusSkipped, true},
		{StatusCreated, StatusSucceeded, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}

	for _, from := range allStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allStatuses {
			assert.False(t, from.CanTransitionTo(to), "%s must not move to %s", from, to)
		}
	}
}

func TestModeFor(t *testing.T) {
	tests := map[plan.Facilitator]Mode{
		plan.FacilitatorChild:    ModeChild,
		plan.FacilitatorChildren: ModeChildren,
		plan.FacilitatorTask:     ModeAsync,
		plan.FacilitatorSyncTask: ModeSync,
	}
	for f, want := range tests {
		assert.Equal(t, want, ModeFor(&plan.Node{Facilitators: []plan.Facilitator{f}}))
	}
}

func TestStartDerivesAmbianceAndLinksSiblings(t *testing.T) {
	svc, _, log := newTestService(t)
	ctx := context.Background()
	root := rootAmbiance("exec-1")

	first, err := svc.Start(ctx, root, stepNode("a"), "parent", "")
	require.NoError(t, err)
	second, err := svc.Start(ctx, root, stepNode("b"), "parent", first.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, first.Status)
	assert.Equal(t, ModeAsync, first.Mode)
	assert.Less(t, first.CreatedAt, second.CreatedAt)
	assert.Len(t, first.Ambiance.Levels(), len(root.Levels())+1)
	level, ok := second.Ambiance.CurrentLevel()
	require.True(t, ok)
	assert.Equal(t, second.ID, level.RuntimeID)
	assert.Equal(t, "b", level.SetupID)
	assert.Equal(t, "acc", second.Ambiance.AccountID())

	reloaded, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, reloaded.NextID)
	assert.Equal(t, first.ID, second.PreviousID)

	events, err := log.ReadSince(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.KindNodeStart, events[0].Kind)
	decoded, err := Decode(events[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, second.ID, decoded.ID)
	assert.Equal(t, "exec-1", decoded.Ambiance.PlanExecutionID())
}

func TestStartRequiresPlanExecution(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Start(context.Background(), ambiance.Ambiance{}, stepNode("a"), "", "")
	assert.ErrorIs(t, err, ErrMissingPlanExecution)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc, _, log := newTestService(t)
	ctx := context.Background()
	ne, err := svc.Start(ctx, rootAmbiance("exec-1"), stepNode("a"), "", "")
	require.NoError(t, err)

	running, applied, err := svc.UpdateStatus(ctx, ne.ID, StatusRunning)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, running.StartTs.IsZero())

	_, applied, err = svc.UpdateStatus(ctx, ne.ID, StatusRunning)
	require.NoError(t, err)
	assert.False(t, applied)

	failed, applied, err := svc.UpdateStatus(ctx, ne.ID, StatusFailed, WithFailure("TIMEOUT", "task timed out"))
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, failed.FailureInfo)
	assert.Equal(t, "TIMEOUT", failed.FailureInfo.Code)
	assert.False(t, failed.EndTs.IsZero())

	// Duplicate and late completions are no-ops, not errors.
	again, applied, err := svc.UpdateStatus(ctx, ne.ID, StatusSucceeded)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusFailed, again.Status)

	events, err := log.ReadSince(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestUpdateStatusRejectsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	ne, err := svc.Start(ctx, rootAmbiance("exec-1"), stepNode("a"), "", "")
	require.NoError(t, err)

	_, _, err = svc.UpdateStatus(ctx, ne.ID, StatusSucceeded)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, _, err = svc.UpdateStatus(ctx, ne.ID, Status("BOGUS"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, _, err = svc.UpdateStatus(ctx, "missing", StatusRunning)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 50; run++ {
		svc, _, _ := newTestService(t)
		ctx := context.Background()
		ne, err := svc.Start(ctx, rootAmbiance("exec"), stepNode("a"), "", "")
		require.NoError(t, err)

		var terminal Status
		for i := 0; i < 20; i++ {
			target := allStatuses[rng.Intn(len(allStatuses))]
			got, _, _ := svc.UpdateStatus(ctx, ne.ID, target)
			if got == nil {
				continue
			}
			if terminal != "" {
				require.Equal(t, terminal, got.Status, "terminal status changed on run %d", run)
			} else if got.Status.IsTerminal() {
				terminal = got.Status
			}
		}
	}
}

func TestExpireAllRacingCompletions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	root := rootAmbiance("exec-1")

	var ids []string
	for i := 0; i < 30; i++ {
		ne, err := svc.Start(ctx, root, stepNode(fmt.Sprintf("s%d", i)), "", "")
		require.NoError(t, err)
		_, _, err = svc.UpdateStatus(ctx, ne.ID, StatusRunning)
		require.NoError(t, err)
		ids = append(ids, ne.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := svc.UpdateStatus(ctx, id, StatusSucceeded)
			assert.NoError(t, err)
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.ExpireAll(ctx, "exec-1")
		assert.NoError(t, err)
	}()
	wg.Wait()

	records, err := svc.List(ctx, "exec-1")
	require.NoError(t, err)
	for _, ne := range records {
		assert.True(t, ne.Status.IsTerminal(), "node %s left in %s", ne.ID, ne.Status)
	}

	_, err = svc.Start(ctx, root, stepNode("late"), "", "")
	assert.ErrorIs(t, err, ErrPlanExecutionCancelled)
	assert.True(t, svc.IsCancelled("exec-1"))
	svc.Forget("exec-1")
	assert.False(t, svc.IsCancelled("exec-1"))
}

func TestMemoryStoreUpdateIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &NodeExecution{ID: "n", PlanExecutionID: "p"}))
	assert.ErrorIs(t, store.Create(ctx, &NodeExecution{ID: "n"}), ErrAlreadyExists)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "n", func(ne *NodeExecution) error {
				ne.CreatedAt++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ne, err := store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ne.CreatedAt)

	unchanged, err := store.Update(ctx, "n", func(ne *NodeExecution) error {
		ne.Name = "changed"
		return ErrNoChange
	})
	assert.ErrorIs(t, err, ErrNoChange)
	assert.Empty(t, unchanged.Name)
}

func TestSequenceSurvivesStalledClock(t *testing.T) {
	fixed := time.Unix(1000, 0)
	svc, err := NewService(NewMemoryStore(), eventlog.NewMemoryLog(), nil, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	a := svc.nextSequence()
	b := svc.nextSequence()
	assert.Equal(t, a+1, b)
}
