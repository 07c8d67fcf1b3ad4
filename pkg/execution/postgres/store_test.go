package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// rowScanner replays the values produced by row.args into Scan targets.
type rowScanner struct {
	values []any
}

func (s rowScanner) Scan(dest ...any) error {
	if len(dest) != len(s.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *string:
			*target = s.values[i].(string)
		case *[]byte:
			*target = s.values[i].([]byte)
		case *int64:
			*target = s.values[i].(int64)
		case *sql.NullTime:
			*target = s.values[i].(sql.NullTime)
		case *sql.NullString:
			*target = s.values[i].(sql.NullString)
		default:
			return errors.New("unexpected scan target")
		}
	}
	return nil
}

func sampleExecution() *execution.NodeExecution {
	amb := ambiance.New("exec-1", map[string]string{ambiance.AccountIDKey: "acc"}).
		WithLevel(ambiance.Level{Group: ambiance.GroupStep, Identifier: "build", RuntimeID: "n1"})
	return &execution.NodeExecution{
		ID:              "n1",
		PlanExecutionID: "exec-1",
		PlanNodeID:      "plan-1",
		Identifier:      "build",
		Name:            "Build",
		StepType:        "ShellScript",
		Status:          execution.StatusFailed,
		Ambiance:        amb,
		Mode:            execution.ModeAsync,
		StartTs:         time.Unix(10, 0).UTC(),
		CreatedAt:       42,
		PreviousID:      "n0",
		FailureInfo:     &execution.FailureInfo{Code: "TIMEOUT", Message: "timed out"},
	}
}

func TestRowMapping(t *testing.T) {
	ne := sampleExecution()
	r, err := toRow(ne)
	require.NoError(t, err)
	assert.False(t, r.endTs.Valid)
	assert.False(t, r.parentID.Valid)
	assert.True(t, r.previousID.Valid)

	back, err := scan(rowScanner{values: r.args()})
	require.NoError(t, err)
	assert.Equal(t, ne.ID, back.ID)
	assert.Equal(t, ne.Status, back.Status)
	assert.True(t, back.EndTs.IsZero())
	assert.Equal(t, ne.StartTs, back.StartTs)
	assert.Equal(t, "n0", back.PreviousID)
	assert.Empty(t, back.ParentID)
	require.NotNil(t, back.FailureInfo)
	assert.Equal(t, "TIMEOUT", back.FailureInfo.Code)
	assert.Equal(t, "acc", back.Ambiance.AccountID())
	assert.Equal(t, ne.Ambiance.ExpressionFunctorToken(), back.Ambiance.ExpressionFunctorToken())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig("postgres://localhost/daedalus").Validate())

	cfg := DefaultConfig("")
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("postgres://localhost/daedalus")
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

// TestStoreAgainstDatabase runs when DAEDALUS_TEST_POSTGRES_DSN points at a
// disposable database.
func TestStoreAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("DAEDALUS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DAEDALUS_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, DefaultConfig(dsn))
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	require.NoError(t, store.Migrate(ctx))

	ne := sampleExecution()
	ne.ID = uuid.NewString()
	ne.PlanExecutionID = uuid.NewString()
	ne.Status = execution.StatusRunning
	require.NoError(t, store.Create(ctx, ne))
	assert.ErrorIs(t, store.Create(ctx, ne), execution.ErrAlreadyExists)

	updated, err := store.Update(ctx, ne.ID, func(n *execution.NodeExecution) error {
		n.Status = execution.StatusSucceeded
		n.EndTs = time.Now().UTC()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, updated.Status)

	list, err := store.ListByPlanExecution(ctx, ne.PlanExecutionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, execution.StatusSucceeded, list[0].Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, execution.ErrNotFound)
}
