// Package postgres is a PostgreSQL-backed execution.Store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// Schema creates the node execution table.
const Schema = `
CREATE TABLE IF NOT EXISTS node_executions (
	id                TEXT PRIMARY KEY,
	plan_execution_id TEXT NOT NULL,
	plan_node_id      TEXT NOT NULL,
	identifier        TEXT NOT NULL,
	name              TEXT NOT NULL,
	step_type         TEXT NOT NULL,
	status            TEXT NOT NULL,
	ambiance          JSONB NOT NULL,
	mode              TEXT NOT NULL,
	start_ts          TIMESTAMPTZ,
	end_ts            TIMESTAMPTZ,
	created_at        BIGINT NOT NULL,
	parent_id         TEXT,
	previous_id       TEXT,
	next_id           TEXT,
	failure_info      JSONB
);
CREATE INDEX IF NOT EXISTS node_executions_plan_idx ON node_executions (plan_execution_id, created_at);
`

const selectColumns = `id, plan_execution_id, plan_node_id, identifier, name, step_type, status,
	ambiance, mode, start_ts, end_ts, created_at, parent_id, previous_id, next_id, failure_info`

// Config configures the connection pool.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Validate checks the pool settings.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be between 0 and max open conns")
	}
	return nil
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Store implements execution.Store. Update runs in a transaction holding a
// row lock, so concurrent updates of one record serialize in the database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate node_executions: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, ne *execution.NodeExecution) error {
	r, err := toRow(ne)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (`+selectColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.args()...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return execution.ErrAlreadyExists
		}
		return fmt.Errorf("insert node execution %s: %w", ne.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*execution.NodeExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM node_executions WHERE id = $1`, id)
	ne, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, execution.ErrNotFound
	}
	return ne, err
}

func (s *Store) Update(ctx context.Context, id string, fn execution.UpdateFunc) (*execution.NodeExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scan(tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM node_executions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, execution.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return current, err
	}
	r, err := toRow(next)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE node_executions SET
			status = $2, ambiance = $3, mode = $4, start_ts = $5, end_ts = $6,
			parent_id = $7, previous_id = $8, next_id = $9, failure_info = $10
		WHERE id = $1`,
		r.id, r.status, r.ambiance, r.mode, r.startTs, r.endTs,
		r.parentID, r.previousID, r.nextID, r.failureInfo,
	)
	if err != nil {
		return nil, fmt.Errorf("update node execution %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *Store) ListByPlanExecution(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM node_executions WHERE plan_execution_id = $1 ORDER BY created_at`,
		planExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.NodeExecution
	for rows.Next() {
		ne, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

type row struct {
	id, planExecutionID, planNodeID, identifier, name, stepType, status string
	ambiance                                                            []byte
	mode                                                                string
	startTs, endTs                                                      sql.NullTime
	createdAt                                                           int64
	parentID, previousID, nextID                                        sql.NullString
	failureInfo                                                         []byte
}

func (r *row) args() []any {
	return []any{
		r.id, r.planExecutionID, r.planNodeID, r.identifier, r.name, r.stepType, r.status,
		r.ambiance, r.mode, r.startTs, r.endTs, r.createdAt,
		r.parentID, r.previousID, r.nextID, r.failureInfo,
	}
}

func toRow(ne *execution.NodeExecution) (*row, error) {
	amb, err := json.Marshal(ne.Ambiance)
	if err != nil {
		return nil, fmt.Errorf("encode ambiance: %w", err)
	}
	var failure []byte
	if ne.FailureInfo != nil {
		if failure, err = json.Marshal(ne.FailureInfo); err != nil {
			return nil, fmt.Errorf("encode failure info: %w", err)
		}
	}
	return &row{
		id:              ne.ID,
		planExecutionID: ne.PlanExecutionID,
		planNodeID:      ne.PlanNodeID,
		identifier:      ne.Identifier,
		name:            ne.Name,
		stepType:        ne.StepType,
		status:          string(ne.Status),
		ambiance:        amb,
		mode:            string(ne.Mode),
		startTs:         nullTime(ne.StartTs),
		endTs:           nullTime(ne.EndTs),
		createdAt:       ne.CreatedAt,
		parentID:        nullString(ne.ParentID),
		previousID:      nullString(ne.PreviousID),
		nextID:          nullString(ne.NextID),
		failureInfo:     failure,
	}, nil
}

func scan(s scanner) (*execution.NodeExecution, error) {
	var r row
	err := s.Scan(
		&r.id, &r.planExecutionID, &r.planNodeID, &r.identifier, &r.name, &r.stepType, &r.status,
		&r.ambiance, &r.mode, &r.startTs, &r.endTs, &r.createdAt,
		&r.parentID, &r.previousID, &r.nextID, &r.failureInfo,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan node execution: %w", err)
	}
	return r.toNodeExecution()
}

func (r *row) toNodeExecution() (*execution.NodeExecution, error) {
	var amb ambiance.Ambiance
	if err := json.Unmarshal(r.ambiance, &amb); err != nil {
		return nil, err
	}
	ne := &execution.NodeExecution{
		ID:              r.id,
		PlanExecutionID: r.planExecutionID,
		PlanNodeID:      r.planNodeID,
		Identifier:      r.identifier,
		Name:            r.name,
		StepType:        r.stepType,
		Status:          execution.Status(r.status),
		Ambiance:        amb,
		Mode:            execution.Mode(r.mode),
		CreatedAt:       r.createdAt,
		ParentID:        r.parentID.String,
		PreviousID:      r.previousID.String,
		NextID:          r.nextID.String,
	}
	if r.startTs.Valid {
		ne.StartTs = r.startTs.Time
	}
	if r.endTs.Valid {
		ne.EndTs = r.endTs.Time
	}
	if len(r.failureInfo) > 0 {
		var info execution.FailureInfo
		if err := json.Unmarshal(r.failureInfo, &info); err != nil {
			return nil, fmt.Errorf("decode failure info: %w", err)
		}
		ne.FailureInfo = &info
	}
	return ne, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v time.Time) sql.NullTime {
	return sql.NullTime{Time: v, Valid: !v.IsZero()}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ execution.Store = (*Store)(nil)
