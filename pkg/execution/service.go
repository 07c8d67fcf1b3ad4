package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/eventlog"
	"github.com/wehubfusion/Daedalus/pkg/plan"
)

var (
	// ErrInvalidTransition is returned for a transition the state machine does
	// not allow from a non-terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus is returned for an unknown target status.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrPlanExecutionCancelled is returned by Start once the plan execution
	// has been cancelled.
	ErrPlanExecutionCancelled = errors.New("plan execution cancelled")

	// ErrMissingPlanExecution is returned when the ambiance carries no plan
	// execution id.
	ErrMissingPlanExecution = errors.New("ambiance has no plan execution id")

	errTerminal = errors.New("terminal")
)

// UpdateOption adjusts a record during a status transition.
type UpdateOption func(ne *NodeExecution)

// WithFailure attaches failure details.
func WithFailure(code, message string) UpdateOption {
	return func(ne *NodeExecution) {
		ne.FailureInfo = &FailureInfo{Code: code, Message: message}
	}
}

// WithMode overrides the execution mode, e.g. ModeSkip for skipped nodes.
func WithMode(mode Mode) UpdateOption {
	return func(ne *NodeExecution) {
		ne.Mode = mode
	}
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the node execution id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// Service is the only writer of node execution state and of the event log.
//
// Store writes and event appends of one plan execution happen inside a
// per-plan-execution critical section, so log order matches commit order.
type Service struct {
	store  Store
	log    eventlog.Log
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string

	seq   int64
	locks *keyedLocks

	mu        sync.RWMutex
	cancelled map[string]bool
}

// NewService creates a Service. A nil logger disables logging.
func NewService(store Store, log eventlog.Log, logger *zap.Logger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if log == nil {
		return nil, errors.New("event log cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     store,
		log:       log,
		logger:    logger,
		tracer:    otel.Tracer("daedalus/execution"),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		locks:     newKeyedLocks(),
		cancelled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// nextSequence issues a strictly increasing creation sequence that also
// survives restarts, since it is anchored on wall time.
func (s *Service) nextSequence() int64 {
	for {
		last := atomic.LoadInt64(&s.seq)
		next := s.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapInt64(&s.seq, last, next) {
			return next
		}
	}
}

// ModeFor maps a node's primary facilitator to its execution mode.
func ModeFor(node *plan.Node) Mode {
	switch node.PrimaryFacilitator() {
	case plan.FacilitatorChild:
		return ModeChild
	case plan.FacilitatorChildren:
		return ModeChildren
	case plan.FacilitatorSyncTask:
		return ModeSync
	default:
		return ModeAsync
	}
}

// Start records a new execution of node in CREATED. The node's ambiance is
// parent plus one level describing node. When previousID is set the previous
// sibling's NextID is pointed at the new record.
func (s *Service) Start(ctx context.Context, parent ambiance.Ambiance, node *plan.Node, parentID, previousID string) (*NodeExecution, error) {
	if node == nil {
		return nil, errors.New("plan node cannot be nil")
	}
	planExecutionID := parent.PlanExecutionID()
	if planExecutionID == "" {
		return nil, ErrMissingPlanExecution
	}

	ctx, span := s.tracer.Start(ctx, "execution.start", trace.WithAttributes(parent.Attributes()...))
	defer span.End()
	span.SetAttributes(attribute.String("plan_node_id", node.ID), attribute.String("step_type", node.StepType))

	unlock := s.locks.Lock(planExecutionID)
	defer unlock()

	if s.IsCancelled(planExecutionID) {
		return nil, ErrPlanExecutionCancelled
	}

	id := s.newID()
	ne := &NodeExecution{
		ID:              id,
		PlanExecutionID: planExecutionID,
		PlanNodeID:      node.ID,
		Identifier:      node.Identifier,
		Name:            node.Name,
		StepType:        node.StepType,
		Status:          StatusCreated,
		Ambiance: parent.WithLevel(ambiance.Level{
			Group:      node.Group,
			Identifier: node.Identifier,
			SetupID:    node.ID,
			RuntimeID:  id,
			StepType:   node.StepType,
		}),
		Mode:       ModeFor(node),
		CreatedAt:  s.nextSequence(),
		ParentID:   parentID,
		PreviousID: previousID,
	}
	if err := s.store.Create(ctx, ne); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, fmt.Errorf("failed to create node execution for %s: %w", node.ID, err)
	}

	if previousID != "" {
		_, err := s.store.Update(ctx, previousID, func(prev *NodeExecution) error {
			prev.NextID = id
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to link previous node execution %s: %w", previousID, err)
		}
	}

	if err := s.appendEvent(ctx, eventlog.KindNodeStart, ne); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return nil, err
	}

	s.logger.Debug("Node execution started", append(ne.Ambiance.ZapFields(), zap.String("node_execution_id", id))...)
	return ne, nil
}

// UpdateStatus moves id to status. It reports whether the transition was
// applied. A record that is already terminal is left unchanged and the call
// is a logged no-op, since duplicate completions are expected under retry.
// Repeating the current non-terminal status is also a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) (*NodeExecution, bool, error) {
	if !status.IsValid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	ctx, span := s.tracer.Start(ctx, "execution.update_status", trace.WithAttributes(current.Ambiance.Attributes()...))
	defer span.End()
	span.SetAttributes(attribute.String("status", string(status)))

	unlock := s.locks.Lock(current.PlanExecutionID)
	defer unlock()

	var from Status
	updated, err := s.store.Update(ctx, id, func(ne *NodeExecution) error {
		from = ne.Status
		switch {
		case ne.Status.IsTerminal():
			return errTerminal
		case ne.Status == status:
			return ErrNoChange
		case !ne.Status.CanTransitionTo(status):
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ne.Status, status)
		}
		now := s.now().UTC().Round(0)
		if status == StatusRunning {
			ne.StartTs = now
		}
		if status.IsTerminal() {
			if ne.StartTs.IsZero() {
				ne.StartTs = now
			}
			ne.EndTs = now
		}
		ne.Status = status
		for _, opt := range opts {
			opt(ne)
		}
		return nil
	})
	switch {
	case errors.Is(err, errTerminal):
		s.logger.Warn("Ignoring status update of terminal node execution",
			append(updated.Ambiance.ZapFields(),
				zap.String("node_execution_id", id),
				zap.String("current_status", string(from)),
				zap.String("requested_status", string(status)))...)
		return updated, false, nil
	case errors.Is(err, ErrNoChange):
		return updated, false, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, false, err
	}

	if err := s.appendEvent(ctx, eventlog.KindNodeStatusUpdate, updated); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return updated, true, err
	}
	s.logger.Debug("Node execution status updated",
		append(updated.Ambiance.ZapFields(),
			zap.String("node_execution_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(status)))...)
	return updated, true, nil
}

// ExpireAll cancels a plan execution: no new node executions may start and
// every non-terminal one moves to EXPIRED. Completions racing with it either
// land first, leaving a terminal status in place, or are ignored afterwards.
func (s *Service) ExpireAll(ctx context.Context, planExecutionID string) (int, error) {
	unlock := s.locks.Lock(planExecutionID)
	s.mu.Lock()
	s.cancelled[planExecutionID] = true
	s.mu.Unlock()
	unlock()

	records, err := s.store.ListByPlanExecution(ctx, planExecutionID)
	if err != nil {
		return 0, fmt.Errorf("failed to list node executions of %s: %w", planExecutionID, err)
	}

	expired := 0
	for _, ne := range records {
		if ne.Status.IsTerminal() {
			continue
		}
		_, applied, err := s.UpdateStatus(ctx, ne.ID, StatusExpired, WithFailure("EXPIRED", "plan execution cancelled"))
		if err != nil {
			return expired, err
		}
		if applied {
			expired++
		}
	}
	s.logger.Info("Plan execution expired",
		zap.String("plan_execution_id", planExecutionID),
		zap.Int("expired", expired))
	return expired, nil
}

// IsCancelled reports whether ExpireAll ran for planExecutionID.
func (s *Service) IsCancelled(planExecutionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled[planExecutionID]
}

// Forget drops in-process bookkeeping for finished plan executions.
func (s *Service) Forget(planExecutionIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range planExecutionIDs {
		delete(s.cancelled, id)
	}
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*NodeExecution, error) {
	return s.store.Get(ctx, id)
}

// List returns every record of a plan execution in creation order.
func (s *Service) List(ctx context.Context, planExecutionID string) ([]*NodeExecution, error) {
	return s.store.ListByPlanExecution(ctx, planExecutionID)
}

func (s *Service) appendEvent(ctx context.Context, kind eventlog.Kind, ne *NodeExecution) error {
	payload, err := ne.Encode()
	if err != nil {
		return err
	}
	_, err = s.log.Append(ctx, eventlog.Event{
		PlanExecutionID: ne.PlanExecutionID,
		Kind:            kind,
		NodeExecutionID: ne.ID,
		Payload:         payload,
	})
	if err != nil {
		s.logger.Error("Failed to append orchestration event",
			zap.String("plan_execution_id", ne.PlanExecutionID),
			zap.String("node_execution_id", ne.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return fmt.Errorf("failed to append %s event: %w", kind, err)
	}
	return nil
}

// keyedLocks hands out one mutex per key and drops it once unused.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*refLock)}
}

func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
