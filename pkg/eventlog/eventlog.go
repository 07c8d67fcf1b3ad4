// Package eventlog is the ordered, append-only orchestration event log. The
// node execution service is its only writer and the graph cache its only
// reader. Within one plan execution, timestamps are strictly increasing.
package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind is the type of an orchestration event.
type Kind string

const (
	// KindNodeStart records a new node execution.
	KindNodeStart Kind = "NODE_START"
	// KindNodeStatusUpdate records a status transition.
	KindNodeStatusUpdate Kind = "NODE_STATUS_UPDATE"
)

// ErrInvalidEvent is returned for events missing their plan execution or node id.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one log entry. Payload is the encoded node execution snapshot.
type Event struct {
	PlanExecutionID string `json:"planExecutionId"`
	Timestamp       int64  `json:"timestamp"`
	Kind            Kind   `json:"kind"`
	NodeExecutionID string `json:"nodeExecutionId"`
	Payload         []byte `json:"payload"`
}

// Log is the event log contract.
type Log interface {
	// Append stores e and returns it with its assigned timestamp.
	Append(ctx context.Context, e Event) (Event, error)

	// ReadSince returns the events of planExecutionID with a timestamp greater
	// than watermark, in log order.
	ReadSince(ctx context.Context, planExecutionID string, watermark int64) ([]Event, error)

	// Latest returns the timestamp of the newest event of planExecutionID,
	// or 0 when there is none.
	Latest(ctx context.Context, planExecutionID string) (int64, error)

	// DeleteAll drops the backlog of every id. Unknown ids are ignored.
	DeleteAll(ctx context.Context, planExecutionIDs []string) error
}

func validate(e Event) error {
	if e.PlanExecutionID == "" || e.NodeExecutionID == "" {
		return ErrInvalidEvent
	}
	return nil
}

// clock issues strictly increasing timestamps per plan execution. Callers
// hold the owning log's lock.
type clock struct {
	now  func() time.Time
	last map[string]int64
}

func newClock() *clock {
	return &clock{now: time.Now, last: make(map[string]int64)}
}

func (c *clock) next(id string) int64 {
	ts := c.now().UnixNano()
	if last := c.last[id]; ts <= last {
		ts = last + 1
	}
	c.last[id] = ts
	return ts
}

// MemoryLog keeps events in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	clock  *clock
	events map[string][]Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{clock: newClock(), events: make(map[string][]Event)}
}

func (l *MemoryLog) Append(ctx context.Context, e Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if err := validate(e); err != nil {
		return Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Timestamp = l.clock.next(e.PlanExecutionID)
	e.Payload = append([]byte(nil), e.Payload...)
	l.events[e.PlanExecutionID] = append(l.events[e.PlanExecutionID], e)
	return e, nil
}

func (l *MemoryLog) ReadSince(ctx context.Context, planExecutionID string, watermark int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events[planExecutionID] {
		if e.Timestamp > watermark {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLog) Latest(ctx context.Context, planExecutionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.events[planExecutionID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Timestamp, nil
}

func (l *MemoryLog) DeleteAll(ctx context.Context, planExecutionIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range planExecutionIDs {
		delete(l.events, id)
	}
	return nil
}

var _ Log = (*MemoryLog)(nil)
