package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// Failure codes carried by results the dispatcher produces itself.
const (
	CodeTimeout             = "TIMEOUT"
	CodeCapabilityMismatch  = "CAPABILITY_MISMATCH"
	CodeWorkerUnavailable   = "WORKER_UNAVAILABLE"
	CodeSerializationFailed = "SERIALIZATION_FAILED"
	CodeDispatchFailed      = "DISPATCH_FAILED"
	CodeCancelled           = "CANCELLED"
)

// Result is the outcome of one dispatched task.
type Result struct {
	CorrelationID   string
	PlanExecutionID string
	NodeExecutionID string
	Status          execution.Status
	Failure         *execution.FailureInfo
	Output          json.RawMessage
	BlobReference   *message.BlobReference
}

// Failed builds a FAILED result.
func Failed(correlationID, code, msg string) Result {
	return Result{
		CorrelationID: correlationID,
		Status:        execution.StatusFailed,
		Failure:       &execution.FailureInfo{Code: code, Message: msg},
	}
}

// ResultFromMessage converts a worker's result message.
func ResultFromMessage(m *message.ResultMessage) Result {
	r := Result{
		CorrelationID:   m.CorrelationID,
		PlanExecutionID: m.PlanExecutionID,
		NodeExecutionID: m.NodeExecutionID,
		Output:          m.InlineResult,
		BlobReference:   m.BlobReference,
	}
	switch {
	case m.IsSuccess():
		r.Status = execution.StatusSucceeded
	case m.IsSkipped():
		r.Status = execution.StatusSkipped
	default:
		r.Status = execution.StatusFailed
		r.Failure = &execution.FailureInfo{Code: CodeDispatchFailed, Message: "task failed"}
		if m.Error != nil {
			r.Failure = &execution.FailureInfo{Code: m.Error.Code, Message: m.Error.Message}
		}
	}
	return r
}

type waiter struct {
	ch    chan Result
	timer *time.Timer
}

// NotifyHub correlates results with the node executions waiting on them.
// Each correlation id receives at most one Result; its channel is closed
// afterwards. Results for unknown or already-resolved ids are dropped.
type NotifyHub struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewNotifyHub returns an empty hub.
func NewNotifyHub() *NotifyHub {
	return &NotifyHub{waiters: make(map[string]*waiter)}
}

// Register opens a waiter for correlationID. If no result arrives within
// timeout a FAILED result with code TIMEOUT is delivered; timeout <= 0
// waits forever. Registering an id twice replaces the earlier waiter, whose
// channel is closed without a result.
func (h *NotifyHub) Register(correlationID string, timeout time.Duration) <-chan Result {
	w := &waiter{ch: make(chan Result, 1)}

	h.mu.Lock()
	if old, ok := h.waiters[correlationID]; ok {
		h.closeLocked(correlationID, old)
	}
	h.waiters[correlationID] = w
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			h.deliverTo(w, Failed(correlationID, CodeTimeout, fmt.Sprintf("no result within %s", timeout)))
		})
	}
	h.mu.Unlock()

	return w.ch
}

// Deliver hands r to its waiter. It reports false when nobody is waiting,
// which is the case for duplicate and late results.
func (h *NotifyHub) Deliver(r Result) bool {
	return h.deliverTo(nil, r)
}

// deliverTo delivers r only if the current waiter is want, or any waiter
// when want is nil.
func (h *NotifyHub) deliverTo(want *waiter, r Result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.waiters[r.CorrelationID]
	if !ok || (want != nil && w != want) {
		return false
	}
	w.ch <- r
	h.closeLocked(r.CorrelationID, w)
	return true
}

// Cancel drops the waiter without a result.
func (h *NotifyHub) Cancel(correlationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.waiters[correlationID]; ok {
		h.closeLocked(correlationID, w)
	}
}

// Pending returns the number of open waiters.
func (h *NotifyHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}

func (h *NotifyHub) closeLocked(correlationID string, w *waiter) {
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.ch)
	delete(h.waiters, correlationID)
}
