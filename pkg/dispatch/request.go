// Package dispatch turns a step's parameters into a task request for the
// remote worker pool and correlates the asynchronous result back to the
// waiting node execution.
//
// Dispatch never fails synchronously. Build failures, capability mismatches
// and transport errors all arrive as a FAILED Result on the notify hub, the
// same way a remote failure does.
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/ambiance"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/plan"
)

// ErrUnsupportedFacilitator is returned for facilitators that are not
// dispatched to workers.
var ErrUnsupportedFacilitator = errors.New("facilitator is not dispatchable")

// ErrEncodeParameters is returned when task parameters cannot be serialized.
var ErrEncodeParameters = errors.New("failed to encode task parameters")

// Mode is the execution mode of a task.
type Mode string

const (
	ModeSync  Mode = message.ModeSync
	ModeAsync Mode = message.ModeAsync
)

// ModeFor maps a dispatchable facilitator to its task mode.
func ModeFor(f plan.Facilitator) (Mode, error) {
	switch f {
	case plan.FacilitatorTask:
		return ModeAsync, nil
	case plan.FacilitatorSyncTask:
		return ModeSync, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFacilitator, f)
}

// ExecutionCapability is a requirement a worker must satisfy to accept a task.
type ExecutionCapability struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// Parameters are a step's task parameters. Encoding belongs to the step type.
type Parameters interface {
	PayloadType() string
	Encode() ([]byte, error)
}

// CapabilityDeclarer is implemented by parameters that need specific workers.
// Parameters that do not implement it dispatch with no capabilities.
type CapabilityDeclarer interface {
	RequiredCapabilities() []ExecutionCapability
}

// RawParameters passes a plan node's payload through unchanged.
type RawParameters plan.TypedPayload

func (p RawParameters) PayloadType() string     { return p.Type }
func (p RawParameters) Encode() ([]byte, error) { return p.Data, nil }

// DecodeFunc turns a plan node's payload into Parameters.
type DecodeFunc func(plan.TypedPayload) (Parameters, error)

// ParameterRegistry maps payload types to decoders. Unregistered types decode
// to RawParameters.
type ParameterRegistry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

// NewParameterRegistry returns an empty registry.
func NewParameterRegistry() *ParameterRegistry {
	return &ParameterRegistry{decoders: make(map[string]DecodeFunc)}
}

// Register installs fn for payloadType, replacing any earlier decoder.
func (r *ParameterRegistry) Register(payloadType string, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[payloadType] = fn
}

// Decode decodes p with its registered decoder.
func (r *ParameterRegistry) Decode(p plan.TypedPayload) (Parameters, error) {
	r.mu.RLock()
	fn, ok := r.decoders[p.Type]
	r.mu.RUnlock()
	if !ok {
		return RawParameters(p), nil
	}
	params, err := fn(p)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s parameters: %w", p.Type, err)
	}
	return params, nil
}

// TaskRequest is one unit of work for the worker pool. It is built once per
// dispatch and not modified afterwards.
type TaskRequest struct {
	CorrelationID   string
	AccountID       string
	PlanExecutionID string
	NodeExecutionID string
	LogKey          string
	PayloadType     string
	Payload         []byte
	BlobReference   *message.BlobReference
	Capabilities    []ExecutionCapability
	Timeout         time.Duration
	Mode            Mode
}

// BuildTaskRequest derives a TaskRequest from the node's ambiance and
// parameters. The node execution id is the runtime id of the current level.
func BuildTaskRequest(correlationID string, amb ambiance.Ambiance, params Parameters, f plan.Facilitator, timeout time.Duration) (*TaskRequest, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: parameters are nil", ErrEncodeParameters)
	}
	mode, err := ModeFor(f)
	if err != nil {
		return nil, err
	}
	payload, err := params.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncodeParameters, params.PayloadType(), err)
	}

	caps := []ExecutionCapability{}
	if d, ok := params.(CapabilityDeclarer); ok {
		caps = append(caps, d.RequiredCapabilities()...)
	}

	req := &TaskRequest{
		CorrelationID:   correlationID,
		AccountID:       amb.AccountID(),
		PlanExecutionID: amb.PlanExecutionID(),
		LogKey:          amb.LogKey(),
		PayloadType:     params.PayloadType(),
		Payload:         payload,
		Capabilities:    caps,
		Timeout:         timeout,
		Mode:            mode,
	}
	if level, ok := amb.CurrentLevel(); ok {
		req.NodeExecutionID = level.RuntimeID
	}
	return req, nil
}

// toMessage converts the request to its wire form.
func (r *TaskRequest) toMessage() *message.TaskMessage {
	caps := make([]message.Capability, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		caps = append(caps, message.Capability{Type: c.Type, Value: c.Value})
	}
	msg := message.NewTaskMessage(r.CorrelationID, r.AccountID).
		WithExecution(r.PlanExecutionID, r.NodeExecutionID).
		WithLogKey(r.LogKey).
		WithPayload(r.PayloadType, r.Payload).
		WithCapabilities(caps).
		WithTimeout(r.Timeout).
		WithMode(string(r.Mode))
	if r.BlobReference != nil {
		msg.WithBlobReference(r.BlobReference)
	}
	return msg
}
