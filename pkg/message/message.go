// Package message holds the JetStream wire types exchanged between the
// dispatcher and remote workers, and the service that publishes and pulls them.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Task execution modes.
const (
	ModeSync  = "SYNC"
	ModeAsync = "ASYNC"
)

// Result statuses reported by workers.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// BlobReference contains information for fetching data from blob storage.
// When a task payload is too large to send inline it is uploaded to Azure Blob
// Storage and a BlobReference is included instead of the raw data.
type BlobReference struct {
	URL       string `json:"url"`       // Direct blob URL
	SizeBytes int    `json:"sizeBytes"` // Original data size in bytes
}

// Capability is one requirement a worker must satisfy to accept a task.
type Capability struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// delivery keeps the JetStream message a value was decoded from so the
// consumer can acknowledge it. Values built locally have none and every
// acknowledgment is a no-op.
type delivery struct {
	natsMsg *nats.Msg
}

// Ack acknowledges the message, indicating successful processing.
func (d *delivery) Ack() error {
	if d.natsMsg == nil || d.natsMsg.Reply == "" {
		return nil
	}
	return d.natsMsg.Ack()
}

// Nak negatively acknowledges the message; it may be redelivered.
func (d *delivery) Nak() error {
	if d.natsMsg == nil || d.natsMsg.Reply == "" {
		return nil
	}
	return d.natsMsg.Nak()
}

// InProgress extends the acknowledgment deadline of a long-running message.
func (d *delivery) InProgress() error {
	if d.natsMsg == nil || d.natsMsg.Reply == "" {
		return nil
	}
	return d.natsMsg.InProgress()
}

// Term stops redelivery of the message.
func (d *delivery) Term() error {
	if d.natsMsg == nil || d.natsMsg.Reply == "" {
		return nil
	}
	return d.natsMsg.Term()
}

// GetNATSMsg returns the underlying NATS message, or nil.
func (d *delivery) GetNATSMsg() *nats.Msg {
	return d.natsMsg
}

// TaskMessage is the wire form of a task request handed to the worker pool.
// Exactly one of Payload and BlobReference carries the step parameters.
type TaskMessage struct {
	// CorrelationID ties the eventual result back to the waiting node execution
	CorrelationID string `json:"correlationId"`

	AccountID       string `json:"accountId"`
	PlanExecutionID string `json:"planExecutionId,omitempty"`
	NodeExecutionID string `json:"nodeExecutionId,omitempty"`

	// LogKey groups the worker's log stream with the rest of the stage
	LogKey string `json:"logKey"`

	PayloadType   string         `json:"payloadType"`
	Payload       []byte         `json:"payload,omitempty"`
	BlobReference *BlobReference `json:"blobReference,omitempty"`

	Capabilities []Capability `json:"capabilities"`

	TimeoutMs int64  `json:"timeoutMs,omitempty"`
	Mode      string `json:"mode"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`

	delivery
}

// NewTaskMessage creates a task message with timestamps and an empty
// capability list.
func NewTaskMessage(correlationID, accountID string) *TaskMessage {
	now := time.Now().Format(time.RFC3339)
	return &TaskMessage{
		CorrelationID: correlationID,
		AccountID:     accountID,
		Capabilities:  []Capability{},
		Mode:          ModeAsync,
		Metadata:      make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// WithExecution sets the plan and node execution the task belongs to.
func (m *TaskMessage) WithExecution(planExecutionID, nodeExecutionID string) *TaskMessage {
	m.PlanExecutionID = planExecutionID
	m.NodeExecutionID = nodeExecutionID
	return m.UpdateTimestamp()
}

// WithLogKey sets the log correlation key.
func (m *TaskMessage) WithLogKey(key string) *TaskMessage {
	m.LogKey = key
	return m.UpdateTimestamp()
}

// WithPayload sets the inline parameter payload.
func (m *TaskMessage) WithPayload(payloadType string, data []byte) *TaskMessage {
	m.PayloadType = payloadType
	m.Payload = data
	return m.UpdateTimestamp()
}

// WithBlobReference replaces the inline payload with a blob reference.
func (m *TaskMessage) WithBlobReference(ref *BlobReference) *TaskMessage {
	m.BlobReference = ref
	m.Payload = nil
	return m.UpdateTimestamp()
}

// WithCapabilities sets the declared capabilities. A nil list is stored as empty.
func (m *TaskMessage) WithCapabilities(caps []Capability) *TaskMessage {
	m.Capabilities = append([]Capability{}, caps...)
	return m.UpdateTimestamp()
}

// WithTimeout sets the task timeout.
func (m *TaskMessage) WithTimeout(d time.Duration) *TaskMessage {
	m.TimeoutMs = d.Milliseconds()
	return m.UpdateTimestamp()
}

// WithMode sets the execution mode.
func (m *TaskMessage) WithMode(mode string) *TaskMessage {
	m.Mode = mode
	return m.UpdateTimestamp()
}

// WithMetadata adds metadata to the message
func (m *TaskMessage) WithMetadata(key, value string) *TaskMessage {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	return m.UpdateTimestamp()
}

// UpdateTimestamp updates the UpdatedAt timestamp to current time
func (m *TaskMessage) UpdateTimestamp() *TaskMessage {
	m.UpdatedAt = time.Now().Format(time.RFC3339)
	return m
}

// Timeout returns the task timeout, zero when unset.
func (m *TaskMessage) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// HasBlobReference returns true if the payload is stored in blob storage
func (m *TaskMessage) HasBlobReference() bool {
	return m.BlobReference != nil && m.BlobReference.URL != ""
}

// Validate checks the fields every worker relies on.
func (m *TaskMessage) Validate() error {
	if m.CorrelationID == "" {
		return fmt.Errorf("task message missing correlation id")
	}
	if m.PayloadType == "" {
		return fmt.Errorf("task %s missing payload type", m.CorrelationID)
	}
	if m.Mode != ModeSync && m.Mode != ModeAsync {
		return fmt.Errorf("task %s has invalid mode %q", m.CorrelationID, m.Mode)
	}
	if len(m.Payload) > 0 && m.HasBlobReference() {
		return fmt.Errorf("task %s carries both an inline payload and a blob reference", m.CorrelationID)
	}
	return nil
}

// ToBytes serializes the message to JSON bytes
func (m *TaskMessage) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// TaskMessageFromBytes deserializes a task message from JSON bytes
func TaskMessageFromBytes(data []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Capabilities == nil {
		msg.Capabilities = []Capability{}
	}
	return &msg, nil
}

// TaskMessageFromNATSMsg converts a NATS message to a TaskMessage that can be
// acknowledged.
func TaskMessageFromNATSMsg(natsMsg *nats.Msg) (*TaskMessage, error) {
	msg, err := TaskMessageFromBytes(natsMsg.Data)
	if err != nil {
		return nil, err
	}
	msg.natsMsg = natsMsg
	return msg, nil
}

// ResultMessage is a task outcome published by a worker to the result stream.
type ResultMessage struct {
	// CorrelationID is the id of the task this result answers
	CorrelationID string `json:"correlation_id"`

	PlanExecutionID string `json:"plan_execution_id,omitempty"`
	NodeExecutionID string `json:"node_execution_id,omitempty"`

	// Execution status
	Status string `json:"status"` // "success", "failed", "skipped"

	// Result data - one of these will be populated based on result size
	InlineResult  json.RawMessage `json:"inline_result,omitempty"`
	BlobReference *BlobReference  `json:"blob_reference,omitempty"`

	// Error information (only present when status is "failed")
	Error *ResultError `json:"error,omitempty"`

	WorkerID        string `json:"worker_id,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
	ResultSize      int    `json:"result_size,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`

	delivery
}

// ResultError contains error information for failed executions
type ResultError struct {
	Code      string `json:"code"`           // Error code (e.g., "TIMEOUT", "CAPABILITY_MISMATCH")
	Message   string `json:"message"`        // Human-readable error message
	Retryable bool   `json:"retryable"`      // Whether the error is retryable (transient vs permanent)
	Type      string `json:"type,omitempty"` // Error type (e.g., "internal", "bad_request")
}

// NewResultMessage creates a new result message with timestamps
func NewResultMessage(correlationID, status string) *ResultMessage {
	now := time.Now()
	return &ResultMessage{
		CorrelationID: correlationID,
		Status:        status,
		Timestamp:     now,
		CreatedAt:     now.Format(time.RFC3339),
		UpdatedAt:     now.Format(time.RFC3339),
	}
}

func (r *ResultMessage) touch() *ResultMessage {
	r.UpdatedAt = time.Now().Format(time.RFC3339)
	return r
}

// WithExecution sets the plan and node execution the result belongs to.
func (r *ResultMessage) WithExecution(planExecutionID, nodeExecutionID string) *ResultMessage {
	r.PlanExecutionID = planExecutionID
	r.NodeExecutionID = nodeExecutionID
	return r.touch()
}

// WithInlineResult sets the inline result data
func (r *ResultMessage) WithInlineResult(result json.RawMessage) *ResultMessage {
	r.InlineResult = result
	r.ResultSize = len(result)
	return r.touch()
}

// WithBlobReference sets the blob reference for large results
func (r *ResultMessage) WithBlobReference(blobRef *BlobReference) *ResultMessage {
	r.BlobReference = blobRef
	if blobRef != nil {
		r.ResultSize = blobRef.SizeBytes
	}
	return r.touch()
}

// WithError sets the error information and marks the result failed
func (r *ResultMessage) WithError(err *ResultError) *ResultMessage {
	r.Error = err
	r.Status = StatusFailed
	return r.touch()
}

// WithWorker records which worker produced the result.
func (r *ResultMessage) WithWorker(workerID string) *ResultMessage {
	r.WorkerID = workerID
	return r.touch()
}

// WithExecutionTime sets the execution time in milliseconds
func (r *ResultMessage) WithExecutionTime(ms int64) *ResultMessage {
	r.ExecutionTimeMs = ms
	return r.touch()
}

// Validate checks that the result can be correlated and has a known status.
func (r *ResultMessage) Validate() error {
	if r.CorrelationID == "" {
		return fmt.Errorf("result message missing correlation id")
	}
	switch r.Status {
	case StatusSuccess, StatusFailed, StatusSkipped:
	default:
		return fmt.Errorf("result %s has invalid status %q", r.CorrelationID, r.Status)
	}
	return nil
}

// ToBytes serializes the result message to JSON bytes
func (r *ResultMessage) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultMessageFromBytes deserializes a result message from JSON bytes
func ResultMessageFromBytes(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ResultMessageFromNATSMsg converts a NATS message to a ResultMessage that can
// be acknowledged.
func ResultMessageFromNATSMsg(natsMsg *nats.Msg) (*ResultMessage, error) {
	msg, err := ResultMessageFromBytes(natsMsg.Data)
	if err != nil {
		return nil, err
	}
	msg.natsMsg = natsMsg
	return msg, nil
}

// HasInlineResult returns true if the result is available inline
func (r *ResultMessage) HasInlineResult() bool {
	return len(r.InlineResult) > 0
}

// HasBlobReference returns true if the result is stored in blob storage
func (r *ResultMessage) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// IsSuccess returns true if the execution was successful
func (r *ResultMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsFailed returns true if the execution failed
func (r *ResultMessage) IsFailed() bool {
	return r.Status == StatusFailed
}

// IsSkipped returns true if the execution was skipped
func (r *ResultMessage) IsSkipped() bool {
	return r.Status == StatusSkipped
}

// IsRetryable returns true if the error is retryable (only meaningful for failed executions)
func (r *ResultMessage) IsRetryable() bool {
	return r.Error != nil && r.Error.Retryable
}
