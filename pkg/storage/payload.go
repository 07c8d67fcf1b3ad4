package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/message"
)

// DefaultMaxInlineBytes is the largest payload sent inline on JetStream.
// The default JetStream max payload is 1MB; the envelope needs headroom.
const DefaultMaxInlineBytes = 768 * 1024

// ErrPayloadSizeMismatch is returned when a downloaded payload does not have
// the size its reference recorded.
var ErrPayloadSizeMismatch = errors.New("offloaded payload size mismatch")

// TaskPayloadPath returns the blob path of an offloaded task payload.
func TaskPayloadPath(accountID, planExecutionID, correlationID string) string {
	return fmt.Sprintf("tasks/%s/%s/%s.bin", accountID, planExecutionID, correlationID)
}

// ResultPayloadPath returns the blob path of an offloaded task result.
func ResultPayloadPath(planExecutionID, correlationID string) string {
	return fmt.Sprintf("results/%s/%s.json", planExecutionID, correlationID)
}

// PayloadStore decides whether a payload travels inline and moves the rest
// through blob storage.
type PayloadStore struct {
	client         BlobStorageClient
	maxInlineBytes int
	logger         *zap.Logger
}

// NewPayloadStore wraps client. maxInlineBytes <= 0 selects DefaultMaxInlineBytes.
func NewPayloadStore(client BlobStorageClient, maxInlineBytes int, logger *zap.Logger) *PayloadStore {
	if maxInlineBytes <= 0 {
		maxInlineBytes = DefaultMaxInlineBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayloadStore{client: client, maxInlineBytes: maxInlineBytes, logger: logger}
}

// MaxInlineBytes returns the inline threshold.
func (p *PayloadStore) MaxInlineBytes() int { return p.maxInlineBytes }

// NeedsOffload reports whether data is too large to send inline.
func (p *PayloadStore) NeedsOffload(data []byte) bool {
	return len(data) > p.maxInlineBytes
}

// Offload uploads data to blobPath and returns the reference to send instead.
func (p *PayloadStore) Offload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (*message.BlobReference, error) {
	if p.client == nil {
		return nil, fmt.Errorf("blob storage not configured but payload of %d bytes exceeds inline limit %d", len(data), p.maxInlineBytes)
	}
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["offloaded_at"] = time.Now().UTC().Format(time.RFC3339)

	url, err := p.client.Upload(ctx, blobPath, data, md)
	if err != nil {
		return nil, fmt.Errorf("failed to offload payload to %s: %w", blobPath, err)
	}
	p.logger.Info("Offloaded payload to blob storage",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return &message.BlobReference{URL: url, SizeBytes: len(data)}, nil
}

// Load downloads an offloaded payload and checks its size.
func (p *PayloadStore) Load(ctx context.Context, ref *message.BlobReference) ([]byte, error) {
	if ref == nil || ref.URL == "" {
		return nil, fmt.Errorf("blob reference is required")
	}
	if p.client == nil {
		return nil, fmt.Errorf("blob storage not configured")
	}
	data, err := p.client.Download(ctx, ref.URL)
	if err != nil {
		return nil, err
	}
	if len(data) != ref.SizeBytes {
		return nil, fmt.Errorf("%w: %s has %d bytes, expected %d", ErrPayloadSizeMismatch, ref.URL, len(data), ref.SizeBytes)
	}
	return data, nil
}

// Resolve returns inline when no reference is set, otherwise the offloaded bytes.
func (p *PayloadStore) Resolve(ctx context.Context, inline []byte, ref *message.BlobReference) ([]byte, error) {
	if ref == nil || ref.URL == "" {
		return inline, nil
	}
	return p.Load(ctx, ref)
}

// Discard deletes an offloaded payload once it is no longer needed.
func (p *PayloadStore) Discard(ctx context.Context, ref *message.BlobReference) error {
	if ref == nil || ref.URL == "" || p.client == nil {
		return nil
	}
	return p.client.Delete(ctx, ref.URL)
}
