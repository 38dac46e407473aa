package handlers

import (
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
)

// MessageContextBase provides common functionality for all event context types.
// It holds the metadata and logger shared by raw and typed handlers.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[MetadataKeyCorrelationID]
}

// RetryCount returns how often the event has already been retried.
func (b MessageContextBase) RetryCount() int {
	return b.Metadata.RetryCount()
}

// OriginQueue returns the queue of the publishing service.
func (b MessageContextBase) OriginQueue() string {
	return b.Metadata.OriginQueue()
}
