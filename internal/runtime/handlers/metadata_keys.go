package handlers

import metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"

// Metadata key constants used throughout replicaflow.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID

	// MetadataKeyRetryCount counts how many times the event has been retried.
	MetadataKeyRetryCount = metadatapkg.KeyRetryCount

	// MetadataKeyOriginQueue names the queue of the service that published the event.
	MetadataKeyOriginQueue = metadatapkg.KeyOriginQueue

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
