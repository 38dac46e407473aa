package replicaflow

import (
	runtimepkg "github.com/drblury/replicaflow/internal/runtime"
	configpkg "github.com/drblury/replicaflow/internal/runtime/config"
	envelopepkg "github.com/drblury/replicaflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replicaflow/internal/runtime/handlers"
	idspkg "github.com/drblury/replicaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/replicaflow/internal/runtime/transport"
	newtransport "github.com/drblury/replicaflow/transport"
)

type (
	Config              = configpkg.Config
	ConfigLookupFunc    = configpkg.LookupFunc
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	Declarer            = newtransport.Declarer

	Event                          = runtimepkg.Event
	EventHandler                   = runtimepkg.EventHandler
	EventHandlerRegistration       = runtimepkg.EventHandlerRegistration
	JSONHandlerRegistration[T any] = handlerpkg.JSONHandlerRegistration[T]
	JSONEventContext[T any]        = handlerpkg.JSONEventContext[T]
	JSONEventHandler[T any]        = handlerpkg.JSONEventHandler[T]
	MessageContextBase             = handlerpkg.MessageContextBase
	Envelope                       = envelopepkg.Envelope

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Producer   = runtimepkg.Producer
	ChangeKind = runtimepkg.ChangeKind
	EventData  = runtimepkg.EventData

	Guard           = runtimepkg.Guard
	GuardConfig     = runtimepkg.GuardConfig
	Outcome         = runtimepkg.Outcome
	FailureKind     = runtimepkg.FailureKind
	TopologyManager = runtimepkg.TopologyManager
	HandlerInfo     = runtimepkg.HandlerInfo
	HandlerStats    = runtimepkg.HandlerStats
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
	Metadata        = metadatapkg.Metadata
	LogFields       = loggingpkg.LogFields
	ServiceLogger   = loggingpkg.ServiceLogger

	// Event lifecycle hooks
	EventContext = runtimepkg.EventContext
	EventHooks   = runtimepkg.EventHooks

	// Guard metrics
	GuardMetrics         = runtimepkg.GuardMetrics
	GuardPatternMetrics  = runtimepkg.GuardPatternMetrics
	GuardMetricsSnapshot = runtimepkg.GuardMetricsSnapshot

	ConfigValidationError = errspkg.ConfigValidationError

	// Transport capabilities
	Capabilities      = transportpkg.Capabilities
	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	RegisterEventHandler = runtimepkg.RegisterEventHandler

	NewGuard           = runtimepkg.NewGuard
	NewGuardMetrics    = runtimepkg.NewGuardMetrics
	NewTopologyManager = runtimepkg.NewTopologyManager

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	AlertingHooks = runtimepkg.AlertingHooks

	EntityPattern   = runtimepkg.EntityPattern
	NewEventMessage = runtimepkg.NewEventMessage
	PublishEvent    = runtimepkg.PublishEvent

	EncodeEnvelope  = envelopepkg.Encode
	DecodeEnvelope  = envelopepkg.DecodeEnvelope
	ValidatePattern = envelopepkg.ValidatePattern

	// Transport registry
	GetCapabilities          = transportpkg.GetCapabilities
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	MatchTopic               = newtransport.MatchTopic

	ErrMalformedEnvelope    = errspkg.ErrMalformedEnvelope
	ErrBrokerUnavailable    = errspkg.ErrBrokerUnavailable
	ErrHandlerFailure       = errspkg.ErrHandlerFailure
	ErrUnroutableEvent      = errspkg.ErrUnroutableEvent
	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrPatternRequired      = errspkg.ErrPatternRequired
	ErrInvalidPattern       = errspkg.ErrInvalidPattern
	ErrDuplicateRoute       = errspkg.ErrDuplicateRoute
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrExchangeRequired     = errspkg.ErrExchangeRequired
	ErrBrokerURLRequired    = errspkg.ErrBrokerURLRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)

// Entity change kinds used in "<entity>.<kind>" patterns.
const (
	ChangeCreated = runtimepkg.ChangeCreated
	ChangeUpdated = runtimepkg.ChangeUpdated
	ChangeDeleted = runtimepkg.ChangeDeleted
)

// Guard outcomes and dead-letter failure kinds.
const (
	OutcomeAcked        = runtimepkg.OutcomeAcked
	OutcomeDeadLettered = runtimepkg.OutcomeDeadLettered
	OutcomeDropped      = runtimepkg.OutcomeDropped
	OutcomeUnroutable   = runtimepkg.OutcomeUnroutable
	OutcomeRequeued     = runtimepkg.OutcomeRequeued

	FailureMalformed = runtimepkg.FailureMalformed
	FailureHandler   = runtimepkg.FailureHandler
	FailurePanic     = runtimepkg.FailurePanic
)

// Replication headers carried on every event and dead-letter copy.
const (
	MetadataKeyRetryCount      = metadatapkg.KeyRetryCount
	MetadataKeyOriginQueue     = metadatapkg.KeyOriginQueue
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeyLastError       = metadatapkg.KeyLastError
	MetadataKeyAttempts        = metadatapkg.KeyAttempts
	MetadataKeyOriginalPattern = metadatapkg.KeyOriginalPattern
	MetadataKeyFailureKind     = metadatapkg.KeyFailureKind
	MetadataKeyFailedAt        = metadatapkg.KeyFailedAt
	MetadataKeyTraceID         = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID          = handlerpkg.MetadataKeySpanID
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryHandler    = runtimepkg.ErrorCategoryHandler
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

func RegisterJSONHandler[T any](svc *Service, cfg JSONHandlerRegistration[T]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}
