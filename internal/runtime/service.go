package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/replicaflow/internal/runtime/config"
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	transportpkg "github.com/drblury/replicaflow/internal/runtime/transport"
)

const consumerHandlerName = "replica-consumer"

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer receives the router and guard collectors. Defaults
	// to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// Hooks are called by the Guard for every routed delivery.
	Hooks EventHooks
	// DisableSignalHandler keeps the router from installing its SIGINT/SIGTERM plugin.
	DisableSignalHandler bool
}

// Service is one replication node: a shared broker connection used by the
// publisher, the topology manager and a single consumer on the node's queue.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	declarer   transportpkg.Declarer
	router     *message.Router

	topology *TopologyManager
	routes   *Registry
	guard    *Guard

	guardMetrics      *GuardMetrics
	metricsRegisterer prometheus.Registerer

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	running       []*http.Server

	startMu   sync.Mutex
	started   bool
	startedAt time.Time
	bindings  []string

	closeOnce sync.Once
	closeErr  error

	errorClassifier ErrorClassifier
	resources       *resourceSampler
}

// NewService constructs a Service and panics when the transport cannot be
// built. Use TryNewService to handle the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf, connects the transport and prepares the
// router. Register handlers on the returned Service before calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	normalized := conf.WithDefaults()
	conf = &normalized
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating replication service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"queue":         conf.Queue,
		"config":        conf,
	})

	s := &Service{
		Conf:              conf,
		Logger:            log,
		routes:            NewRegistry(),
		guardMetrics:      NewGuardMetrics(deps.MetricsRegisterer),
		metricsRegisterer: deps.MetricsRegisterer,
		resources:         newResourceSampler(),
	}

	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, errspkg.BrokerUnavailable("connect", err)
	}
	if transport.Publisher == nil || transport.Subscriber == nil || transport.Declarer == nil {
		closeTransport(transport)
		return nil, errors.New("replicaflow: transport factory returned an incomplete transport")
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber
	s.declarer = transport.Declarer

	s.topology, err = NewTopologyManager(s.declarer, conf.Exchange, conf.DeadLetterPrefix, log)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}

	s.guard, err = NewGuard(GuardConfig{
		Queue:             conf.Queue,
		Publisher:         s.publisher,
		Topology:          s.topology,
		Routes:            s.routes,
		DeadLetterEnabled: conf.DeadLetterEnabled,
		Logger:            log.With(loggingpkg.LogFields{"component": "guard", "queue": conf.Queue}),
		Metrics:           s.guardMetrics,
		SerializeByKey:    conf.PrefetchCount > 1,
		Hooks:             deps.Hooks,
	})
	if err != nil {
		closeTransport(transport)
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}
	s.router = router
	if !deps.DisableSignalHandler {
		s.router.AddPlugin(plugin.SignalsHandler)
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		closeTransport(transport)
		return nil, err
	}

	return s, nil
}

// Start asserts the topology and consumes the service queue until ctx is
// cancelled. A topology error aborts the start: a node that cannot receive
// replication events must not accept work.
func (s *Service) Start(ctx context.Context) error {
	s.startMu.Lock()
	if s.started {
		s.startMu.Unlock()
		return errors.New("replicaflow: service already started")
	}
	s.started = true
	s.startMu.Unlock()

	patterns := s.Conf.BindingPatterns
	if len(patterns) == 0 {
		patterns = s.routes.Patterns()
	}
	if len(patterns) == 0 {
		s.Logger.Info("No binding patterns configured or registered, queue receives nothing", loggingpkg.LogFields{
			"queue": s.Conf.Queue,
		})
	}
	if err := s.topology.SetupSubscriptionQueue(ctx, s.Conf.Queue, patterns); err != nil {
		return fmt.Errorf("replicaflow: topology setup failed: %w", err)
	}
	s.startMu.Lock()
	s.bindings = slices.Clone(patterns)
	s.startedAt = time.Now()
	s.startMu.Unlock()

	s.router.AddNoPublisherHandler(
		consumerHandlerName,
		s.Conf.Queue,
		s.subscriber,
		s.guard.Dispatch(),
	)

	s.registerStatusHandlers()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running is closed once the router has started consuming.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the router, then closes the publisher, the subscriber and the
// topology connection. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		s.stopHTTPServers()
		errs = append(errs, closeTransport(transportpkg.Transport{
			Publisher:  s.publisher,
			Subscriber: s.subscriber,
			Declarer:   s.declarer,
		}))
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Topology exposes the topology manager, for example to pre-create
// dead-letter queues.
func (s *Service) Topology() *TopologyManager {
	return s.topology
}

// Guard returns the consumption guard that processes the service queue.
func (s *Service) Guard() *Guard {
	return s.guard
}

// GuardMetrics returns the per-pattern outcome counters.
func (s *Service) GuardMetrics() *GuardMetrics {
	return s.guardMetrics
}

// Stats returns the handler statistics keyed by pattern.
func (s *Service) Stats() map[string]*HandlerStats {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make(map[string]*HandlerStats, len(s.handlers))
	for _, h := range s.handlers {
		out[h.Pattern] = h.Stats
	}
	return out
}

// Handlers returns a snapshot of the registered routes.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *Service) queue() string {
	if s == nil || s.Conf == nil {
		return ""
	}
	return s.Conf.Queue
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for _, srv := range s.running {
		_ = srv.Close()
	}
	s.running = nil
}

func closeTransport(t transportpkg.Transport) error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Declarer != nil {
		errs = append(errs, t.Declarer.Close())
	}
	return errors.Join(errs...)
}
