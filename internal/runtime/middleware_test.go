package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/replicaflow/internal/runtime/config"
	idspkg "github.com/drblury/replicaflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replicaflow/internal/runtime/metadata"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	mw := svc.correlationIDMiddleware()

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		msg.Metadata = message.Metadata{}
		called := false
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			called = true
			if m.Metadata[metadatapkg.KeyCorrelationID] == "" {
				t.Fatal("expected correlation id to be populated")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("handler not invoked")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		msg.Metadata = message.Metadata{metadatapkg.KeyCorrelationID: "fixed"}
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			if m.Metadata[metadatapkg.KeyCorrelationID] != "fixed" {
				t.Fatal("expected correlation id to be preserved")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestLogMessagesMiddleware(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	logger := &recordingServiceLogger{}
	mw := svc.logMessagesMiddleware(logger)
	msg := message.NewMessage(idspkg.CreateULID(), []byte(`{"pattern":"store.created","data":{}}`))
	msg.Metadata = message.Metadata{metadatapkg.KeyRoutingKey: "store.created"}
	_, err := mw(func(m *message.Message) ([]*message.Message, error) { return nil, nil })(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.debugCount() == 0 {
		t.Fatal("expected log entry to be recorded")
	}
}

type recordingServiceLogger struct {
	infos  int
	debugs int
	errors int
}

func (r *recordingServiceLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }

func (r *recordingServiceLogger) Debug(string, loggingpkg.LogFields) { r.debugs++ }

func (r *recordingServiceLogger) Info(string, loggingpkg.LogFields) { r.infos++ }

func (r *recordingServiceLogger) Error(string, error, loggingpkg.LogFields) { r.errors++ }

func (r *recordingServiceLogger) Trace(string, loggingpkg.LogFields) {}

func (r *recordingServiceLogger) debugCount() int { return r.debugs }

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	svc := &Service{Conf: &configpkg.Config{Queue: testQueue}}
	mw := svc.tracerMiddleware()
	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.Metadata = message.Metadata{
		metadatapkg.KeyRoutingKey:  "owner.updated",
		metadatapkg.KeyRetryCount:  "2",
		metadatapkg.KeyOriginQueue: "crm-replica",
	}
	msg.SetContext(context.Background())

	var observed trace.Span
	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, nil
	})(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed == nil {
		t.Fatal("expected span to be attached to context")
	}
}

func TestTracerMiddlewarePropagatesError(t *testing.T) {
	t.Parallel()

	svc := &Service{}
	mw := svc.tracerMiddleware()
	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.Metadata = message.Metadata{}

	want := errors.New("dead-letter publish failed")
	_, err := mw(func(m *message.Message) ([]*message.Message, error) { return nil, want })(msg)
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error to be returned, got %v", err)
	}
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Parallel()

	t.Run("requires router", testRegisterMiddlewareRequiresRouter)
	t.Run("requires configuration", testRegisterMiddlewareRequiresConfiguration)
	t.Run("invokes builder", testRegisterMiddlewareInvokesBuilder)
	t.Run("handles builder error", testRegisterMiddlewareHandlesBuilderError)
	t.Run("handles nil middleware from builder", testRegisterMiddlewareHandlesNilMiddlewareFromBuilder)
}

func newTestRouter(t *testing.T) *message.Router {
	t.Helper()
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("router init failed: %v", err)
	}
	return router
}

func testRegisterMiddlewareRequiresRouter(t *testing.T) {
	svc := &Service{}
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Middleware: func(h message.HandlerFunc) message.HandlerFunc { return h },
	})
	if err == nil {
		t.Fatal("expected error when router is missing")
	}
}

func testRegisterMiddlewareRequiresConfiguration(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	if err := svc.RegisterMiddleware(MiddlewareRegistration{}); err == nil {
		t.Fatal("expected error when registration empty")
	}
}

func testRegisterMiddlewareInvokesBuilder(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	built := false
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			built = true
			return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !built {
		t.Fatal("expected builder to be invoked")
	}
}

func testRegisterMiddlewareHandlesBuilderError(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return nil, errors.New("builder failed")
		},
	})
	if err == nil {
		t.Fatal("expected builder error to propagate")
	}
}

func testRegisterMiddlewareHandlesNilMiddlewareFromBuilder(t *testing.T) {
	svc := &Service{router: newTestRouter(t)}
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogMessagesMiddlewareValidations(t *testing.T) {
	svc := &Service{}
	_, err := LogMessagesMiddleware(nil).Builder(svc)
	if err == nil {
		t.Fatal("expected error when logger missing")
	}
}

func TestServiceRegistersCustomMiddlewares(t *testing.T) {
	svc, err := TryNewService(newTestConfig(), newTestLogger(), context.Background(), ServiceDependencies{
		TransportFactory: staticTransportFactory{transport: testTransport()},
		Middlewares: []MiddlewareRegistration{{
			Name: "broken",
			Builder: func(*Service) (message.HandlerMiddleware, error) {
				return nil, errors.New("no")
			},
		}},
		MetricsRegisterer:    prometheus.NewRegistry(),
		DisableSignalHandler: true,
	})
	if err == nil {
		_ = svc.Close()
		t.Fatal("expected middleware error to abort construction")
	}
}

func TestMetricsMiddleware_Enabled(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	svc := &Service{
		Conf: &configpkg.Config{
			MetricsEnabled: true,
			PubSubSystem:   "memory",
		},
		Logger:            newTestLogger(),
		router:            newTestRouter(t),
		guardMetrics:      NewGuardMetrics(registry),
		metricsRegisterer: registry,
	}

	mw, err := MetricsMiddleware().Builder(svc)
	if err != nil {
		t.Fatalf("unexpected error building metrics middleware: %v", err)
	}
	if mw == nil {
		t.Fatal("expected middleware to be returned")
	}

	svc.guardMetrics.RecordOutcome("store.created", OutcomeAcked)
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "replicaflow_guard_messages_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected guard collectors to be registered")
	}
	if len(svc.httpServers) != 0 {
		t.Fatal("no metrics endpoint without a port")
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	t.Parallel()

	svcDisabled := &Service{
		Conf: &configpkg.Config{
			MetricsEnabled: false,
		},
	}
	mw, err := MetricsMiddleware().Builder(svcDisabled)
	if err != nil {
		t.Fatal(err)
	}
	if mw != nil {
		t.Fatal("expected nil middleware when disabled")
	}
}

func TestMetricsMiddleware_WithPort(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	svc := &Service{
		Conf: &configpkg.Config{
			MetricsEnabled: true,
			MetricsPort:    9464,
			PubSubSystem:   "memory",
		},
		Logger:            newTestLogger(),
		router:            newTestRouter(t),
		guardMetrics:      NewGuardMetrics(registry),
		metricsRegisterer: registry,
	}

	if _, err := MetricsMiddleware().Builder(svc); err != nil {
		t.Fatal(err)
	}
	if svc.httpServers[9464] == nil {
		t.Fatal("expected /metrics to be registered on the metrics port")
	}
}
