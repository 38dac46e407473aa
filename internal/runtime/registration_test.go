package runtime

import (
	"context"
	"errors"
	"reflect"
	"testing"

	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replicaflow/internal/runtime/handlers"
	"github.com/drblury/replicaflow/transport"
)

func noopHandler(context.Context, Event) error { return nil }

func TestRegisterEventHandlerValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if err := RegisterEventHandler(nil, EventHandlerRegistration{Pattern: "a.b", Handler: noopHandler}); !errors.Is(err, errspkg.ErrServiceRequired) {
		t.Fatalf("expected ErrServiceRequired, got %v", err)
	}
	if err := RegisterEventHandler(svc, EventHandlerRegistration{Pattern: "a.b"}); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}
	if err := RegisterEventHandler(svc, EventHandlerRegistration{Handler: noopHandler}); !errors.Is(err, errspkg.ErrPatternRequired) {
		t.Fatalf("expected ErrPatternRequired, got %v", err)
	}
	if err := RegisterEventHandler(svc, EventHandlerRegistration{Pattern: "company..created", Handler: noopHandler}); !errors.Is(err, errspkg.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
	if err := RegisterEventHandler(svc, EventHandlerRegistration{Pattern: "company.*x", Handler: noopHandler}); !errors.Is(err, transport.ErrInvalidBindingPattern) {
		t.Fatalf("expected ErrInvalidBindingPattern, got %v", err)
	}
	if svc.routes.Len() != 0 {
		t.Fatalf("no route should have been registered, got %d", svc.routes.Len())
	}
}

func TestRegisterEventHandlerRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)

	for _, pattern := range []string{"company.created", "store.*"} {
		if err := RegisterEventHandler(svc, EventHandlerRegistration{Pattern: pattern, Handler: noopHandler}); err != nil {
			t.Fatalf("register %s: %v", pattern, err)
		}
		if err := RegisterEventHandler(svc, EventHandlerRegistration{Pattern: pattern, Handler: noopHandler}); !errors.Is(err, errspkg.ErrDuplicateRoute) {
			t.Fatalf("expected ErrDuplicateRoute for %s, got %v", pattern, err)
		}
	}
	if got := len(svc.Handlers()); got != 2 {
		t.Fatalf("expected 2 handlers, got %d", got)
	}
}

func TestRegistryPrefersExactOverWildcard(t *testing.T) {
	svc, _ := newTestService(t)

	var hit string
	register := func(pattern string) {
		t.Helper()
		err := RegisterEventHandler(svc, EventHandlerRegistration{
			Pattern: pattern,
			Handler: func(context.Context, Event) error {
				hit = pattern
				return nil
			},
		})
		if err != nil {
			t.Fatalf("register %s: %v", pattern, err)
		}
	}
	register("company.#")
	register("company.*")
	register("company.deleted")

	cases := map[string]string{
		"company.deleted":     "company.deleted",
		"company.created":     "company.#",
		"company.address.set": "company.#",
	}
	for pattern, want := range cases {
		hit = ""
		outcome, err := svc.Guard().Handle(newDelivery(t, pattern, map[string]any{"id": "c1"}, nil))
		if err != nil || outcome != OutcomeAcked {
			t.Fatalf("%s: expected acked, got %s (%v)", pattern, outcome, err)
		}
		if hit != want {
			t.Fatalf("%s routed to %q, want %q", pattern, hit, want)
		}
	}

	if got := svc.routes.Patterns(); !reflect.DeepEqual(got, []string{"company.#", "company.*", "company.deleted"}) {
		t.Fatalf("unexpected registration order %v", got)
	}
}

func TestRegisterEventHandlerDeadLetterPolicy(t *testing.T) {
	conf := newTestConfig()
	conf.DeadLetterDisabledPatterns = []string{"password.changed"}
	svc, _ := newTestServiceWithConfig(t, conf)

	regs := []EventHandlerRegistration{
		{Pattern: "company.created", Handler: noopHandler},
		{Pattern: "store.updated", Handler: noopHandler, DisableDeadLetter: true},
		{Pattern: "password.changed", Handler: noopHandler},
	}
	for _, reg := range regs {
		if err := RegisterEventHandler(svc, reg); err != nil {
			t.Fatalf("register %s: %v", reg.Pattern, err)
		}
	}

	want := map[string]bool{
		"company.created":  true,
		"store.updated":    false,
		"password.changed": false,
	}
	for _, info := range svc.Handlers() {
		if info.DeadLetter != want[info.Pattern] {
			t.Fatalf("%s: dead letter = %v, want %v", info.Pattern, info.DeadLetter, want[info.Pattern])
		}
		if info.Queue != testQueue {
			t.Fatalf("%s: unexpected queue %q", info.Pattern, info.Queue)
		}
	}
}

func TestRegisterJSONHandler(t *testing.T) {
	svc, parts := newTestService(t)

	type store struct {
		Data struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
		User string `json:"user"`
	}

	var got handlerpkg.JSONEventContext[store]
	err := RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[store]{
		Pattern: "store.created",
		Handler: func(_ context.Context, evt handlerpkg.JSONEventContext[store]) error {
			got = evt
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RegisterJSONHandler: %v", err)
	}

	if err := RegisterJSONHandler[store](nil, handlerpkg.JSONHandlerRegistration[store]{}); !errors.Is(err, errspkg.ErrServiceRequired) {
		t.Fatalf("expected ErrServiceRequired, got %v", err)
	}
	if err := RegisterJSONHandler(svc, handlerpkg.JSONHandlerRegistration[store]{Pattern: "store.deleted"}); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected ErrHandlerRequired, got %v", err)
	}

	payload := map[string]any{"data": map[string]any{"id": "s1", "name": "Main St"}, "user": "u9"}
	outcome, err := svc.Guard().Handle(newDelivery(t, "store.created", payload, nil))
	if err != nil || outcome != OutcomeAcked {
		t.Fatalf("expected acked, got %s (%v)", outcome, err)
	}
	if got.Payload.Data.ID != "s1" || got.Payload.Data.Name != "Main St" || got.Payload.User != "u9" {
		t.Fatalf("unexpected payload %+v", got.Payload)
	}
	if got.Pattern != "store.created" {
		t.Fatalf("unexpected pattern %q", got.Pattern)
	}
	if n := len(parts.publisher.Messages()); n != 0 {
		t.Fatalf("unexpected publications %d", n)
	}
}

func TestRegisteredHandlerStats(t *testing.T) {
	svc, _ := newTestService(t)

	fail := true
	err := RegisterEventHandler(svc, EventHandlerRegistration{
		Pattern: "store.*",
		Handler: func(context.Context, Event) error {
			if fail {
				return errors.New("boom")
			}
			return nil
		},
		DisableDeadLetter: true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, _ = svc.Guard().Handle(newDelivery(t, "store.updated", map[string]any{"id": "s1"}, nil))
	fail = false
	_, _ = svc.Guard().Handle(newDelivery(t, "store.updated", map[string]any{"id": "s1"}, nil))

	stats := svc.Stats()["store.*"]
	if stats == nil {
		t.Fatal("expected stats for store.*")
	}
	if stats.MessagesProcessed != 2 || stats.MessagesFailed != 1 {
		t.Fatalf("unexpected counts processed=%d failed=%d", stats.MessagesProcessed, stats.MessagesFailed)
	}
	if stats.Errors.Handler != 1 {
		t.Fatalf("expected one handler error, got %+v", stats.Errors)
	}
	if stats.Backlog.EstimatedLagMillis < 0 {
		t.Fatalf("expected lag estimated from the ULID message id, got %d", stats.Backlog.EstimatedLagMillis)
	}
}
