package runtime

import (
	"fmt"
	"sync"

	"github.com/drblury/replicaflow/internal/runtime/envelope"
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replicaflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/replicaflow/internal/runtime/logging"
	"github.com/drblury/replicaflow/transport"
)

// Event is the decoded event passed to handlers.
type Event = handlerpkg.Event

// EventHandler applies one event to local state.
type EventHandler = handlerpkg.EventHandler

// EventHandlerRegistration wires a raw EventHandler to a pattern.
type EventHandlerRegistration struct {
	// Pattern is an exact event type ("company.created") or a binding
	// pattern ("company.*", "store.#").
	Pattern string
	Handler EventHandler
	// DisableDeadLetter drops failed events with a log line instead of
	// publishing them to the dead-letter queue.
	DisableDeadLetter bool
}

type route struct {
	pattern  string
	handler  EventHandler
	useDLQ   bool
	wildcard bool
	info     *HandlerInfo
}

// Registry maps event patterns to handlers. Exact patterns win over
// wildcards; wildcards are tried in registration order.
type Registry struct {
	mu        sync.RWMutex
	exact     map[string]*route
	wildcards []*route
	ordered   []*route
}

// NewRegistry returns an empty route table.
func NewRegistry() *Registry {
	return &Registry{exact: make(map[string]*route)}
}

func (r *Registry) add(rt *route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.exact[rt.pattern]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateRoute, rt.pattern)
	}
	for _, w := range r.wildcards {
		if w.pattern == rt.pattern {
			return fmt.Errorf("%w: %s", errspkg.ErrDuplicateRoute, rt.pattern)
		}
	}

	if rt.wildcard {
		r.wildcards = append(r.wildcards, rt)
	} else {
		r.exact[rt.pattern] = rt
	}
	r.ordered = append(r.ordered, rt)
	return nil
}

// Lookup returns the route for an event pattern, if any.
func (r *Registry) lookup(pattern string) (*route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rt, ok := r.exact[pattern]; ok {
		return rt, true
	}
	for _, rt := range r.wildcards {
		if transport.MatchTopic(rt.pattern, pattern) {
			return rt, true
		}
	}
	return nil, false
}

// Patterns returns the registered patterns in registration order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.ordered))
	for _, rt := range r.ordered {
		out = append(out, rt.pattern)
	}
	return out
}

// Len returns the number of registered routes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// RegisterEventHandler attaches handler to the service's route table.
func RegisterEventHandler(svc *Service, cfg EventHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.registerRoute(cfg)
}

func (s *Service) registerRoute(cfg EventHandlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	wildcard := transport.IsWildcard(cfg.Pattern)
	if wildcard {
		if err := transport.ValidateBindingPattern(cfg.Pattern); err != nil {
			return err
		}
	} else if err := envelope.ValidatePattern(cfg.Pattern); err != nil {
		return err
	}

	useDLQ := !cfg.DisableDeadLetter
	if s.Conf != nil && !s.Conf.DeadLetterEnabled(cfg.Pattern) {
		useDLQ = false
	}

	stats := newHandlerStats(cfg.Pattern, s.queue())
	info := &HandlerInfo{
		Pattern:    cfg.Pattern,
		Queue:      s.queue(),
		DeadLetter: useDLQ,
		Stats:      stats,
	}

	rt := &route{
		pattern:  cfg.Pattern,
		handler:  wrapHandlerWithStats(cfg.Handler, stats, s.getErrorClassifier()),
		useDLQ:   useDLQ,
		wildcard: wildcard,
		info:     info,
	}
	if err := s.routes.add(rt); err != nil {
		return err
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	s.Logger.Debug("Registered event handler", loggingpkg.LogFields{
		"pattern":     cfg.Pattern,
		"dead_letter": useDLQ,
	})
	return nil
}
