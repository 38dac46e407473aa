package runtime

import (
	errspkg "github.com/drblury/replicaflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/replicaflow/internal/runtime/handlers"
)

// RegisterJSONHandler binds the event payload to T and registers the typed handler.
func RegisterJSONHandler[T any](svc *Service, cfg handlerpkg.JSONHandlerRegistration[T]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildJSONHandler(cfg.Handler, svc.Logger)
	if err != nil {
		return err
	}

	return svc.registerRoute(EventHandlerRegistration{
		Pattern:           cfg.Pattern,
		Handler:           wrapped,
		DisableDeadLetter: cfg.DisableDeadLetter,
	})
}
