package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/replicaflow/internal/runtime/config"
	newtransport "github.com/drblury/replicaflow/transport"

	// Import the built-in transports to register them.
	_ "github.com/drblury/replicaflow/transport/memory"
	_ "github.com/drblury/replicaflow/transport/rabbitmq"
)

// Declarer is an alias for the modular topology declarer.
type Declarer = newtransport.Declarer

// Transport combines the publisher, subscriber and topology declarer produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Declarer   Declarer
}

// Factory abstracts how replicaflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := newtransport.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
		Declarer:   t.Declarer,
	}, nil
}
