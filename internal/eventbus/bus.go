package eventbus

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/observability"
)

// New builds the broker client selected by cfg.Kind.
func New(cfg config.BrokerConfig, logger zerolog.Logger, metrics *observability.Metrics) (Bus, error) {
	switch cfg.Kind {
	case config.BrokerAMQP:
		return NewAMQPBus(AMQPConfig{
			URL:          cfg.AMQPURL,
			Prefetch:     cfg.Prefetch,
			Workers:      cfg.ConsumerWorkers,
			ReconnectMin: cfg.ReconnectMin,
			ReconnectMax: cfg.ReconnectMax,
		}, logger, metrics), nil
	case config.BrokerKafka:
		return NewKafkaBus(cfg.KafkaBrokers, logger, metrics), nil
	case config.BrokerMemory:
		return NewMemoryBus(logger, metrics), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}
