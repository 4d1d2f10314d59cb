package bus

import (
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/coord"
)

// New selects the bus provider from configuration: an empty NATS URL means
// in-memory, the literal "redis" rides the coordination store's pub/sub,
// anything else is treated as a NATS URL.
func New(cfg *config.Config, log *logger.Logger, redisClient *coord.Client) (EventBus, error) {
	switch cfg.NATS.URL {
	case "":
		log.Info("Using in-memory event bus")
		return NewMemoryEventBus(log), nil
	case "redis":
		log.Info("Using Redis event bus")
		return NewRedisEventBus(redisClient, log), nil
	default:
		return NewNATSEventBus(cfg.NATS, log)
	}
}
