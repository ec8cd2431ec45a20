package classifier

import (
	"github.com/redis/go-redis/v9"

	"mailguard/internal/config"
	"mailguard/internal/logger"
	"mailguard/pkg/circuitbreaker"
)

type Deps struct {
	Redis  redis.Cmdable
	Logger logger.Logger
}

// New builds the inspector client and wraps it with the circuit breaker and
// verdict cache when they are enabled. The cache sits outside the breaker so
// hits are served while the inspector is down.
func New(cfg *config.Config, deps Deps) Classifier {
	var c Classifier = NewInspectorClient(cfg.Classifier)

	if cfg.CircuitBreaker.Enabled {
		c = NewCircuitBreakerClassifier(c, circuitbreaker.FromConfig("classifier", cfg.CircuitBreaker))
	}

	if cfg.Classifier.Cache.Enabled && deps.Redis != nil {
		log := deps.Logger
		if log == nil {
			log = logger.NopLogger()
		}
		c = NewCachedClassifier(c, deps.Redis, cfg.Classifier.Cache.TTL, log)
	}

	return c
}
