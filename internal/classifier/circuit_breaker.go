package classifier

import (
	"context"
	"fmt"

	"mailguard/pkg/circuitbreaker"
	"mailguard/pkg/errors"
)

type CircuitBreakerClassifier struct {
	next Classifier
	cb   *circuitbreaker.Wrapper
	name string
}

func NewCircuitBreakerClassifier(next Classifier, cfg circuitbreaker.Config) *CircuitBreakerClassifier {
	return &CircuitBreakerClassifier{
		next: next,
		cb:   circuitbreaker.NewWrapper(cfg),
		name: cfg.Name,
	}
}

func (c *CircuitBreakerClassifier) Classify(ctx context.Context, sender, message string) (Verdict, error) {
	verdict, err := circuitbreaker.Do(ctx, c.cb, func() (Verdict, error) {
		return c.next.Classify(ctx, sender, message)
	})
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return Verdict{}, errors.ErrClassifierUnavailable.
				WithCause(fmt.Errorf("circuit breaker is open for %s: %w", c.name, err))
		}
		return Verdict{}, err
	}
	return verdict, nil
}

func (c *CircuitBreakerClassifier) State() string {
	return c.cb.State().String()
}
