package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mailguard/internal/constants"
	"mailguard/internal/logger"
	"mailguard/pkg/metrics"
)

// CachedClassifier remembers verdicts in Redis keyed by a hash of sender and
// message. Unknown verdicts are never cached. Cache errors are logged and the
// call falls through to the wrapped classifier.
type CachedClassifier struct {
	next   Classifier
	client redis.Cmdable
	ttl    time.Duration
	logger logger.Logger
}

func NewCachedClassifier(next Classifier, client redis.Cmdable, ttl time.Duration, log logger.Logger) *CachedClassifier {
	return &CachedClassifier{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: log,
	}
}

// CacheKey hashes the pair with the sender length-prefixed, so no two
// distinct pairs share a preimage.
func CacheKey(sender, message string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%s|%s", len(sender), sender, message)
	return constants.CacheKeyPrefixVerdict + hex.EncodeToString(h.Sum(nil))
}

func (c *CachedClassifier) Classify(ctx context.Context, sender, message string) (Verdict, error) {
	key := CacheKey(sender, message)

	val, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var verdict Verdict
		if jsonErr := json.Unmarshal(val, &verdict); jsonErr == nil {
			metrics.IncClassifierCache("hit")
			return verdict, nil
		}
		c.logger.WarnwCtx(ctx, "Discarding malformed cached verdict", "key", key)
	case err == redis.Nil:
	default:
		c.logger.WarnwCtx(ctx, "Verdict cache lookup failed", "error", err)
	}
	metrics.IncClassifierCache("miss")

	verdict, err := c.next.Classify(ctx, sender, message)
	if err != nil {
		return verdict, err
	}

	if verdict.Category != CategoryUnknown {
		if data, jsonErr := json.Marshal(verdict); jsonErr == nil {
			if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
				c.logger.WarnwCtx(ctx, "Failed to cache verdict", "error", setErr)
			}
		}
	}

	return verdict, nil
}
