package service

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/Switchyard/internal/port/cache"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

// CachedClassifier memoises intent classification. Concurrent calls for the
// same text share one classifier call.
type CachedClassifier struct {
	inner worker.Classifier
	cache cache.Cache
	ttl   time.Duration
	group singleflight.Group
}

var _ worker.Classifier = (*CachedClassifier)(nil)

// NewCachedClassifier wraps inner. A nil cache disables memoisation but keeps call sharing.
func NewCachedClassifier(inner worker.Classifier, c cache.Cache, ttl time.Duration) *CachedClassifier {
	return &CachedClassifier{inner: inner, cache: c, ttl: ttl}
}

func classifyKey(text string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(text)))
	return "intent:" + hex.EncodeToString(sum[:])
}

// Classify implements worker.Classifier.
func (c *CachedClassifier) Classify(ctx context.Context, text string) (string, error) {
	key := classifyKey(text)
	if c.cache != nil {
		if v, ok, err := c.cache.Get(ctx, key); err == nil && ok && len(v) > 0 {
			return string(v), nil
		} else if err != nil {
			slog.Debug("classification cache get failed", "error", err)
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		intent, err := c.inner.Classify(ctx, text)
		if err != nil {
			return "", err
		}
		intent = strings.ToLower(strings.TrimSpace(intent))
		if c.cache != nil && intent != "" {
			if err := c.cache.Set(ctx, key, []byte(intent), c.ttl); err != nil {
				slog.Debug("classification cache set failed", "error", err)
			}
		}
		return intent, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
