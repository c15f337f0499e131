package geoip

import (
	"context"
	"time"

	"shadmission/pkg/cache"
)

// CachedReader memoises country lookups per IP. Peers stay connected for
// many samples, so most lookups repeat.
type CachedReader struct {
	reader *Reader
	cache  *cache.Cache[string]
}

// NewCachedReader wraps reader. hooks may be zero.
func NewCachedReader(reader *Reader, ttl time.Duration, maxEntries int, hooks cache.MetricsHooks) *CachedReader {
	return &CachedReader{
		reader: reader,
		cache: cache.New[string](cache.Options{
			TTL:         ttl,
			NegativeTTL: ttl,
			MaxEntries:  maxEntries,
		}, hooks),
	}
}

// Country behaves like Reader.Country
func (c *CachedReader) Country(addr string) *string {
	if c == nil || !c.reader.IsLoaded() {
		return nil
	}
	ip := parseHost(addr)
	if ip == nil {
		return nil
	}

	code, ok, _ := c.cache.Get(context.Background(), ip.String(), func(ctx context.Context, key string) (string, bool, error) {
		found := c.reader.Country(key)
		if found == nil {
			return "", false, nil
		}
		return *found, true, nil
	})
	if !ok {
		return nil
	}
	return &code
}
