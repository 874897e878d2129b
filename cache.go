package fleamart

import (
	"encoding/json"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache keys and lifetimes for the handful of endpoints where short-lived
// staleness is acceptable.
const (
	cacheKeyProfile     = "users/me"
	cacheKeyUnreadCount = "notifications/unread-count"

	profileCacheTTL = time.Minute
	unreadCacheTTL  = 30 * time.Second
)

// snapshotCache is a small TTL key-value cache for raw response snapshots.
// It is the only local persistence besides the session file; everything else
// is re-fetched from the server's source of truth.
type snapshotCache struct {
	c *ttlcache.Cache[string, json.RawMessage]
}

func newSnapshotCache() *snapshotCache {
	c := ttlcache.New[string, json.RawMessage]()
	go c.Start() // expired-item eviction
	return &snapshotCache{c: c}
}

func (s *snapshotCache) get(key string) (json.RawMessage, bool) {
	item := s.c.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (s *snapshotCache) put(key string, value json.RawMessage, ttl time.Duration) {
	s.c.Set(key, value, ttl)
}

func (s *snapshotCache) invalidate(key string) {
	s.c.Delete(key)
}

func (s *snapshotCache) close() {
	s.c.Stop()
}
