package main

import (
	"time"

	"bitbucket.org/mmdatafocus/salesdock_backend/config"
)

// validationCache memoizes KV and project-number validation lookups in
// Redis. Validation is advisory UI feedback, so a short TTL is acceptable;
// authoritative duplicate checks always run inside the write path.
type validationCache struct {
	ttl time.Duration
}

func newValidationCache() *validationCache {
	return &validationCache{ttl: 5 * time.Minute}
}

// get returns true on a cache hit. A missing Redis connection behaves like
// a miss, so validation degrades to recompute-per-request.
func (c *validationCache) get(key string, dest any) bool {
	if c == nil {
		return false
	}
	hit, err := config.GetRedisObject(key, dest)
	if err != nil {
		return false
	}
	return hit
}

func (c *validationCache) set(key string, value any) {
	if c == nil {
		return
	}
	_ = config.SetRedisObject(key, value, c.ttl)
}
