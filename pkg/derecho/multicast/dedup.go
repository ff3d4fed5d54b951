package multicast

import (
	"strconv"
	"time"

	"github.com/ReneKroon/ttlcache"
)

// dedupCache tracks (subgroup, seq) pairs already delivered so a message
// replayed by a lagging transport or a retried null-send is never
// delivered twice.
type dedupCache struct {
	cache *ttlcache.Cache
}

func newDedupCache(ttl time.Duration) *dedupCache {
	c := ttlcache.NewCache()
	c.SetTTL(ttl)
	return &dedupCache{cache: c}
}

func dedupKey(subgroup uint32, seq int64) string {
	return strconv.FormatUint(uint64(subgroup), 10) + ":" + strconv.FormatInt(seq, 10)
}

// markDelivered records the key as delivered, returning true the first
// time it is seen and false on every subsequent (duplicate) call.
func (d *dedupCache) markDelivered(subgroup uint32, seq int64) bool {
	key := dedupKey(subgroup, seq)
	if _, found := d.cache.Get(key); found {
		return false
	}
	d.cache.Set(key, struct{}{})
	return true
}

func (d *dedupCache) close() {
	d.cache.Close()
}
