package main

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	sweepSizeFraction = 10   // sweep once roughly a tenth of the cache has been re-added
	minSweepInterval  = 10   // floor, in Add operations
	maxSweepInterval  = 1000 // ceiling, in Add operations
)

// MessageCache remembers the hashes of recently processed requests so a
// replayed message inside the expiry window can be refused. Expired
// entries are swept lazily from Add; Exists treats them as absent, so a
// quiet cache holding stale hashes is harmless and costs no background
// work.
type MessageCache struct {
	mu   sync.RWMutex
	seen map[string]int64 // hash -> expiry (Unix ms)
	ttl  time.Duration

	opsSinceSweep int
	sweepEvery    int // recomputed from cache size after each sweep
}

// NewMessageCache creates a cache whose entries expire after ttl.
func NewMessageCache(ttl time.Duration) *MessageCache {
	return &MessageCache{
		seen:       make(map[string]int64),
		ttl:        ttl,
		sweepEvery: minSweepInterval,
	}
}

// Add records a request hash, expiring ttl from now. Every sweepEvery
// calls the expired entries are dropped under the same lock.
func (mc *MessageCache) Add(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.seen[hash] = time.Now().Add(mc.ttl).UnixMilli()

	mc.opsSinceSweep++
	if mc.opsSinceSweep < mc.sweepEvery {
		return
	}
	mc.sweepLocked()
	mc.resizeSweepInterval()
	mc.opsSinceSweep = 0
}

// Exists reports whether the hash was recorded and has not yet expired.
func (mc *MessageCache) Exists(hash string) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	expiry, ok := mc.seen[hash]
	return ok && time.Now().UnixMilli() <= expiry
}

// Remove drops a hash so the request may be retried immediately, e.g.
// after its processing failed partway.
func (mc *MessageCache) Remove(hash string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.seen, hash)
}

// sweepLocked deletes every expired entry. Caller holds mc.mu.
func (mc *MessageCache) sweepLocked() {
	now := time.Now().UnixMilli()
	for hash, expiry := range mc.seen {
		if now > expiry {
			delete(mc.seen, hash)
		}
	}
}

// resizeSweepInterval scales the sweep cadence with the cache size,
// bounded to [minSweepInterval, maxSweepInterval]. Caller holds mc.mu.
func (mc *MessageCache) resizeSweepInterval() {
	interval := len(mc.seen) / sweepSizeFraction
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	mc.sweepEvery = interval
}

// HashMessage derives the cache key for a request: the Keccak256 of the
// raw request bytes, which cover method, params and timestamp. Responses
// and empty messages hash to the empty string.
func HashMessage(msg *RPCMessage) string {
	if msg == nil || msg.Req == nil {
		return ""
	}
	return hex.EncodeToString(crypto.Keccak256(msg.Req.rawBytes))
}
