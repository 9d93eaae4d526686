package webhook

import (
	"crypto/ecdsa"
	"sync"
)

// KeyCache holds parsed public keys by key id. Keys are immutable once
// issued, so entries are never evicted.
type KeyCache struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[string]*ecdsa.PublicKey)}
}

func (c *KeyCache) Get(keyID string) (*ecdsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[keyID]
	return key, ok
}

func (c *KeyCache) Put(keyID string, key *ecdsa.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[keyID] = key
}

func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
