package core

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// AuthCache is the process-wide map from credential fingerprint
// (token_hash) to its live AuthManager. Entries are never evicted by
// pressure: a stable manager is the coalescing point for concurrent
// refreshes, and rebuilding one is cheap. Removal happens only when the
// owning row is deleted or flips to invalid.
type AuthCache struct {
	mu       sync.Mutex
	managers map[string]*AuthManager
	factory  ManagerFactory
}

func NewAuthCache(factory ManagerFactory) *AuthCache {
	return &AuthCache{
		managers: make(map[string]*AuthManager),
		factory:  factory,
	}
}

// GetOrCreate returns the manager for the credentials, constructing and
// inserting one atomically when absent.
func (c *AuthCache) GetOrCreate(creds *TokenCredentials) *AuthManager {
	key := TokenHash(creds.RefreshToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	if manager, ok := c.managers[key]; ok {
		return manager
	}

	manager := c.factory(creds)
	c.managers[key] = manager
	log.Debugf("authcache: created manager (%s dialect, region %s), size now %d",
		manager.Dialect(), manager.Region(), len(c.managers))
	return manager
}

// Remove evicts the manager for a token hash; called when the owning
// row is deleted or marked invalid.
func (c *AuthCache) Remove(tokenHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.managers[tokenHash]; !ok {
		return false
	}
	delete(c.managers, tokenHash)
	return true
}

// Size reports the number of live managers.
func (c *AuthCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.managers)
}
