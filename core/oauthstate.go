package core

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// oauthStateTTL bounds how long a login-flow state parameter stays
// redeemable.
const oauthStateTTL = 10 * time.Minute

// OAuthStateRegistry issues and redeems single-use OAuth state values.
// Entries expire after ten minutes and are consumed on first use.
type OAuthStateRegistry struct {
	cache *ttlcache.Cache[string, time.Time]
}

func NewOAuthStateRegistry() *OAuthStateRegistry {
	cache := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](oauthStateTTL),
	)
	go cache.Start()
	return &OAuthStateRegistry{cache: cache}
}

// Issue mints a fresh state value and registers it.
func (r *OAuthStateRegistry) Issue() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf)
	r.cache.Set(state, time.Now(), ttlcache.DefaultTTL)
	return state, nil
}

// Redeem consumes a state value, reporting whether it was live. A
// second redeem of the same value fails.
func (r *OAuthStateRegistry) Redeem(state string) bool {
	item := r.cache.Get(state)
	if item == nil {
		return false
	}
	r.cache.Delete(state)
	return true
}

// Stop shuts down the expiry loop.
func (r *OAuthStateRegistry) Stop() {
	r.cache.Stop()
}
