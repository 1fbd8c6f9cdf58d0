package core

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// healthCheckTimeout bounds one token's liveness probe.
const healthCheckTimeout = 20 * time.Second

// HealthChecker periodically verifies that every active Kiro token can
// still mint an access token. Checks run on their own timeouts and
// never hold the store's write lock beyond recording a result, so
// request handling is never blocked by a slow upstream.
type HealthChecker struct {
	repo     Repository
	cache    *AuthCache
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHealthChecker(repo Repository, cache *AuthCache, interval time.Duration) *HealthChecker {
	return &HealthChecker{
		repo:     repo,
		cache:    cache,
		interval: interval,
	}
}

// Start launches the background loop. Call Stop to end it.
func (h *HealthChecker) Start() {
	if h.cancel != nil {
		log.Warn("health: checker already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go h.run(ctx)
	log.Infof("health: checker started (interval %s)", h.interval)
}

func (h *HealthChecker) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	log.Info("health: checker stopped")
}

func (h *HealthChecker) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.CheckAll(ctx); err != nil {
				log.Errorf("health: check cycle failed: %v", err)
			}
		}
	}
}

// CheckResult summarizes one cycle.
type CheckResult struct {
	Checked int
	Valid   int
	Invalid int
}

// CheckAll probes every active token once, concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) (*CheckResult, error) {
	tokens, err := h.repo.GetActiveKiroTokens(ctx)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		log.Debug("health: no active tokens to check")
		return &CheckResult{}, nil
	}

	log.Infof("health: checking %d active tokens", len(tokens))

	result := &CheckResult{Checked: len(tokens)}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, token := range tokens {
		wg.Add(1)
		go func(token *KiroToken) {
			defer wg.Done()
			ok := h.checkToken(ctx, token)
			mu.Lock()
			if ok {
				result.Valid++
			} else {
				result.Invalid++
			}
			mu.Unlock()
		}(token)
	}
	wg.Wait()

	log.Infof("health: cycle complete, %d valid, %d invalid", result.Valid, result.Invalid)
	return result, nil
}

// checkToken probes one token and records the outcome. A definitive
// refresh rejection flips the row to invalid; transient failures leave
// it active with a note.
func (h *HealthChecker) checkToken(ctx context.Context, token *KiroToken) bool {
	creds, err := h.repo.GetTokenCredentials(ctx, token.ID)
	if err != nil || creds.RefreshToken == "" {
		_ = h.repo.RecordHealthCheck(ctx, token.ID, false, "failed to load token credentials")
		return false
	}

	manager := h.cache.GetOrCreate(creds)

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, err := manager.GetAccessToken(checkCtx); err != nil {
		note := err.Error()
		if len(note) > 200 {
			note = note[:200]
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Class != AuthClassTransient {
			if err := h.repo.SetTokenStatus(ctx, token.ID, TokenStatusInvalid); err != nil {
				log.Errorf("health: failed to mark token %d invalid: %v", token.ID, err)
			}
			h.cache.Remove(token.TokenHash)
			log.Warnf("health: token %d marked invalid (%s)", token.ID, authErr.Class)
		} else {
			log.Warnf("health: token %d transient failure: %v", token.ID, err)
		}

		_ = h.repo.RecordHealthCheck(ctx, token.ID, false, note)
		return false
	}

	_ = h.repo.RecordHealthCheck(ctx, token.ID, true, "")
	return true
}
