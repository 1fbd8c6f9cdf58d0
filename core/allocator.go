package core

import (
	"context"
	"math/rand"
	"strings"

	log "github.com/sirupsen/logrus"
)

// proPlusModels are the model ids that require an upgraded (Pro+)
// credential: an opus_enabled Kiro token or a custom account explicitly
// bound to the model.
var proPlusModels = map[string]bool{
	"claude-opus-4":   true,
	"claude-opus-4-1": true,
	"claude-opus-4-5": true,
	"claude-opus-4-6": true,
}

// RequiresProPlus reports whether the model is in the privileged
// subset. Beyond the exact ids, any opus-class name and the
// sonnet-4-6 family count.
func RequiresProPlus(model string) bool {
	if model == "" {
		return false
	}
	if proPlusModels[model] {
		return true
	}
	lower := strings.ToLower(model)
	if strings.Contains(lower, "opus") {
		return true
	}
	if strings.Contains(lower, "sonnet") && (strings.Contains(lower, "4-6") || strings.Contains(lower, "4.6")) {
		return true
	}
	return false
}

// Allocation is the allocator's pick for one request.
type Allocation struct {
	Kind    CredentialKind
	Token   *KiroToken
	Account *CustomAccount
	Manager *AuthManager
}

// ID returns the chosen credential's row id.
func (a *Allocation) ID() int64 {
	if a.Kind == KindKiro {
		return a.Token.ID
	}
	return a.Account.ID
}

// Allocator selects one credential per request from the merged pool of
// a user's Kiro tokens and custom accounts.
type Allocator struct {
	repo     Repository
	cache    *AuthCache
	fallback *TokenCredentials
}

func NewAllocator(repo Repository, cache *AuthCache) *Allocator {
	return &Allocator{repo: repo, cache: cache}
}

// SetFallbackIdentity installs the process-wide identity from the
// environment (REFRESH_TOKEN et al.); it serves users whose own pool is
// empty.
func (al *Allocator) SetFallbackIdentity(creds *TokenCredentials) {
	al.fallback = creds
}

// GetBestToken picks a credential for the request. Pro+ models draw
// from the restricted union of opus-enabled tokens and model-bound
// custom accounts when it is non-empty, falling back to the full pool
// otherwise; non-Pro+ requests draw uniformly across everything. An
// empty pool is served by the fallback identity when one is set, and is
// otherwise ErrNoCredentialAvailable.
func (al *Allocator) GetBestToken(ctx context.Context, userID int64, model string) (*Allocation, error) {
	kiroTokens, err := al.repo.GetActiveKiroTokensByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := al.repo.GetActiveCustomAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if RequiresProPlus(model) {
		proTokens := make([]*KiroToken, 0, len(kiroTokens))
		for _, t := range kiroTokens {
			if t.OpusEnabled {
				proTokens = append(proTokens, t)
			}
		}
		proAccounts := make([]*CustomAccount, 0, len(accounts))
		for _, a := range accounts {
			if a.MatchesModel(model) {
				proAccounts = append(proAccounts, a)
			}
		}

		log.Infof("allocator: user %d model %s pro+ candidates: %d tokens, %d accounts",
			userID, model, len(proTokens), len(proAccounts))

		if len(proTokens) > 0 || len(proAccounts) > 0 {
			return al.drawFrom(ctx, proTokens, proAccounts)
		}
		log.Warnf("allocator: user %d has no pro+ credential for %s, falling back to full pool", userID, model)
	}

	log.Infof("allocator: user %d model %s candidates: %d tokens, %d accounts",
		userID, model, len(kiroTokens), len(accounts))

	if len(kiroTokens) == 0 && len(accounts) == 0 {
		if al.fallback != nil {
			log.Infof("allocator: user %d has no credentials, using the global fallback identity", userID)
			manager := al.cache.GetOrCreate(al.fallback)
			return &Allocation{
				Kind:    KindKiro,
				Token:   &KiroToken{TokenHash: TokenHash(al.fallback.RefreshToken), Region: manager.Region()},
				Manager: manager,
			}, nil
		}
		return nil, ErrNoCredentialAvailable
	}

	// Uniform draw across the merged, unlabeled pool.
	n := rand.Intn(len(kiroTokens) + len(accounts))
	if n < len(kiroTokens) {
		return al.allocateKiro(ctx, kiroTokens[n])
	}
	return al.allocateCustom(accounts[n-len(kiroTokens)])
}

// drawFrom combines the two Pro+ sub-pools: the kiro side uses a
// weighted draw, the custom side a uniform one, and the choice between
// the two is proportional to their sizes.
func (al *Allocator) drawFrom(ctx context.Context, tokens []*KiroToken, accounts []*CustomAccount) (*Allocation, error) {
	total := len(tokens) + len(accounts)
	if len(tokens) > 0 && rand.Intn(total) < len(tokens) {
		return al.allocateKiro(ctx, weightedChoice(tokens))
	}
	if len(accounts) > 0 {
		return al.allocateCustom(accounts[rand.Intn(len(accounts))])
	}
	return al.allocateKiro(ctx, weightedChoice(tokens))
}

// weightedChoice draws a token with weight max(1, success − fail).
func weightedChoice(tokens []*KiroToken) *KiroToken {
	if len(tokens) == 1 {
		return tokens[0]
	}

	weights := make([]int64, len(tokens))
	var total int64
	for i, t := range tokens {
		w := t.SuccessCount - t.FailCount
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	r := rand.Int63n(total)
	var cumulative int64
	for i, w := range weights {
		cumulative += w
		if r < cumulative {
			return tokens[i]
		}
	}
	return tokens[len(tokens)-1]
}

func (al *Allocator) allocateKiro(ctx context.Context, token *KiroToken) (*Allocation, error) {
	creds, err := al.repo.GetTokenCredentials(ctx, token.ID)
	if err != nil {
		return nil, err
	}
	manager := al.cache.GetOrCreate(creds)
	_ = al.repo.TouchTokenLastUsed(ctx, token.ID)

	log.Infof("allocator: chose kiro token %d (region %s)", token.ID, manager.Region())
	return &Allocation{Kind: KindKiro, Token: token, Manager: manager}, nil
}

func (al *Allocator) allocateCustom(account *CustomAccount) (*Allocation, error) {
	log.Infof("allocator: chose custom account %d (format %s)", account.ID, account.Format)
	return &Allocation{Kind: KindCustom, Account: account}, nil
}
