// Package pool schedules requests across the harvested OAuth accounts. It
// owns the only process-wide mutable hot-path state: the lock-count map, the
// per-(account,model) cooldown map and the round-robin cursor.
package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/store"

	"sync"
)

// TokenValidator refreshes an account's access token when needed. Satisfied
// by *oauth.Manager.
type TokenValidator interface {
	EnsureValid(ctx context.Context, acct *store.Account) (*store.Account, error)
}

// Pool selects, locks and cools down accounts. Accounts themselves are owned
// by the store; the pool holds read snapshots plus its transient maps.
type Pool struct {
	store  store.Store
	tokens TokenValidator
	cfg    *config.Config

	mu        sync.Mutex
	locks     map[int64]int
	cooldowns map[string]cooldownState
	// cursor is the id of the last *attempted* account for strict round-robin.
	// It advances before token validation so a slow candidate cannot be
	// handed to two concurrent schedules.
	cursor int64
}

// New creates a pool over the given store and token validator.
func New(st store.Store, tokens TokenValidator, cfg *config.Config) *Pool {
	return &Pool{
		store:     st,
		tokens:    tokens,
		cfg:       cfg,
		locks:     make(map[int64]int),
		cooldowns: make(map[string]cooldownState),
	}
}

func cooldownKey(accountID int64, model string) string {
	return fmt.Sprintf("%d|%s", accountID, model)
}

// GetBest returns the account with the most quota headroom that is neither
// lock-capped nor cooling down on the requested model's effective id. The
// returned account is already locked and token-validated; callers must
// Unlock it when done.
func (p *Pool) GetBest(ctx context.Context, model string) (*store.Account, error) {
	effective := config.EffectiveModel(model)

	candidates, err := p.store.ListSchedulable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	eligible := make([]*store.Account, 0, len(candidates))
	for _, a := range candidates {
		if a.QuotaRemaining > 0 {
			eligible = append(eligible, a)
		}
	}

	// Highest quota first; least recently used breaks ties.
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].QuotaRemaining != eligible[j].QuotaRemaining {
			return eligible[i].QuotaRemaining > eligible[j].QuotaRemaining
		}
		return eligible[i].LastUsedAt < eligible[j].LastUsedAt
	})

	for _, a := range eligible {
		if !p.tryAdmit(a.ID, effective) {
			continue
		}
		validated, err := p.tokens.EnsureValid(ctx, a)
		if err != nil {
			p.Unlock(a)
			log.Warnf("[Pool] Skipping %s: %v", a.Email, err)
			continue
		}
		_ = p.store.TouchAccountUsed(ctx, validated.ID, time.Now().UnixMilli())
		log.Debugf("[Pool] getBest selected %s for %s", validated.Email, effective)
		return validated, nil
	}

	return nil, p.noAccountError(candidates, effective)
}

// GetNext returns the next account in strict id order after the last
// attempted one, skipping excluded ids, lock-capped and cooling accounts.
// The cursor advances the moment a candidate is chosen, before the token
// validation await, so concurrent schedules fan out across the pool.
func (p *Pool) GetNext(ctx context.Context, model string, exclude map[int64]bool) (*store.Account, error) {
	effective := config.EffectiveModel(model)

	candidates, err := p.store.ListSchedulable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	for range candidates {
		a := p.advanceCursor(candidates, effective, exclude)
		if a == nil {
			break
		}
		validated, err := p.tokens.EnsureValid(ctx, a)
		if err != nil {
			p.Unlock(a)
			log.Warnf("[Pool] Skipping %s: %v", a.Email, err)
			continue
		}
		_ = p.store.TouchAccountUsed(ctx, validated.ID, time.Now().UnixMilli())
		log.Debugf("[Pool] getNext selected %s for %s", validated.Email, effective)
		return validated, nil
	}

	return nil, p.noAccountError(candidates, effective)
}

// advanceCursor picks and admits the next candidate under a single critical
// section. Returns nil when no candidate is admissible in one full rotation.
func (p *Pool) advanceCursor(candidates []*store.Account, effective string, exclude map[int64]bool) *store.Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	// Candidates arrive ordered by id asc; start strictly after the cursor.
	start := 0
	for i, a := range candidates {
		if a.ID > p.cursor {
			start = i
			break
		}
		if i == len(candidates)-1 {
			start = 0
		}
	}

	for i := 0; i < len(candidates); i++ {
		a := candidates[(start+i)%len(candidates)]
		// The cursor records the attempt even when the candidate is
		// skipped, otherwise a parked cursor re-picks the same account.
		p.cursor = a.ID
		if exclude[a.ID] {
			continue
		}
		if !p.admitLocked(a.ID, effective) {
			continue
		}
		return a
	}
	return nil
}

// tryAdmit admits an account under the mutex: cooldown check plus lock
// increment.
func (p *Pool) tryAdmit(accountID int64, effective string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admitLocked(accountID, effective)
}

func (p *Pool) admitLocked(accountID int64, effective string) bool {
	if state, ok := p.cooldowns[cooldownKey(accountID, effective)]; ok {
		if time.Now().Before(state.Until) {
			return false
		}
	}
	cap := p.cfg.AccountMaxConcurrency
	if cap > 0 && p.locks[accountID] >= cap {
		return false
	}
	if cap > 0 {
		p.locks[accountID]++
	}
	return true
}

// noAccountError distinguishes "all cooling down" (retriable 429 with a reset
// hint) from a genuinely empty pool.
func (p *Pool) noAccountError(candidates []*store.Account, effective string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	earliest := time.Time{}
	cooling := 0
	now := time.Now()
	for _, a := range candidates {
		state, ok := p.cooldowns[cooldownKey(a.ID, effective)]
		if !ok || !now.Before(state.Until) {
			continue
		}
		cooling++
		if earliest.IsZero() || state.Until.Before(earliest) {
			earliest = state.Until
		}
	}

	if cooling > 0 {
		waitMs := earliest.Sub(now).Milliseconds()
		if waitMs < 0 {
			waitMs = 0
		}
		return gwerr.NoAccounts(waitMs)
	}
	if len(candidates) == 0 {
		return gwerr.New(gwerr.CodeNoAccounts, "No active accounts configured")
	}
	return gwerr.New(gwerr.CodeNoAccounts, "No accounts available for "+effective)
}

// Lock increments the account's in-flight count. No-op when the per-account
// cap is disabled.
func (p *Pool) Lock(acct *store.Account) {
	if p.cfg.AccountMaxConcurrency <= 0 {
		return
	}
	p.mu.Lock()
	p.locks[acct.ID]++
	p.mu.Unlock()
}

// Unlock decrements the account's in-flight count.
func (p *Pool) Unlock(acct *store.Account) {
	if p.cfg.AccountMaxConcurrency <= 0 {
		return
	}
	p.mu.Lock()
	if p.locks[acct.ID] > 0 {
		p.locks[acct.ID]--
	}
	if p.locks[acct.ID] == 0 {
		delete(p.locks, acct.ID)
	}
	p.mu.Unlock()
}

// MarkCapacityLimited records a capacity error for (account, model) and
// returns the cooldown applied, so the caller can attach a retryAfterMs hint.
func (p *Pool) MarkCapacityLimited(acct *store.Account, model, message string) time.Duration {
	effective := config.EffectiveModel(model)
	key := cooldownKey(acct.ID, effective)

	p.mu.Lock()
	state, cooldown := nextCooldown(p.cooldowns[key], p.cfg.CooldownDefault, p.cfg.CooldownMax, message, time.Now())
	p.cooldowns[key] = state
	p.mu.Unlock()

	log.Infof("[Pool] %s cooling down on %s for %s (capacity error #%d)",
		acct.Email, effective, cooldown, state.Count)
	return cooldown
}

// MarkCapacityRecovered clears the consecutive-capacity counter so the next
// cooldown returns to the base value.
func (p *Pool) MarkCapacityRecovered(acct *store.Account, model string) {
	effective := config.EffectiveModel(model)
	p.mu.Lock()
	delete(p.cooldowns, cooldownKey(acct.ID, effective))
	p.mu.Unlock()
}

// MarkError counts one non-capacity error against the account. Returns true
// when the account crossed the disable threshold and was demoted.
func (p *Pool) MarkError(ctx context.Context, acct *store.Account, cause error) bool {
	acct.ErrorCount++
	acct.LastError = cause.Error()

	if acct.ErrorCount >= p.cfg.ErrorDisableThreshold {
		acct.Status = store.StatusError
		if err := p.store.UpdateAccount(ctx, acct); err != nil {
			log.Warnf("[Pool] Failed to persist error state for %s: %v", acct.Email, err)
		}
		log.Errorf("[Pool] Account %s disabled after %d consecutive errors: %v",
			acct.Email, acct.ErrorCount, cause)
		return true
	}

	if err := p.store.UpdateAccount(ctx, acct); err != nil {
		log.Warnf("[Pool] Failed to persist error count for %s: %v", acct.Email, err)
	}
	return false
}

// MarkSuccess clears the consecutive-error counter.
func (p *Pool) MarkSuccess(ctx context.Context, acct *store.Account) {
	if acct.ErrorCount == 0 && acct.LastError == "" {
		return
	}
	acct.ErrorCount = 0
	acct.LastError = ""
	if err := p.store.UpdateAccount(ctx, acct); err != nil {
		log.Warnf("[Pool] Failed to clear error count for %s: %v", acct.Email, err)
	}
}

// Stats is the pool snapshot served on /health.
type Stats struct {
	Accounts    int            `json:"accounts"`
	Active      int            `json:"active"`
	CoolingDown int            `json:"cooling_down"`
	Locked      int            `json:"locked"`
	Cooldowns   map[string]int `json:"cooldowns_by_model,omitempty"`
}

// StatsSnapshot reports pool health.
func (p *Pool) StatsSnapshot(ctx context.Context) (*Stats, error) {
	accounts, err := p.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Accounts: len(accounts), Cooldowns: make(map[string]int)}
	for _, a := range accounts {
		if a.Status == store.StatusActive {
			stats.Active++
		}
	}

	p.mu.Lock()
	now := time.Now()
	coolingAccounts := make(map[string]bool)
	for key, state := range p.cooldowns {
		if now.Before(state.Until) {
			stats.Cooldowns[key]++
			coolingAccounts[key] = true
		}
	}
	stats.CoolingDown = len(coolingAccounts)
	stats.Locked = len(p.locks)
	p.mu.Unlock()

	return stats, nil
}
