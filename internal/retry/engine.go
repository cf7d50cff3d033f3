// Package retry orchestrates attempts across accounts: same-account retries
// for transient failures, auth repair, cross-account rotation on switchable
// errors and capacity back-off, all bounded by a wall-clock deadline.
package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/gwerr"
	"github.com/openfold/gravity-gateway/internal/oauth"
	"github.com/openfold/gravity-gateway/internal/pool"
	"github.com/openfold/gravity-gateway/internal/store"
)

// AttemptFunc performs one upstream attempt against the given account. The
// callback must clone any shared request state before mutating it.
type AttemptFunc func(ctx context.Context, acct *store.Account) error

// Engine is the shared retry policy. The streaming and unary paths differ
// only in their canRetry predicate.
type Engine struct {
	pool   *pool.Pool
	tokens *oauth.Manager
	st     store.Store
	cfg    *config.Config
}

// New creates the engine.
func New(p *pool.Pool, tokens *oauth.Manager, st store.Store, cfg *config.Config) *Engine {
	return &Engine{pool: p, tokens: tokens, st: st, cfg: cfg}
}

// Run drives attempts until success, a terminal error, or exhaustion.
// canRetry is consulted before every retry; once it returns false (the
// streaming guard trips after the first forwarded byte) the current error is
// surfaced as-is. The account used by the final attempt is reported through
// onAccount for logging.
func (e *Engine) Run(ctx context.Context, model string, canRetry func() bool, onAccount func(*store.Account), attempt AttemptFunc) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestDeadline)
	defer cancel()

	maxSwitches := e.switchBudget(ctx)
	exclude := make(map[int64]bool)

	acct, err := e.pool.GetBest(ctx, model)
	if err != nil {
		return err
	}

	switches := 0
	for {
		if onAccount != nil {
			onAccount(acct)
		}
		attemptErr := e.runOnAccount(ctx, model, acct, canRetry, attempt)
		e.pool.Unlock(acct)
		if attemptErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return deadlineError(attemptErr)
		}
		if !canRetry() || !gwerr.IsSwitchable(attemptErr) || switches >= maxSwitches {
			return attemptErr
		}

		exclude[acct.ID] = true
		switches++
		next, nextErr := e.pool.GetNext(ctx, model, exclude)
		if nextErr != nil {
			// Nothing schedulable right now. When the pool reports a reset
			// hint and the deadline allows it, wait it out and ask again.
			if waited := e.waitForReset(ctx, nextErr, switches); waited {
				next, nextErr = e.pool.GetNext(ctx, model, exclude)
			}
			if nextErr != nil {
				return nextErr
			}
		}
		log.Infof("[Retry] Switching account (%d/%d) for %s", switches, maxSwitches, model)
		acct = next
	}
}

// runOnAccount performs the same-account attempt ladder: transient errors
// retry with a fixed delay, a recoverable 401/403 forces one token refresh
// and one replay, capacity and terminal errors break out immediately.
func (e *Engine) runOnAccount(ctx context.Context, model string, acct *store.Account, canRetry func() bool, attempt AttemptFunc) error {
	authRepaired := false
	var lastErr error

	for try := 0; try <= e.cfg.SameAccountRetries; try++ {
		err := attempt(ctx, acct)
		if err == nil {
			e.pool.MarkSuccess(ctx, acct)
			e.pool.MarkCapacityRecovered(acct, model)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if !canRetry() {
			return err
		}

		switch {
		case gwerr.IsCapacity(err):
			cooldown := e.pool.MarkCapacityLimited(acct, model, err.Error())
			if ge, ok := gwerr.As(err); ok && ge.RetryAfterMs == 0 {
				ge.RetryAfterMs = cooldown.Milliseconds()
			}
			return err

		case gwerr.IsRefreshTokenInvalid(err):
			_ = e.st.UpdateAccountStatus(ctx, acct.ID, store.StatusError, err.Error())
			log.Errorf("[Retry] Refresh token invalid for %s, account demoted", acct.Email)
			return err

		case gwerr.IsAuth(err):
			if authRepaired {
				return err
			}
			authRepaired = true
			refreshed, refreshErr := e.tokens.ForceRefresh(ctx, acct)
			if refreshErr != nil {
				log.Warnf("[Retry] Token repair failed for %s: %v", acct.Email, refreshErr)
				return err
			}
			*acct = *refreshed
			log.Infof("[Retry] Token repaired for %s, replaying once", acct.Email)
			continue

		case gwerr.IsSameAccountRetriable(err):
			e.pool.MarkError(ctx, acct, err)
			if try == e.cfg.SameAccountRetries {
				return err
			}
			log.Warnf("[Retry] Transient error on %s (attempt %d/%d): %v",
				acct.Email, try+1, e.cfg.SameAccountRetries, err)
			if !sleepCtx(ctx, e.cfg.RetryBaseDelay) {
				return err
			}

		default:
			e.pool.MarkError(ctx, acct, err)
			return err
		}
	}
	return lastErr
}

// switchBudget allows at least one full rotation over the current pool.
func (e *Engine) switchBudget(ctx context.Context) int {
	budget := e.cfg.MaxAccountSwitches
	if stats, err := e.pool.StatsSnapshot(ctx); err == nil && stats.Active-1 > budget {
		budget = stats.Active - 1
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

// waitForReset sleeps out a NO_ACCOUNTS reset hint when the deadline allows.
// Returns true when a retry is worthwhile.
func (e *Engine) waitForReset(ctx context.Context, err error, attempt int) bool {
	ge, ok := gwerr.As(err)
	if !ok || ge.Code != gwerr.CodeNoAccounts {
		return false
	}
	wait := time.Duration(ge.RetryAfterMs) * time.Millisecond
	if wait <= 0 {
		wait = e.cfg.RetryBaseDelay * time.Duration(attempt)
	}
	deadline, hasDeadline := ctx.Deadline()
	if wait <= 0 || (hasDeadline && time.Until(deadline) < wait+time.Second) {
		return false
	}
	log.Infof("[Retry] All accounts cooling down, waiting %s", wait)
	return sleepCtx(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func deadlineError(cause error) error {
	e := gwerr.New(gwerr.CodeDeadline, "Request deadline exceeded")
	if cause != nil {
		e.Message = "Request deadline exceeded: " + cause.Error()
	}
	return e
}
