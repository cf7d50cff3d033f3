package pool

import (
	"time"

	"github.com/openfold/gravity-gateway/internal/gwerr"
)

// cooldownState is the per-(account, effective-model) capacity state. Updates
// are pure functions of the previous state and the upstream error message.
type cooldownState struct {
	Until time.Time
	// Count is the consecutive capacity-error count; reset on recovery.
	Count int
}

// nextCooldown computes the successor state after one capacity error.
// Duration doubles per consecutive error up to max, unless the vendor message
// carries an explicit "reset after Ns" hint, which overrides the ladder.
func nextCooldown(prev cooldownState, def, max time.Duration, message string, now time.Time) (cooldownState, time.Duration) {
	count := prev.Count + 1

	cooldown := def
	for i := 1; i < count; i++ {
		cooldown *= 2
		if cooldown >= max {
			cooldown = max
			break
		}
	}

	if hinted := gwerr.ParseResetAfterMs(message); hinted > 0 {
		cooldown = time.Duration(hinted) * time.Millisecond
	}

	return cooldownState{Until: now.Add(cooldown), Count: count}, cooldown
}
