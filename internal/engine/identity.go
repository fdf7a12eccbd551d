package engine

import (
	"fmt"
	"strings"
	"time"

	"breakout-trader/internal/events"
	"breakout-trader/internal/models"
)

// identityRecoveryPasses is how many consecutive passing checks restore a
// failing identity status.
const identityRecoveryPasses = 2

// IdentityReport is the outcome of one identity self-check.
type IdentityReport struct {
	Passed  bool     `json:"passed"`
	Healthy bool     `json:"healthy"`
	Reasons []string `json:"reasons,omitempty"`
}

// CheckIdentity runs the identity self-check now.
func (e *Engine) CheckIdentity() IdentityReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkIdentityLocked(e.clock.Now())
}

// verifyIdentityLocked checks that every stream is keyed by its canonical
// market and trades the policy's active execution identity.
func (e *Engine) verifyIdentityLocked() []string {
	var reasons []string
	for _, id := range e.streamIDs() {
		s := e.streams[id]
		streamID, logic, execution := s.Identity()
		canonical, ok := e.policy.Canonicalize(logic)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: logic identity %s is not in the policy", id, logic))
			continue
		}
		if logic != canonical {
			reasons = append(reasons, fmt.Sprintf("%s: logic identity %s is not canonical %s", id, logic, canonical))
		}
		if want := models.StreamID(canonical, s.Config().Key.Session); streamID != want || id != want {
			reasons = append(reasons, fmt.Sprintf("%s: stream id is not derived from canonical %s", id, canonical))
		}
		if execution == "" {
			reasons = append(reasons, fmt.Sprintf("%s: empty execution identity", id))
			continue
		}
		active, ok := e.policy.ExecutionFor(canonical)
		if !ok || !strings.EqualFold(active.Instrument, execution) {
			reasons = append(reasons, fmt.Sprintf("%s: execution %s is not the active execution of %s", id, execution, canonical))
		}
	}
	return reasons
}

// checkIdentityLocked updates the identity status. A failing check flips it
// at once; recovery takes consecutive passes.
func (e *Engine) checkIdentityLocked(now time.Time) IdentityReport {
	e.lastIDCheck = now
	reasons := e.verifyIdentityLocked()
	passed := len(reasons) == 0
	was := e.identityOK

	if passed {
		e.passStreak++
		if !e.identityOK && e.passStreak >= identityRecoveryPasses {
			e.identityOK = true
		}
	} else {
		e.passStreak = 0
		e.identityOK = false
	}

	switch {
	case was && !e.identityOK:
		e.logger.Error().Strs("reasons", reasons).Msg("Identity invariants violated, entries are denied")
	case !was && e.identityOK:
		e.logger.Info().Int("passes", e.passStreak).Msg("Identity invariants recovered")
	}
	if e.metrics != nil {
		v := 0.0
		if e.identityOK {
			v = 1
		}
		e.metrics.IdentityOK.Set(v)
	}

	reason := "PASS"
	if !passed {
		reason = "FAIL"
	}
	e.emit(events.TypeIdentityCheck, reason, "", map[string]interface{}{
		"healthy": e.identityOK,
		"streak":  e.passStreak,
		"reasons": reasons,
	})
	return IdentityReport{Passed: passed, Healthy: e.identityOK, Reasons: reasons}
}
