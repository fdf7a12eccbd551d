// Package risk holds the pre-trade veto checks.
package risk

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"breakout-trader/internal/policy"
)

// Denial reasons.
const (
	ReasonKillSwitch     = "KILL_SWITCH"
	ReasonKillSwitchFile = "KILL_SWITCH_FILE"
	ReasonUnknownMarket  = "UNKNOWN_MARKET"
	ReasonNotEnabled     = "EXECUTION_NOT_ENABLED"
	ReasonWrongExecution = "EXECUTION_MISMATCH"
	ReasonBadQuantity    = "INVALID_QUANTITY"
	ReasonLockNotHeld    = "MARKET_LOCK_NOT_HELD"
	ReasonIdentityFailed = "IDENTITY_CHECK_FAILING"
)

// Request is what the gate needs to judge one entry.
type Request struct {
	Canonical       string
	Instrument      string // execution identity
	Quantity        int
	LockHeld        bool
	IdentityHealthy bool
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Gate performs synchronous, non-blocking pre-trade checks. The kill-switch
// file is read by PollFile, which callers run outside their critical section.
type Gate struct {
	policy   *policy.Policy
	fs       afero.Fs
	killPath string

	mu         sync.RWMutex
	killSwitch bool
	fileKill   bool
}

// NewGate creates a gate. killPath may be empty to disable the file switch.
func NewGate(p *policy.Policy, killSwitch bool, fs afero.Fs, killPath string) *Gate {
	return &Gate{policy: p, fs: fs, killPath: killPath, killSwitch: killSwitch}
}

// SetKillSwitch toggles the runtime kill switch.
func (g *Gate) SetKillSwitch(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = on
}

// KillSwitch reports whether either kill switch is engaged.
func (g *Gate) KillSwitch() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.killSwitch || g.fileKill
}

// PollFile re-reads the kill-switch file. The file engages the switch when it
// exists and is not "0", "off" or "false". A read error fails closed.
func (g *Gate) PollFile() (bool, error) {
	if g.fs == nil || g.killPath == "" {
		return false, nil
	}
	on, err := readKillFile(g.fs, g.killPath)
	g.mu.Lock()
	g.fileKill = on
	g.mu.Unlock()
	return on, err
}

func readKillFile(fs afero.Fs, path string) (bool, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return true, fmt.Errorf("reading kill switch file: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "0", "off", "false":
		return false, nil
	}
	return true, nil
}

// Check runs every veto in order and returns the first denial.
func (g *Gate) Check(req Request) Decision {
	g.mu.RLock()
	killSwitch, fileKill := g.killSwitch, g.fileKill
	g.mu.RUnlock()

	if killSwitch {
		return deny(ReasonKillSwitch, "global kill switch engaged")
	}
	if fileKill {
		return deny(ReasonKillSwitchFile, g.killPath)
	}
	if !req.LockHeld {
		return deny(ReasonLockNotHeld, req.Canonical)
	}
	if !req.IdentityHealthy {
		return deny(ReasonIdentityFailed, "identity invariants failing")
	}
	if g.policy == nil {
		return deny(ReasonUnknownMarket, "no policy loaded")
	}
	m, ok := g.policy.Market(req.Canonical)
	if !ok {
		return deny(ReasonUnknownMarket, req.Canonical)
	}
	exec, ok := g.policy.ExecutionFor(m.Canonical)
	if !ok || !exec.Enabled {
		return deny(ReasonNotEnabled, req.Canonical)
	}
	if !strings.EqualFold(exec.Instrument, req.Instrument) {
		return deny(ReasonWrongExecution, fmt.Sprintf("%s is not the active execution of %s", req.Instrument, req.Canonical))
	}
	if req.Quantity <= 0 || req.Quantity > g.policy.MaxQuantity() {
		return deny(ReasonBadQuantity, fmt.Sprintf("quantity %d", req.Quantity))
	}
	return allow()
}
