// Package policy loads and validates the execution policy: which execution
// identity trades each canonical market and at what size.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
)

// DefaultMaxQuantity bounds order size when the policy file does not.
const DefaultMaxQuantity = 50

// Execution is one tradable variant of a canonical market.
type Execution struct {
	Instrument string `mapstructure:"-" json:"instrument"`
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	Quantity   int    `mapstructure:"quantity" json:"quantity"`
}

// Market is the policy for one canonical market.
type Market struct {
	Canonical      string               `mapstructure:"-" json:"canonical"`
	TickSize       float64              `mapstructure:"tick_size" json:"tick_size"`
	BreakoutOffset float64              `mapstructure:"breakout_offset" json:"breakout_offset"`
	TargetPoints   float64              `mapstructure:"target_points" json:"target_points"`
	MaxStopPoints  float64              `mapstructure:"max_stop_points" json:"max_stop_points"`
	Executions     map[string]Execution `mapstructure:"executions" json:"executions"`
}

type file struct {
	MaxQuantity int               `mapstructure:"max_quantity"`
	Markets     map[string]Market `mapstructure:"markets"`
}

// Policy is a validated, read-only execution policy.
type Policy struct {
	maxQuantity int
	markets     map[string]Market
	execToCanon map[string]string
}

// Load reads and validates a policy file (TOML or YAML, chosen by extension).
// Any violation is returned and the policy must not be used.
func Load(path string) (*Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("max_quantity", DefaultMaxQuantity)

	if err := v.ReadInConfig(); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPolicyInvalid, "reading %s: %v", path, err)
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPolicyInvalid, "decoding %s: %v", path, err)
	}
	return New(f.Markets, f.MaxQuantity)
}

// New builds a policy from decoded markets and validates it.
// Keys are normalized to upper case.
func New(markets map[string]Market, maxQuantity int) (*Policy, error) {
	if maxQuantity <= 0 {
		maxQuantity = DefaultMaxQuantity
	}
	p := &Policy{
		maxQuantity: maxQuantity,
		markets:     make(map[string]Market, len(markets)),
		execToCanon: make(map[string]string),
	}
	for name, m := range markets {
		canonical := normalize(name)
		execs := make(map[string]Execution, len(m.Executions))
		for ename, e := range m.Executions {
			e.Instrument = normalize(ename)
			execs[e.Instrument] = e
		}
		m.Canonical = canonical
		m.Executions = execs
		p.markets[canonical] = m
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	for canonical, m := range p.markets {
		for inst := range m.Executions {
			p.execToCanon[inst] = canonical
		}
	}
	return p, nil
}

func (p *Policy) validate() error {
	var err error
	if len(p.markets) == 0 {
		err = apperrors.Append(err, apperrors.NewValidationError("markets", nil, "no canonical markets defined"))
	}

	owners := make(map[string]string)
	for _, canonical := range p.Markets() {
		m := p.markets[canonical]
		field := "markets." + canonical

		if m.TickSize <= 0 {
			err = apperrors.Append(err, apperrors.NewValidationError(field+".tick_size", m.TickSize, "must be positive"))
		}
		if m.BreakoutOffset < 0 {
			err = apperrors.Append(err, apperrors.NewValidationError(field+".breakout_offset", m.BreakoutOffset, "must not be negative"))
		}
		if m.TargetPoints <= 0 {
			err = apperrors.Append(err, apperrors.NewValidationError(field+".target_points", m.TargetPoints, "must be positive"))
		}
		if m.MaxStopPoints <= 0 {
			err = apperrors.Append(err, apperrors.NewValidationError(field+".max_stop_points", m.MaxStopPoints, "must be positive"))
		}

		enabled := 0
		for _, inst := range sortedKeys(m.Executions) {
			e := m.Executions[inst]
			efield := field + ".executions." + inst
			if other, ok := owners[inst]; ok {
				err = apperrors.Append(err, apperrors.NewValidationError(efield, inst, "execution identity also used by "+other))
			}
			owners[inst] = canonical
			if _, isCanonical := p.markets[inst]; isCanonical && inst != canonical {
				err = apperrors.Append(err, apperrors.NewValidationError(efield, inst, "execution identity collides with canonical market "+inst))
			}
			if !e.Enabled {
				continue
			}
			enabled++
			if e.Quantity <= 0 || e.Quantity > p.maxQuantity {
				err = apperrors.Append(err, apperrors.NewValidationError(efield+".quantity", e.Quantity,
					fmt.Sprintf("must be between 1 and %d", p.maxQuantity)))
			}
		}
		if enabled != 1 {
			err = apperrors.Append(err, apperrors.NewValidationError(field+".executions", enabled,
				"exactly one enabled execution identity is required"))
		}
	}

	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrPolicyInvalid, err)
	}
	return nil
}

// Markets returns the canonical markets in sorted order.
func (p *Policy) Markets() []string {
	return sortedKeys(p.markets)
}

// Market returns the policy for a canonical market.
func (p *Policy) Market(canonical string) (Market, bool) {
	m, ok := p.markets[normalize(canonical)]
	return m, ok
}

// Canonicalize maps any known instrument (canonical or execution) to its
// canonical market.
func (p *Policy) Canonicalize(instrument string) (string, bool) {
	inst := normalize(instrument)
	if _, ok := p.markets[inst]; ok {
		return inst, true
	}
	canonical, ok := p.execToCanon[inst]
	return canonical, ok
}

// ExecutionFor returns the single active execution identity of a canonical market.
func (p *Policy) ExecutionFor(canonical string) (Execution, bool) {
	m, ok := p.markets[normalize(canonical)]
	if !ok {
		return Execution{}, false
	}
	for _, inst := range sortedKeys(m.Executions) {
		if e := m.Executions[inst]; e.Enabled {
			return e, true
		}
	}
	return Execution{}, false
}

// MaxQuantity returns the order size bound.
func (p *Policy) MaxQuantity() int {
	return p.maxQuantity
}

// Bracket prices a bracket order for a breakout at entry. The stop sits at the
// opposite range bound, capped at MaxStopPoints from entry.
func (m Market) Bracket(direction models.Direction, entry float64, r models.Range) (stop, target float64) {
	switch direction {
	case models.DirectionLong:
		stop = r.Low
		if entry-stop > m.MaxStopPoints {
			stop = entry - m.MaxStopPoints
		}
		target = entry + m.TargetPoints
	default:
		stop = r.High
		if stop-entry > m.MaxStopPoints {
			stop = entry + m.MaxStopPoints
		}
		target = entry - m.TargetPoints
	}
	return models.RoundToTick(stop, m.TickSize), models.RoundToTick(target, m.TickSize)
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
