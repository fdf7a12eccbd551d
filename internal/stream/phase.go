// Package stream implements the per-(instrument, session) breakout state
// machine: hydration, range building, range lock, breakout and resolution.
package stream

import (
	"fmt"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
)

// transitions lists every legal phase change. Any non-terminal phase may
// commit to DONE or SUSPENDED; PRE_HYDRATION may jump to RANGE_LOCKED only
// when a persisted lock is restored after a restart.
var transitions = map[models.Phase][]models.Phase{
	models.PhasePreHydration:  {models.PhaseArmed, models.PhaseRangeLocked, models.PhaseDone, models.PhaseSuspended},
	models.PhaseArmed:         {models.PhaseRangeBuilding, models.PhaseDone, models.PhaseSuspended},
	models.PhaseRangeBuilding: {models.PhaseRangeLocked, models.PhaseDone, models.PhaseSuspended},
	models.PhaseRangeLocked:   {models.PhaseDone, models.PhaseSuspended},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to models.Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to models.Phase) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, from, to)
}
