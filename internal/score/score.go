// Package score computes a tourist's 0-100 safety score.
//
// The score only degrades from zone entry and inactivity; it recovers only
// via the clamp. There is deliberately no "safe" bonus on zone exit, which
// would make the score oscillate while a tourist walks a zone boundary.
package score

import "github.com/opensafety/kestrel/internal/domain"

// Penalty points per risk level for a newly-entered zone.
const (
	penaltyLow      = 5
	penaltyMedium   = 10
	penaltyHigh     = 18
	penaltyCritical = 25
	penaltyUnknown  = 8
)

// Inactivity decay, applied once per recomputation call.
const (
	decayStaleMinutes    = 30
	decayVeryStale       = 60
	decayStalePenalty    = 5
	decayVeryStalePoints = 15
)

// ZonePenalty returns the score penalty for entering a zone of the given
// risk level.
func ZonePenalty(level domain.RiskLevel) int {
	switch level {
	case domain.RiskLow:
		return penaltyLow
	case domain.RiskMedium:
		return penaltyMedium
	case domain.RiskHigh:
		return penaltyHigh
	case domain.RiskCritical:
		return penaltyCritical
	default:
		return penaltyUnknown
	}
}

// Recompute derives a new safety score from the previous one. Pure.
//
// enteredZones are the zones to penalize this call: the evaluator passes
// only the zones just entered, the sweep passes every zone currently
// occupied. minutesSinceSeen drives the inactivity decay; the decay is
// checked once per call, not accumulated per minute.
func Recompute(previous int, enteredZones []*domain.DangerZone, minutesSinceSeen float64) int {
	s := previous

	for _, z := range enteredZones {
		s -= ZonePenalty(z.Risk)
	}

	switch {
	case minutesSinceSeen > decayVeryStale:
		s -= decayVeryStalePoints
	case minutesSinceSeen > decayStaleMinutes:
		s -= decayStalePenalty
	}

	return Clamp(s)
}

// Clamp bounds a score to [MinSafetyScore, MaxSafetyScore].
func Clamp(s int) int {
	if s < domain.MinSafetyScore {
		return domain.MinSafetyScore
	}
	if s > domain.MaxSafetyScore {
		return domain.MaxSafetyScore
	}
	return s
}
