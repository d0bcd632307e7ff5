package rules

import "github.com/opensafety/kestrel/internal/domain"

// BuiltinRules returns a starter anomaly rule set. Seeded into the
// repository on first boot when KESTREL_SEED_RULES=true; deployments
// normally manage rules via the API.
func BuiltinRules() []*domain.RuleConfig {
	return []*domain.RuleConfig{
		{
			ID:              "speed-anomaly-001",
			Name:            "Implausible speed",
			Description:     "Fix reports ground speed above 150 km/h, likely GPS jump or vehicle transfer",
			Expression:      "speed > 150.0",
			Priority:        domain.PriorityMedium,
			Message:         "implausible movement speed detected",
			CooldownSeconds: 600,
			Enabled:         true,
		},
		{
			ID:              "low-score-001",
			Name:            "Critically low safety score",
			Description:     "Safety score dropped below 30 while still inside at least one zone",
			Expression:      "safety_score < 30 && zones_inside > 0",
			Priority:        domain.PriorityHigh,
			Message:         "safety score critically low inside danger zone",
			CooldownSeconds: 1800,
			Enabled:         true,
		},
		{
			ID:              "degraded-gps-001",
			Name:            "Degraded GPS accuracy",
			Description:     "Reported fix accuracy worse than 500 m on a stale track",
			Expression:      "accuracy > 500.0 && minutes_since_seen > 15.0",
			Priority:        domain.PriorityLow,
			Message:         "location accuracy degraded",
			CooldownSeconds: 3600,
			Enabled:         true,
		},
	}
}
