package domain

import "time"

// RuleConfig defines an admin-configurable anomaly rule. The CEL expression
// is evaluated against every processed location fix; when it yields true, a
// SYSTEM alert with the configured priority and message is raised.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Expression is a CEL boolean expression over fix variables
	// (lat, lng, speed, accuracy, safety_score, minutes_since_seen,
	// zones_inside).
	Expression string `json:"expression"`

	// Priority of the alert raised when the rule fires.
	Priority Priority `json:"priority"`

	// Message attached to the raised alert.
	Message string `json:"message"`

	// Cooldown suppresses refiring for the same tourist within the
	// window. Zero means fire on every matching fix.
	CooldownSeconds int `json:"cooldownSeconds"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RuleResult is the outcome of evaluating one anomaly rule against a fix.
type RuleResult struct {
	RuleID    string `json:"ruleId"`
	TouristID string `json:"touristId"`
	Triggered bool   `json:"triggered"`
	ProcessMs int64  `json:"processMs"`
}
