package domain

import "time"

// AlertType distinguishes what condition raised an alert.
type AlertType string

const (
	AlertSOS        AlertType = "SOS"
	AlertPreAlert   AlertType = "PRE_ALERT"
	AlertRiskZone   AlertType = "RISK_ZONE"
	AlertInactivity AlertType = "INACTIVITY"
	AlertDeviation  AlertType = "DEVIATION"
	AlertGeofence   AlertType = "GEOFENCE"
	AlertSystem     AlertType = "SYSTEM"
)

// Known reports whether the type is one of the declared constants.
func (t AlertType) Known() bool {
	switch t {
	case AlertSOS, AlertPreAlert, AlertRiskZone, AlertInactivity,
		AlertDeviation, AlertGeofence, AlertSystem:
		return true
	}
	return false
}

// Priority is the coarse urgency of an alert.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	// StatusPending is only reachable via pre-alert creation.
	StatusPending      AlertStatus = "PENDING"
	StatusOpen         AlertStatus = "OPEN"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
	StatusDismissed    AlertStatus = "DISMISSED"
	StatusCancelled    AlertStatus = "CANCELLED"
)

// Known reports whether the status is one of the declared constants.
func (s AlertStatus) Known() bool {
	switch s {
	case StatusPending, StatusOpen, StatusAcknowledged,
		StatusResolved, StatusDismissed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s AlertStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusDismissed, StatusCancelled:
		return true
	}
	return false
}

// Escalation level bounds. Independent of priority.
const (
	EscalationMin = 1
	EscalationMax = 3
)

// Alert is a safety incident raised for a tourist. Alerts are never
// deleted, only terminal-stamped; all mutation goes through the lifecycle.
type Alert struct {
	ID                 int64       `json:"alertId"`
	TouristID          string      `json:"touristId"`
	Type               AlertType   `json:"alertType"`
	Priority           Priority    `json:"priority"`
	Status             AlertStatus `json:"status"`
	Message            string      `json:"message"`
	Lat                *float64    `json:"lat,omitempty"`
	Lng                *float64    `json:"lng,omitempty"`
	PreAlertTriggered  bool        `json:"preAlertTriggered"`
	EscalationLevel    int         `json:"escalationLevel"`
	NearestResponderID string      `json:"nearestResponderId,omitempty"`
	ResolvedBy         string      `json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time  `json:"resolvedAt,omitempty"`
	CancelledAt        *time.Time  `json:"cancelledAt,omitempty"`
	ResponseTimeMs     *int64      `json:"responseTimeMs,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}
