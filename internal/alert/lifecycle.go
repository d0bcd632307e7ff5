// Package alert implements the alert lifecycle state machine.
//
// Alerts are owned exclusively by the Lifecycle: they are created through
// Create, mutated only through UpdateStatus, Escalate and Cancel, and never
// deleted, only terminal-stamped. Every successful create or transition is
// handed to the alert sink for persistence and published to the fanout
// topics "all" and "tourist:<touristId>".
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensafety/kestrel/internal/domain"
)

// Lifecycle governs alert state from creation to terminal resolution.
type Lifecycle struct {
	mu     sync.Mutex
	seq    int64
	alerts map[int64]*domain.Alert

	sink       domain.AlertSink
	responders domain.ResponderDirectory
	hub        domain.EventFanout

	// Nearest-responder enrichment bounds. Lookup failure or timeout
	// never blocks alert creation.
	responderTimeout     time.Duration
	responderMaxDistance float64

	now func() time.Time
}

// NewLifecycle creates an alert lifecycle. responders may be nil, in which
// case no nearest-responder enrichment is attempted.
func NewLifecycle(sink domain.AlertSink, responders domain.ResponderDirectory, hub domain.EventFanout, cfg domain.MonitorConfig) *Lifecycle {
	timeout := cfg.ResponderTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	maxDist := cfg.ResponderMaxDistanceMeters
	if maxDist <= 0 {
		maxDist = 100_000
	}
	return &Lifecycle{
		alerts:               make(map[int64]*domain.Alert),
		sink:                 sink,
		responders:           responders,
		hub:                  hub,
		responderTimeout:     timeout,
		responderMaxDistance: maxDist,
		now:                  time.Now,
	}
}

// ResumeFrom advances the ID sequence past the highest persisted alert ID
// so a restart does not reissue IDs.
func (l *Lifecycle) ResumeFrom(maxID int64) {
	l.mu.Lock()
	if maxID > l.seq {
		l.seq = maxID
	}
	l.mu.Unlock()
}

// CreateInput describes a new alert.
type CreateInput struct {
	Type      domain.AlertType
	Priority  domain.Priority
	TouristID string
	Lat       *float64
	Lng       *float64
	Message   string

	// EscalationLevel overrides the type default (1, or 3 for SOS)
	// when non-zero.
	EscalationLevel int
}

// Create allocates a new alert. Status defaults to OPEN, or PENDING for
// pre-alerts; escalation level defaults to 1, or 3 for SOS.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (*domain.Alert, error) {
	if !in.Type.Known() {
		return nil, fmt.Errorf("%w: unknown alert type %q", domain.ErrInvalidInput, in.Type)
	}
	if in.TouristID == "" {
		return nil, fmt.Errorf("%w: touristId is required", domain.ErrInvalidInput)
	}

	status := domain.StatusOpen
	preAlert := false
	if in.Type == domain.AlertPreAlert {
		status = domain.StatusPending
		preAlert = true
	}

	escalation := in.EscalationLevel
	if escalation == 0 {
		escalation = domain.EscalationMin
		if in.Type == domain.AlertSOS {
			escalation = domain.EscalationMax
		}
	}
	if escalation < domain.EscalationMin || escalation > domain.EscalationMax {
		return nil, fmt.Errorf("%w: escalation level %d out of range", domain.ErrInvalidInput, escalation)
	}

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}

	now := l.now().UTC()
	a := &domain.Alert{
		TouristID:         in.TouristID,
		Type:              in.Type,
		Priority:          priority,
		Status:            status,
		Message:           in.Message,
		Lat:               in.Lat,
		Lng:               in.Lng,
		PreAlertTriggered: preAlert,
		EscalationLevel:   escalation,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	a.NearestResponderID = l.findResponder(ctx, in.Lat, in.Lng)

	l.mu.Lock()
	l.seq++
	a.ID = l.seq
	l.alerts[a.ID] = a
	out := *a
	l.mu.Unlock()

	l.persist(ctx, &out)
	l.publish(ctx, domain.EventAlertCreated, &out, "")

	slog.Info("alert created",
		"alert_id", out.ID,
		"tourist_id", out.TouristID,
		"type", out.Type,
		"priority", out.Priority,
		"status", out.Status,
		"escalation", out.EscalationLevel,
	)

	return &out, nil
}

// UpdateStatus applies a status transition. Terminal states reject any
// outgoing transition; PENDING is only reachable via pre-alert creation.
// Transitioning into RESOLVED or DISMISSED stamps resolvedAt, resolvedBy
// and responseTimeMs; into CANCELLED stamps cancelledAt.
func (l *Lifecycle) UpdateStatus(ctx context.Context, alertID int64, newStatus domain.AlertStatus, resolvedBy string) (*domain.Alert, error) {
	if !newStatus.Known() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, newStatus)
	}
	if newStatus == domain.StatusPending {
		return nil, fmt.Errorf("%w: PENDING is only reachable at pre-alert creation", domain.ErrInvalidTransition)
	}

	l.mu.Lock()
	a, ok := l.alerts[alertID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: alert %d", domain.ErrNotFound, alertID)
	}
	if a.Status.Terminal() {
		prev := a.Status
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, prev)
	}

	prev := a.Status
	now := l.now().UTC()
	a.Status = newStatus
	a.UpdatedAt = now

	switch newStatus {
	case domain.StatusResolved, domain.StatusDismissed:
		stamped := now
		a.ResolvedAt = &stamped
		a.ResolvedBy = resolvedBy
		rt := now.Sub(a.CreatedAt).Milliseconds()
		a.ResponseTimeMs = &rt
	case domain.StatusCancelled:
		stamped := now
		a.CancelledAt = &stamped
	}

	out := *a
	l.mu.Unlock()

	l.persist(ctx, &out)
	l.publish(ctx, domain.EventAlertTransition, &out, prev)

	slog.Info("alert transitioned",
		"alert_id", out.ID,
		"from", prev,
		"to", out.Status,
		"resolved_by", resolvedBy,
	)

	return &out, nil
}

// Cancel cancels an alert. Alerts already in a terminal state (RESOLVED,
// DISMISSED, CANCELLED) return unchanged; this is an idempotent no-op,
// not an error.
func (l *Lifecycle) Cancel(ctx context.Context, alertID int64) (*domain.Alert, error) {
	l.mu.Lock()
	a, ok := l.alerts[alertID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: alert %d", domain.ErrNotFound, alertID)
	}
	if a.Status.Terminal() {
		out := *a
		l.mu.Unlock()
		return &out, nil
	}

	prev := a.Status
	now := l.now().UTC()
	a.Status = domain.StatusCancelled
	a.UpdatedAt = now
	stamped := now
	a.CancelledAt = &stamped

	out := *a
	l.mu.Unlock()

	l.persist(ctx, &out)
	l.publish(ctx, domain.EventAlertTransition, &out, prev)

	slog.Info("alert cancelled", "alert_id", out.ID, "from", prev)

	return &out, nil
}

// Escalate raises the escalation level. Levels are monotonically
// non-decreasing while the alert is non-terminal: a lower level is a
// no-op, not an error.
func (l *Lifecycle) Escalate(ctx context.Context, alertID int64, level int) (*domain.Alert, error) {
	if level < domain.EscalationMin || level > domain.EscalationMax {
		return nil, fmt.Errorf("%w: escalation level %d out of range", domain.ErrInvalidInput, level)
	}

	l.mu.Lock()
	a, ok := l.alerts[alertID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: alert %d", domain.ErrNotFound, alertID)
	}
	if a.Status.Terminal() {
		prev := a.Status
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, prev)
	}
	if level <= a.EscalationLevel {
		out := *a
		l.mu.Unlock()
		return &out, nil
	}

	a.EscalationLevel = level
	a.UpdatedAt = l.now().UTC()
	out := *a
	l.mu.Unlock()

	l.persist(ctx, &out)
	l.publish(ctx, domain.EventAlertTransition, &out, out.Status)

	slog.Info("alert escalated", "alert_id", out.ID, "level", level)

	return &out, nil
}

// Get returns a read-only copy of an alert.
func (l *Lifecycle) Get(alertID int64) (*domain.Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: alert %d", domain.ErrNotFound, alertID)
	}
	out := *a
	return &out, nil
}

// ActiveCount returns the number of non-terminal alerts.
func (l *Lifecycle) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, a := range l.alerts {
		if !a.Status.Terminal() {
			n++
		}
	}
	return n
}

// findResponder resolves the nearest responder, best-effort. Returns ""
// when the location is unknown, nothing is in range, or the lookup fails
// or times out.
func (l *Lifecycle) findResponder(ctx context.Context, lat, lng *float64) string {
	if l.responders == nil || lat == nil || lng == nil {
		return ""
	}

	lookupCtx, cancel := context.WithTimeout(ctx, l.responderTimeout)
	defer cancel()

	id, ok, err := l.responders.FindNearest(lookupCtx, *lat, *lng, l.responderMaxDistance)
	if err != nil {
		slog.Warn("nearest-responder lookup failed, continuing without",
			"error", err,
		)
		return ""
	}
	if !ok {
		return ""
	}
	return id
}

func (l *Lifecycle) persist(ctx context.Context, a *domain.Alert) {
	if l.sink == nil {
		return
	}
	if err := l.sink.SaveAlert(ctx, a); err != nil {
		slog.Error("failed to persist alert",
			"alert_id", a.ID,
			"error", err,
		)
	}
}

func (l *Lifecycle) publish(ctx context.Context, kind domain.EventKind, a *domain.Alert, prev domain.AlertStatus) {
	if l.hub == nil {
		return
	}
	ev := &domain.Event{
		Kind:      kind,
		Timestamp: l.now().UTC(),
		Alert: &domain.AlertEvent{
			Alert:          *a,
			PreviousStatus: prev,
		},
	}
	if err := l.hub.Publish(ctx, domain.TopicAll, ev); err != nil {
		slog.Error("failed to publish alert event", "topic", domain.TopicAll, "error", err)
	}
	if err := l.hub.Publish(ctx, domain.TopicTourist(a.TouristID), ev); err != nil {
		slog.Error("failed to publish alert event", "topic", domain.TopicTourist(a.TouristID), "error", err)
	}
}
