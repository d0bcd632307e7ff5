package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensafety/kestrel/internal/alert"
	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/evaluator"
	"github.com/opensafety/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	hub       domain.EventFanout
	lifecycle *alert.Lifecycle
	evaluator *evaluator.AnomalyEvaluator
	engine    *rules.Engine
	monitor   domain.MonitorConfig
	version   string

	// async routes inbound fixes through the ingestion topic instead of
	// evaluating inline.
	async bool
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, hub domain.EventFanout, lc *alert.Lifecycle, eval *evaluator.AnomalyEvaluator, engine *rules.Engine, monitor domain.MonitorConfig, version string, async bool) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		hub:       hub,
		lifecycle: lc,
		evaluator: eval,
		engine:    engine,
		monitor:   monitor,
		version:   version,
		async:     async,
	}
}

// LocationRequest is the request body for POST /locations.
type LocationRequest struct {
	TouristID  string     `json:"touristId"`
	Lat        *float64   `json:"lat"`
	Lng        *float64   `json:"lng"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	Heading    *float64   `json:"heading,omitempty"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
}

// IngestLocation handles POST /locations. In sync mode the fix is
// evaluated inline and the raised alerts are returned; in async mode the
// fix is published to the ingestion topic and accepted with 202.
// Out-of-range coordinates are not rejected here: the evaluator treats
// them as "position unknown" and clears zone membership.
func (h *Handler) IngestLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.TouristID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "touristId is required",
		})
		return
	}
	if req.Lat == nil || req.Lng == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "lat and lng are required",
		})
		return
	}

	recordedAt := time.Now().UTC()
	if req.RecordedAt != nil && !req.RecordedAt.IsZero() {
		recordedAt = req.RecordedAt.UTC()
	}

	upd := &domain.LocationUpdate{
		TouristID:  req.TouristID,
		Lat:        *req.Lat,
		Lng:        *req.Lng,
		Accuracy:   req.Accuracy,
		Speed:      req.Speed,
		Heading:    req.Heading,
		RecordedAt: recordedAt,
	}

	if h.async {
		ev := &domain.Event{
			ID:        uuid.New().String(),
			Kind:      domain.EventLocationFix,
			Timestamp: time.Now().UTC(),
			Location:  upd,
		}
		if err := h.hub.Publish(ctx, domain.TopicLocationIngested, ev); err != nil {
			slog.Error("failed to publish location fix", "tourist_id", upd.TouristID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "ingestion unavailable",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"accepted":  true,
			"touristId": upd.TouristID,
		})
		return
	}

	alerts, err := h.evaluator.OnLocationUpdate(ctx, upd)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"touristId": upd.TouristID,
		"alerts":    alerts,
		"count":     len(alerts),
	})
}

// PanicRequest is the request body for POST /sos and POST /pre-alerts.
type PanicRequest struct {
	TouristID string   `json:"touristId"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// SOS handles POST /sos: an explicit panic button press. The alert opens
// CRITICAL at maximum escalation.
func (h *Handler) SOS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodePanic(w, r)
	if !ok {
		return
	}

	msg := req.Message
	if msg == "" {
		msg = "SOS triggered"
	}

	a, err := h.lifecycle.Create(ctx, alert.CreateInput{
		Type:      domain.AlertSOS,
		Priority:  domain.PriorityCritical,
		TouristID: req.TouristID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Message:   msg,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

// PreAlert handles POST /pre-alerts: a tentative "I may be in trouble"
// signal. The alert opens PENDING; repeated pre-alerts from the same
// tourist inside the escalation window raise its escalation level.
func (h *Handler) PreAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodePanic(w, r)
	if !ok {
		return
	}

	msg := req.Message
	if msg == "" {
		msg = "pre-alert raised"
	}

	a, err := h.lifecycle.Create(ctx, alert.CreateInput{
		Type:      domain.AlertPreAlert,
		TouristID: req.TouristID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Message:   msg,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	var count int64
	if h.cache != nil {
		var cerr error
		count, cerr = h.cache.IncrementCounter(ctx, domain.PreAlertCounterKey(req.TouristID), h.monitor.PreAlertEscalationWindow)
		if cerr != nil {
			slog.Warn("pre-alert counter unavailable", "tourist_id", req.TouristID, "error", cerr)
		}
	}

	if h.monitor.PreAlertEscalationCount > 0 && count >= h.monitor.PreAlertEscalationCount {
		escalated, eerr := h.lifecycle.Escalate(ctx, a.ID, domain.EscalationMax-1)
		if eerr != nil {
			slog.Error("pre-alert escalation failed", "alert_id", a.ID, "error", eerr)
		} else {
			a = escalated
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"alert":         a,
		"preAlertCount": count,
	})
}

func (h *Handler) decodePanic(w http.ResponseWriter, r *http.Request) (*PanicRequest, bool) {
	var req PanicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return nil, false
	}
	if req.TouristID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "touristId is required",
		})
		return nil, false
	}
	if _, err := h.repo.GetTourist(r.Context(), req.TouristID); err != nil {
		writeError(w, err)
		return nil, false
	}
	return &req, true
}

// ListAlerts handles GET /alerts with optional touristId, status, type and
// limit query filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.AlertFilter{
		TouristID: q.Get("touristId"),
		Status:    domain.AlertStatus(q.Get("status")),
		Type:      domain.AlertType(q.Get("type")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = limit
	}
	if filter.Status != "" && !filter.Status.Known() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown status filter",
		})
		return
	}
	if filter.Type != "" && !filter.Type.Known() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown type filter",
		})
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}

	a, err := h.repo.GetAlert(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// UpdateAlertStatusRequest is the request body for PUT /alerts/{id}/status.
type UpdateAlertStatusRequest struct {
	Status     domain.AlertStatus `json:"status"`
	ResolvedBy string             `json:"resolvedBy,omitempty"`
}

// UpdateAlertStatus handles PUT /alerts/{id}/status.
func (h *Handler) UpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}

	var req UpdateAlertStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status is required",
		})
		return
	}

	a, err := h.lifecycle.UpdateStatus(r.Context(), id, req.Status, req.ResolvedBy)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// CancelAlert handles POST /alerts/{id}/cancel. Cancelling an already
// resolved or cancelled alert is an idempotent no-op.
func (h *Handler) CancelAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}

	a, err := h.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// EscalateAlertRequest is the request body for POST /alerts/{id}/escalate.
type EscalateAlertRequest struct {
	Level int `json:"level"`
}

// EscalateAlert handles POST /alerts/{id}/escalate.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := alertID(w, r)
	if !ok {
		return
	}

	var req EscalateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	a, err := h.lifecycle.Escalate(r.Context(), id, req.Level)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func alertID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "alert id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// CreateZoneRequest is the request body for POST /zones.
type CreateZoneRequest struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name"`
	CenterLat    float64    `json:"centerLat"`
	CenterLng    float64    `json:"centerLng"`
	RadiusMeters float64    `json:"radiusMeters"`
	RiskLevel    string     `json:"riskLevel"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// CreateZone handles POST /zones. The zone becomes active immediately;
// the cached catalog snapshot is invalidated so the next evaluation sees
// it without waiting out the TTL.
func (h *Handler) CreateZone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}

	risk := domain.RiskLevel(req.RiskLevel)
	if !risk.Known() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "riskLevel must be one of LOW, MEDIUM, HIGH, CRITICAL",
		})
		return
	}

	now := time.Now().UTC()
	z := &domain.DangerZone{
		ID:           req.ID,
		Name:         req.Name,
		CenterLat:    req.CenterLat,
		CenterLng:    req.CenterLng,
		RadiusMeters: req.RadiusMeters,
		Risk:         risk,
		Active:       true,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	if err := z.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if err := h.repo.SaveZone(ctx, z); err != nil {
		writeError(w, err)
		return
	}
	h.invalidateZoneSnapshot(ctx)

	slog.Info("zone created", "zone_id", z.ID, "risk", z.Risk)
	writeJSON(w, http.StatusCreated, z)
}

// ListZones handles GET /zones. Inactive zones are included; the catalog
// consumed by the evaluator filters on active.
func (h *Handler) ListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.repo.ListZones(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"zones": zones,
		"count": len(zones),
	})
}

// GetZone handles GET /zones/{id}.
func (h *Handler) GetZone(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "id")
	if zoneID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "zone id is required",
		})
		return
	}

	z, err := h.repo.GetZone(r.Context(), zoneID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, z)
}

// DeleteZone handles DELETE /zones/{id}. Zones are deactivated, never
// removed, so historical alerts keep a referent.
func (h *Handler) DeleteZone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	zoneID := chi.URLParam(r, "id")
	if zoneID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "zone id is required",
		})
		return
	}

	if err := h.repo.DeactivateZone(ctx, zoneID); err != nil {
		writeError(w, err)
		return
	}
	h.invalidateZoneSnapshot(ctx)

	slog.Info("zone deactivated", "zone_id", zoneID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "zone deactivated",
	})
}

func (h *Handler) invalidateZoneSnapshot(ctx context.Context) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(ctx, domain.ZoneSnapshotKey); err != nil {
		slog.Warn("failed to invalidate zone snapshot", "error", err)
	}
}

// CreateTouristRequest is the request body for POST /tourists.
type CreateTouristRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// CreateTourist handles POST /tourists. New tourists start active with a
// full safety score and no known position.
func (h *Handler) CreateTourist(w http.ResponseWriter, r *http.Request) {
	var req CreateTouristRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}

	now := time.Now().UTC()
	t := &domain.Tourist{
		ID:          req.ID,
		Name:        req.Name,
		SafetyScore: domain.MaxSafetyScore,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	if err := h.repo.SaveTourist(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("tourist registered", "tourist_id", t.ID)
	writeJSON(w, http.StatusCreated, t)
}

// GetTourist handles GET /tourists/{id}.
func (h *Handler) GetTourist(w http.ResponseWriter, r *http.Request) {
	touristID := chi.URLParam(r, "id")
	if touristID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "tourist id is required",
		})
		return
	}

	t, err := h.repo.GetTourist(r.Context(), touristID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// ListTourists handles GET /tourists.
func (h *Handler) ListTourists(w http.ResponseWriter, r *http.Request) {
	tourists, err := h.repo.ListActiveTourists(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tourists": tourists,
		"count":    len(tourists),
	})
}

// CreateResponderRequest is the request body for POST /responders.
type CreateResponderRequest struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Available bool    `json:"available"`
}

// CreateResponder handles POST /responders.
func (h *Handler) CreateResponder(w http.ResponseWriter, r *http.Request) {
	var req CreateResponderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Name == "" || req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and kind are required",
		})
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "responder position out of range",
		})
		return
	}

	resp := &domain.Responder{
		ID:        req.ID,
		Name:      req.Name,
		Kind:      req.Kind,
		Lat:       req.Lat,
		Lng:       req.Lng,
		Available: req.Available,
		CreatedAt: time.Now().UTC(),
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}

	if err := h.repo.SaveResponder(r.Context(), resp); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// ListResponders handles GET /responders.
func (h *Handler) ListResponders(w http.ResponseWriter, r *http.Request) {
	responders, err := h.repo.ListResponders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"responders": responders,
		"count":      len(responders),
	})
}

// ListRules returns all rules currently loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via
// POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating an anomaly rule.
type CreateRuleRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Expression      string          `json:"expression"`
	Priority        domain.Priority `json:"priority,omitempty"`
	Message         string          `json:"message,omitempty"`
	CooldownSeconds int             `json:"cooldownSeconds,omitempty"`
	Enabled         bool            `json:"enabled"`
}

// CreateRule creates a new anomaly rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:              req.ID,
		Name:            req.Name,
		Description:     req.Description,
		Expression:      req.Expression,
		Priority:        req.Priority,
		Message:         req.Message,
		CooldownSeconds: req.CooldownSeconds,
		Enabled:         req.Enabled,
	}

	// Validate the CEL expression before persisting
	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule disables a rule and auto-reloads the engine.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")
	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if err := h.repo.DeleteRuleConfig(ctx, ruleID); err != nil {
		writeError(w, err)
		return
	}

	// Auto-reload after delete so the engine stops evaluating the rule
	dbRules, err := h.repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
	} else if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules after delete", "error", err)
	}

	slog.Info("rule disabled", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule disabled and engine reloaded",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.hub != nil {
		if err := h.hub.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Stats returns lightweight operational counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"activeAlerts": h.lifecycle.ActiveCount(),
		"loadedRules":  h.engine.RulesCount(),
		"version":      h.version,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
