// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensafety/kestrel/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTourist inserts or updates a tourist record.
func (r *SQLRepository) SaveTourist(ctx context.Context, t *domain.Tourist) error {
	if t.ID == "" {
		return fmt.Errorf("%w: tourist id is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO tourists (
			id, name, current_lat, current_lng, last_seen_at,
			safety_score, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			current_lat = excluded.current_lat,
			current_lng = excluded.current_lng,
			last_seen_at = excluded.last_seen_at,
			safety_score = excluded.safety_score,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		t.ID, t.Name,
		nullFloat(t.CurrentLat), nullFloat(t.CurrentLng), nullTime(t.LastSeenAt),
		t.SafetyScore, boolInt(t.Active),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

// GetTourist retrieves a tourist by ID.
func (r *SQLRepository) GetTourist(ctx context.Context, id string) (*domain.Tourist, error) {
	query := `
		SELECT id, name, current_lat, current_lng, last_seen_at,
			   safety_score, active, created_at, updated_at
		FROM tourists
		WHERE id = ?
	`

	t, err := scanTourist(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

// ListActiveTourists retrieves every active tourist.
func (r *SQLRepository) ListActiveTourists(ctx context.Context) ([]*domain.Tourist, error) {
	query := `
		SELECT id, name, current_lat, current_lng, last_seen_at,
			   safety_score, active, created_at, updated_at
		FROM tourists
		WHERE active = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tourists []*domain.Tourist
	for rows.Next() {
		t, err := scanTourist(rows)
		if err != nil {
			return nil, err
		}
		tourists = append(tourists, t)
	}

	return tourists, rows.Err()
}

// UpdateTouristPosition writes a tourist's last known fix.
func (r *SQLRepository) UpdateTouristPosition(ctx context.Context, id string, lat, lng float64, seenAt time.Time) error {
	query := `
		UPDATE tourists
		SET current_lat = ?, current_lng = ?, last_seen_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), lat, lng, seenAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// UpdateTouristScore writes a tourist's safety score.
func (r *SQLRepository) UpdateTouristScore(ctx context.Context, id string, score int) error {
	if score < domain.MinSafetyScore || score > domain.MaxSafetyScore {
		return fmt.Errorf("%w: score %d out of range", domain.ErrInvalidInput, score)
	}

	query := `
		UPDATE tourists
		SET safety_score = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), score, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SaveZone inserts or updates a danger zone.
func (r *SQLRepository) SaveZone(ctx context.Context, z *domain.DangerZone) error {
	if z.ID == "" {
		return fmt.Errorf("%w: zone id is required", domain.ErrInvalidInput)
	}
	if err := z.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if z.CreatedAt.IsZero() {
		z.CreatedAt = now
	}
	z.UpdatedAt = now

	query := `
		INSERT INTO danger_zones (
			id, name, center_lat, center_lng, radius_meters,
			risk_level, active, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			center_lat = excluded.center_lat,
			center_lng = excluded.center_lng,
			radius_meters = excluded.radius_meters,
			risk_level = excluded.risk_level,
			active = excluded.active,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		z.ID, z.Name, z.CenterLat, z.CenterLng, z.RadiusMeters,
		string(z.Risk), boolInt(z.Active), nullTime(z.ExpiresAt),
		z.CreatedAt, z.UpdatedAt,
	)
	return err
}

// GetZone retrieves a zone by ID.
func (r *SQLRepository) GetZone(ctx context.Context, id string) (*domain.DangerZone, error) {
	query := `
		SELECT id, name, center_lat, center_lng, radius_meters,
			   risk_level, active, expires_at, created_at, updated_at
		FROM danger_zones
		WHERE id = ?
	`

	z, err := scanZone(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return z, err
}

// ListZones retrieves every zone, active or not.
func (r *SQLRepository) ListZones(ctx context.Context) ([]*domain.DangerZone, error) {
	return r.queryZones(ctx, `
		SELECT id, name, center_lat, center_lng, radius_meters,
			   risk_level, active, expires_at, created_at, updated_at
		FROM danger_zones
		ORDER BY name
	`)
}

// ListActiveZones retrieves the current active-zone catalog.
func (r *SQLRepository) ListActiveZones(ctx context.Context) ([]*domain.DangerZone, error) {
	return r.queryZones(ctx, `
		SELECT id, name, center_lat, center_lng, radius_meters,
			   risk_level, active, expires_at, created_at, updated_at
		FROM danger_zones
		WHERE active = 1
		ORDER BY name
	`)
}

func (r *SQLRepository) queryZones(ctx context.Context, query string, args ...any) ([]*domain.DangerZone, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []*domain.DangerZone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}

	return zones, rows.Err()
}

// DeactivateZone soft-deletes a zone by setting active = 0.
func (r *SQLRepository) DeactivateZone(ctx context.Context, id string) error {
	query := `
		UPDATE danger_zones
		SET active = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeactivateExpiredZones deactivates zones past their expiry timestamp and
// returns their IDs.
func (r *SQLRepository) DeactivateExpiredZones(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id FROM danger_zones
		WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
	`

	rows, err := tx.QueryContext(ctx, r.rebind(selectQuery), now.UTC())
	if err != nil {
		return nil, err
	}

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(expired) == 0 {
		return nil, tx.Commit()
	}

	updateQuery := `
		UPDATE danger_zones
		SET active = 0, updated_at = ?
		WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
	`

	if _, err := tx.ExecContext(ctx, r.rebind(updateQuery), time.Now().UTC(), now.UTC()); err != nil {
		return nil, err
	}

	return expired, tx.Commit()
}

// SaveAlert inserts or updates an alert. Called once on creation and once
// per status transition, so it upserts on the lifecycle-assigned ID.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if a.ID <= 0 {
		return fmt.Errorf("%w: alert id is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO alerts (
			id, tourist_id, type, priority, status, message,
			lat, lng, pre_alert_triggered, escalation_level,
			nearest_responder_id, resolved_by, resolved_at, cancelled_at,
			response_time_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			escalation_level = excluded.escalation_level,
			nearest_responder_id = excluded.nearest_responder_id,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at,
			cancelled_at = excluded.cancelled_at,
			response_time_ms = excluded.response_time_ms,
			updated_at = excluded.updated_at
	`

	var responseMs any
	if a.ResponseTimeMs != nil {
		responseMs = *a.ResponseTimeMs
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TouristID, string(a.Type), string(a.Priority), string(a.Status), a.Message,
		nullFloat(a.Lat), nullFloat(a.Lng), boolInt(a.PreAlertTriggered), a.EscalationLevel,
		a.NearestResponderID, a.ResolvedBy, nullTime(a.ResolvedAt), nullTime(a.CancelledAt),
		responseMs, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	query := `
		SELECT id, tourist_id, type, priority, status, message,
			   lat, lng, pre_alert_triggered, escalation_level,
			   nearest_responder_id, resolved_by, resolved_at, cancelled_at,
			   response_time_ms, created_at, updated_at
		FROM alerts
		WHERE id = ?
	`

	a, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAlerts retrieves alerts matching the filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	query := `
		SELECT id, tourist_id, type, priority, status, message,
			   lat, lng, pre_alert_triggered, escalation_level,
			   nearest_responder_id, resolved_by, resolved_at, cancelled_at,
			   response_time_ms, created_at, updated_at
		FROM alerts
	`

	var conds []string
	var args []any
	if filter.TouristID != "" {
		conds = append(conds, "tourist_id = ?")
		args = append(args, filter.TouristID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// MaxAlertID returns the highest persisted alert ID, 0 when none.
func (r *SQLRepository) MaxAlertID(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM alerts`).Scan(&max)
	return max, err
}

// SaveResponder inserts or updates a responder.
func (r *SQLRepository) SaveResponder(ctx context.Context, resp *domain.Responder) error {
	if resp.ID == "" {
		return fmt.Errorf("%w: responder id is required", domain.ErrInvalidInput)
	}

	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO responders (id, name, kind, lat, lng, available, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			lat = excluded.lat,
			lng = excluded.lng,
			available = excluded.available
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		resp.ID, resp.Name, resp.Kind, resp.Lat, resp.Lng,
		boolInt(resp.Available), resp.CreatedAt,
	)
	return err
}

// ListResponders retrieves every responder.
func (r *SQLRepository) ListResponders(ctx context.Context) ([]*domain.Responder, error) {
	query := `
		SELECT id, name, kind, lat, lng, available, created_at
		FROM responders
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var responders []*domain.Responder
	for rows.Next() {
		var resp domain.Responder
		var available int
		if err := rows.Scan(
			&resp.ID, &resp.Name, &resp.Kind, &resp.Lat, &resp.Lng,
			&available, &resp.CreatedAt,
		); err != nil {
			return nil, err
		}
		resp.Available = available == 1
		responders = append(responders, &resp)
	}

	return responders, rows.Err()
}

// SaveRuleConfig inserts or updates an anomaly rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rule_configs (
			id, name, description, expression, priority, message,
			cooldown_seconds, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			priority = excluded.priority,
			message = excluded.message,
			cooldown_seconds = excluded.cooldown_seconds,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		string(rule.Priority), rule.Message,
		rule.CooldownSeconds, boolInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration by ID.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, expression, priority, message,
			   cooldown_seconds, enabled, created_at, updated_at
		FROM rule_configs
		WHERE id = ?
	`

	var cfg domain.RuleConfig
	var enabled int
	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(
		&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Expression,
		&cfg.Priority, &cfg.Message,
		&cfg.CooldownSeconds, &enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ListRuleConfigs retrieves every rule configuration, enabled or not.
// Disabled rules are skipped at engine load time.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, expression, priority, message,
			   cooldown_seconds, enabled, created_at, updated_at
		FROM rule_configs
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var enabled int
		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Expression,
			&cfg.Priority, &cfg.Message,
			&cfg.CooldownSeconds, &enabled,
			&cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DeleteRuleConfig soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRuleConfig(ctx context.Context, ruleID string) error {
	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTourist(row rowScanner) (*domain.Tourist, error) {
	var t domain.Tourist
	var name sql.NullString
	var lat, lng sql.NullFloat64
	var lastSeen sql.NullTime
	var active int

	if err := row.Scan(
		&t.ID, &name, &lat, &lng, &lastSeen,
		&t.SafetyScore, &active, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Name = name.String
	t.Active = active == 1
	if lat.Valid && lng.Valid {
		t.CurrentLat, t.CurrentLng = &lat.Float64, &lng.Float64
	}
	if lastSeen.Valid {
		t.LastSeenAt = &lastSeen.Time
	}
	return &t, nil
}

func scanZone(row rowScanner) (*domain.DangerZone, error) {
	var z domain.DangerZone
	var risk string
	var active int
	var expires sql.NullTime

	if err := row.Scan(
		&z.ID, &z.Name, &z.CenterLat, &z.CenterLng, &z.RadiusMeters,
		&risk, &active, &expires, &z.CreatedAt, &z.UpdatedAt,
	); err != nil {
		return nil, err
	}

	z.Risk = domain.RiskLevel(risk)
	z.Active = active == 1
	if expires.Valid {
		z.ExpiresAt = &expires.Time
	}
	return &z, nil
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var message, responderID, resolvedBy sql.NullString
	var lat, lng sql.NullFloat64
	var preAlert int
	var resolvedAt, cancelledAt sql.NullTime
	var responseMs sql.NullInt64

	if err := row.Scan(
		&a.ID, &a.TouristID, &a.Type, &a.Priority, &a.Status, &message,
		&lat, &lng, &preAlert, &a.EscalationLevel,
		&responderID, &resolvedBy, &resolvedAt, &cancelledAt,
		&responseMs, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	a.Message = message.String
	a.NearestResponderID = responderID.String
	a.ResolvedBy = resolvedBy.String
	a.PreAlertTriggered = preAlert == 1
	if lat.Valid {
		a.Lat = &lat.Float64
	}
	if lng.Valid {
		a.Lng = &lng.Float64
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if cancelledAt.Valid {
		a.CancelledAt = &cancelledAt.Time
	}
	if responseMs.Valid {
		a.ResponseTimeMs = &responseMs.Int64
	}
	return &a, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
