// Package evaluator orchestrates the per-fix anomaly checks: inactivity,
// route deviation, geofence entry, score recomputation, and configurable
// anomaly rules. One call per inbound location update.
package evaluator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opensafety/kestrel/internal/alert"
	"github.com/opensafety/kestrel/internal/deviation"
	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/membership"
	"github.com/opensafety/kestrel/internal/rules"
	"github.com/opensafety/kestrel/internal/score"
)

const lockStripes = 64

// AnomalyEvaluator runs the evaluation pipeline for a single location
// update. Updates for one tourist are serialized; different tourists run
// fully in parallel.
type AnomalyEvaluator struct {
	tourists  domain.TouristStore
	catalog   domain.ZoneCatalog
	cache     domain.Cache
	tracker   *membership.Tracker
	lifecycle *alert.Lifecycle
	estimator deviation.Estimator
	engine    *rules.Engine
	hub       domain.EventFanout
	cfg       domain.MonitorConfig
	logger    *slog.Logger

	locks [lockStripes]sync.Mutex

	now func() time.Time
}

// New creates an AnomalyEvaluator. cache and engine may be nil; the zone
// snapshot then always reads through to the catalog and no configurable
// rules run.
func New(
	tourists domain.TouristStore,
	catalog domain.ZoneCatalog,
	cache domain.Cache,
	tracker *membership.Tracker,
	lc *alert.Lifecycle,
	estimator deviation.Estimator,
	engine *rules.Engine,
	hub domain.EventFanout,
	cfg domain.MonitorConfig,
) *AnomalyEvaluator {
	if estimator == nil {
		estimator = deviation.None{}
	}
	return &AnomalyEvaluator{
		tourists:  tourists,
		catalog:   catalog,
		cache:     cache,
		tracker:   tracker,
		lifecycle: lc,
		estimator: estimator,
		engine:    engine,
		hub:       hub,
		cfg:       cfg,
		logger:    slog.Default().With("component", "evaluator"),
		now:       time.Now,
	}
}

// OnLocationUpdate evaluates one inbound fix and returns the alerts it
// created. A malformed fix clears the tourist's zone membership and is
// otherwise a no-op, never a hard failure. Store read failures abort only
// this evaluation; the next fix retries naturally.
func (e *AnomalyEvaluator) OnLocationUpdate(ctx context.Context, upd *domain.LocationUpdate) ([]*domain.Alert, error) {
	if upd == nil || upd.TouristID == "" {
		return nil, fmt.Errorf("location update: %w", domain.ErrInvalidInput)
	}

	mu := e.lockFor(upd.TouristID)
	mu.Lock()
	defer mu.Unlock()

	tourist, err := e.tourists.GetTourist(ctx, upd.TouristID)
	if err != nil {
		e.logger.Error("tourist fetch failed, skipping evaluation",
			"tourist_id", upd.TouristID, "error", err)
		return nil, fmt.Errorf("get tourist %s: %w", upd.TouristID, err)
	}

	now := e.now()
	var created []*domain.Alert

	// Inactivity uses the previous lastSeen, before this fix refreshes it.
	minutesSinceSeen := 0.0
	if tourist.LastSeenAt != nil {
		gap := now.Sub(*tourist.LastSeenAt)
		minutesSinceSeen = gap.Minutes()
		if gap > e.cfg.InactivityThreshold {
			a := e.create(ctx, alert.CreateInput{
				Type:      domain.AlertInactivity,
				Priority:  domain.PriorityMedium,
				TouristID: upd.TouristID,
				Lat:       &upd.Lat,
				Lng:       &upd.Lng,
				Message:   fmt.Sprintf("no location update for %.0f minutes", minutesSinceSeen),
			})
			if a != nil {
				created = append(created, a)
			}
		}
	}

	if !upd.Valid() {
		// No usable position. Membership becomes undefined, not "outside
		// everything".
		e.tracker.Evaluate(upd.TouristID, math.NaN(), math.NaN(), nil)
		e.logger.Debug("discarded malformed fix",
			"tourist_id", upd.TouristID, "lat", upd.Lat, "lng", upd.Lng)
		return created, nil
	}

	// Route deviation is a secondary enrichment; estimator failure is
	// logged and the evaluation continues.
	devKm, err := e.estimator.EstimateKm(ctx, upd.TouristID, upd.Lat, upd.Lng)
	if err != nil {
		e.logger.Warn("deviation estimate failed",
			"tourist_id", upd.TouristID, "error", err)
	} else if devKm > e.cfg.DeviationThresholdKm {
		a := e.create(ctx, alert.CreateInput{
			Type:      domain.AlertDeviation,
			Priority:  domain.PriorityMedium,
			TouristID: upd.TouristID,
			Lat:       &upd.Lat,
			Lng:       &upd.Lng,
			Message:   fmt.Sprintf("deviated %.1f km from planned route", devKm),
		})
		if a != nil {
			created = append(created, a)
		}
	}

	zones, err := e.activeZones(ctx)
	if err != nil {
		e.logger.Error("zone catalog fetch failed, skipping evaluation",
			"tourist_id", upd.TouristID, "error", err)
		return created, fmt.Errorf("list active zones: %w", err)
	}

	res := e.tracker.Evaluate(upd.TouristID, upd.Lat, upd.Lng, zones)
	for _, z := range res.Entered {
		a := e.create(ctx, alert.CreateInput{
			Type:      domain.AlertRiskZone,
			Priority:  z.Risk.Priority(),
			TouristID: upd.TouristID,
			Lat:       &upd.Lat,
			Lng:       &upd.Lng,
			Message:   fmt.Sprintf("entered %s risk zone %q", z.Risk, z.Name),
		})
		if a != nil {
			created = append(created, a)
		}
	}

	// One recompute per fix, folding in every zone entered on this fix.
	newScore := score.Recompute(tourist.SafetyScore, res.Entered, minutesSinceSeen)
	if newScore != tourist.SafetyScore {
		reason := "zone-entry"
		if len(res.Entered) == 0 {
			reason = "inactivity-decay"
		}
		if err := e.tourists.UpdateTouristScore(ctx, upd.TouristID, newScore); err != nil {
			e.logger.Error("score write failed",
				"tourist_id", upd.TouristID, "score", newScore, "error", err)
		} else {
			e.publishScoreChange(ctx, upd.TouristID, tourist.SafetyScore, newScore, reason)
		}
	}

	recordedAt := upd.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}
	if err := e.tourists.UpdateTouristPosition(ctx, upd.TouristID, upd.Lat, upd.Lng, recordedAt); err != nil {
		e.logger.Error("position write failed",
			"tourist_id", upd.TouristID, "error", err)
	}

	created = append(created, e.runRules(ctx, upd, newScore, minutesSinceSeen, len(res.Inside))...)

	return created, nil
}

// runRules evaluates the configurable anomaly rules against the fix and
// raises a SYSTEM alert per fired rule.
func (e *AnomalyEvaluator) runRules(ctx context.Context, upd *domain.LocationUpdate, safetyScore int, minutesSinceSeen float64, zonesInside int) []*domain.Alert {
	if e.engine == nil {
		return nil
	}

	input := &rules.FixInput{
		TouristID:        upd.TouristID,
		Lat:              upd.Lat,
		Lng:              upd.Lng,
		Speed:            deref(upd.Speed),
		Accuracy:         deref(upd.Accuracy),
		Heading:          deref(upd.Heading),
		SafetyScore:      safetyScore,
		MinutesSinceSeen: minutesSinceSeen,
		ZonesInside:      zonesInside,
	}

	fired, err := e.engine.EvaluateAll(ctx, input)
	if err != nil {
		e.logger.Warn("rule evaluation failed", "tourist_id", upd.TouristID, "error", err)
		return nil
	}

	var created []*domain.Alert
	for _, f := range fired {
		msg := f.Rule.Message
		if msg == "" {
			msg = fmt.Sprintf("anomaly rule %s matched", f.Rule.Name)
		}
		priority := f.Rule.Priority
		if priority == "" {
			priority = domain.PriorityLow
		}
		a := e.create(ctx, alert.CreateInput{
			Type:      domain.AlertSystem,
			Priority:  priority,
			TouristID: upd.TouristID,
			Lat:       &upd.Lat,
			Lng:       &upd.Lng,
			Message:   msg,
		})
		if a != nil {
			created = append(created, a)
		}
	}
	return created
}

// activeZones returns the active-zone catalog, served from the snapshot
// cache when one is configured.
func (e *AnomalyEvaluator) activeZones(ctx context.Context) ([]*domain.DangerZone, error) {
	if e.cache != nil {
		if zones, err := e.cache.GetZones(ctx); err == nil && zones != nil {
			return zones, nil
		}
	}

	zones, err := e.catalog.ListActiveZones(ctx)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.SetZones(ctx, zones, e.cfg.ZoneSnapshotTTL); err != nil {
			e.logger.Debug("zone snapshot cache write failed", "error", err)
		}
	}
	return zones, nil
}

func (e *AnomalyEvaluator) create(ctx context.Context, in alert.CreateInput) *domain.Alert {
	a, err := e.lifecycle.Create(ctx, in)
	if err != nil {
		e.logger.Error("alert creation failed",
			"tourist_id", in.TouristID, "type", in.Type, "error", err)
		return nil
	}
	return a
}

func (e *AnomalyEvaluator) publishScoreChange(ctx context.Context, touristID string, previous, current int, reason string) {
	if e.hub == nil {
		return
	}
	ev := &domain.Event{
		Kind: domain.EventScoreChanged,
		Score: &domain.ScoreChangeEvent{
			TouristID: touristID,
			Previous:  previous,
			Current:   current,
			Reason:    reason,
		},
	}
	if err := e.hub.Publish(ctx, domain.TopicTourist(touristID), ev); err != nil {
		e.logger.Warn("score event publish failed", "tourist_id", touristID, "error", err)
	}
}

func (e *AnomalyEvaluator) lockFor(touristID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(touristID))
	return &e.locks[h.Sum32()%lockStripes]
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
