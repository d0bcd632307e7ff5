// Package scheduler runs the periodic sweeps: score recomputation over
// all active tourists and expiry of stale danger zones. The sweeps run on
// their own goroutines, independent of the per-update evaluation path.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/geo"
	"github.com/opensafety/kestrel/internal/score"
)

// ZoneExpirer deactivates zones whose expiry timestamp has passed and
// returns their IDs.
type ZoneExpirer interface {
	DeactivateExpiredZones(ctx context.Context, now time.Time) ([]string, error)
}

// Scheduler owns the two periodic sweeps. If a sweep overruns its own
// interval the next tick is skipped, never queued; the two sweep types
// never block each other.
type Scheduler struct {
	tourists domain.TouristStore
	catalog  domain.ZoneCatalog
	expirer  ZoneExpirer
	cache    domain.Cache
	hub      domain.EventFanout
	cfg      domain.MonitorConfig
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a Scheduler. cache and expirer may be nil; without an
// expirer the zone-expiry sweep is not started.
func New(
	tourists domain.TouristStore,
	catalog domain.ZoneCatalog,
	expirer ZoneExpirer,
	cache domain.Cache,
	hub domain.EventFanout,
	cfg domain.MonitorConfig,
) *Scheduler {
	return &Scheduler{
		tourists: tourists,
		catalog:  catalog,
		expirer:  expirer,
		cache:    cache,
		hub:      hub,
		cfg:      cfg,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
}

// Start launches the sweep goroutines. They stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop(ctx, s.cfg.ScoreSweepInterval, "score", s.SweepScores)

	if s.expirer != nil {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.ZoneSweepInterval, "zone-expiry", s.SweepExpiredZones)
	}

	s.logger.Info("sweeps started",
		"score_interval", s.cfg.ScoreSweepInterval,
		"zone_interval", s.cfg.ZoneSweepInterval,
	)
}

// Stop cancels the sweep goroutines and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				s.logger.Error("sweep failed, retrying at next tick", "sweep", name, "error", err)
			}
			// A sweep that outlives its interval leaves a tick buffered
			// in the channel. Drop it so the next sweep waits for a
			// fresh tick instead of starting back-to-back.
			select {
			case <-ticker.C:
				s.logger.Warn("sweep overran its interval, skipping tick", "sweep", name)
			default:
			}
		}
	}
}

// SweepScores re-derives every active tourist's score against the full
// zone catalog. One tourist list and one catalog fetch per sweep. A single
// tourist's failure is logged and skipped; a sweep-level failure skips to
// the next tick.
func (s *Scheduler) SweepScores(ctx context.Context) error {
	start := s.now()

	tourists, err := s.tourists.ListActiveTourists(ctx)
	if err != nil {
		return fmt.Errorf("list active tourists: %w", err)
	}
	zones, err := s.catalog.ListActiveZones(ctx)
	if err != nil {
		return fmt.Errorf("list active zones: %w", err)
	}

	changed := 0
	for _, t := range tourists {
		if !t.HasPosition() {
			continue
		}

		// Full occupancy, not the enter edge: the sweep re-applies the
		// penalty for every zone the tourist currently sits in, so decay
		// and exposure are caught even with no movement.
		occupied := occupiedZones(*t.CurrentLat, *t.CurrentLng, zones)

		minutesSinceSeen := 0.0
		if t.LastSeenAt != nil {
			minutesSinceSeen = start.Sub(*t.LastSeenAt).Minutes()
		}

		newScore := score.Recompute(t.SafetyScore, occupied, minutesSinceSeen)
		if newScore == t.SafetyScore {
			continue
		}

		if err := s.tourists.UpdateTouristScore(ctx, t.ID, newScore); err != nil {
			s.logger.Error("sweep score write failed, skipping tourist",
				"tourist_id", t.ID, "error", err)
			continue
		}
		s.publishScoreChange(ctx, t.ID, t.SafetyScore, newScore)
		changed++
	}

	s.logger.Debug("score sweep complete",
		"tourists", len(tourists),
		"changed", changed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// SweepExpiredZones deactivates zones past their expiry timestamp and
// publishes a summary to the admin topic.
func (s *Scheduler) SweepExpiredZones(ctx context.Context) error {
	now := s.now()

	expired, err := s.expirer.DeactivateExpiredZones(ctx, now)
	if err != nil {
		return fmt.Errorf("deactivate expired zones: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	// The cached catalog snapshot now lists dead zones; drop it.
	if s.cache != nil {
		if err := s.cache.Delete(ctx, domain.ZoneSnapshotKey); err != nil {
			s.logger.Debug("zone snapshot invalidation failed", "error", err)
		}
	}

	s.logger.Info("expired zones deactivated", "count", len(expired))

	if s.hub != nil {
		ev := &domain.Event{
			Kind:  domain.EventZonesExpired,
			Zones: &domain.ZoneExpiryEvent{ExpiredZoneIDs: expired},
		}
		if err := s.hub.Publish(ctx, domain.TopicAdmin, ev); err != nil {
			s.logger.Warn("zone expiry event publish failed", "error", err)
		}
	}
	return nil
}

func (s *Scheduler) publishScoreChange(ctx context.Context, touristID string, previous, current int) {
	if s.hub == nil {
		return
	}
	ev := &domain.Event{
		Kind: domain.EventScoreChanged,
		Score: &domain.ScoreChangeEvent{
			TouristID: touristID,
			Previous:  previous,
			Current:   current,
			Reason:    "sweep",
		},
	}
	if err := s.hub.Publish(ctx, domain.TopicTourist(touristID), ev); err != nil {
		s.logger.Warn("score event publish failed", "tourist_id", touristID, "error", err)
	}
}

func occupiedZones(lat, lng float64, zones []*domain.DangerZone) []*domain.DangerZone {
	var occupied []*domain.DangerZone
	for _, z := range zones {
		if !z.Active {
			continue
		}
		if geo.WithinRadius(lat, lng, z.CenterLat, z.CenterLng, z.RadiusMeters) {
			occupied = append(occupied, z)
		}
	}
	return occupied
}
