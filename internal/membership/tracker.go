// Package membership tracks which danger zones each tourist currently
// occupies and detects enter transitions across successive fixes.
//
// The tracker is a derived cache: it is rebuilt lazily from a fresh fix
// plus a zone snapshot, so a restart loses at most one enter/exit edge.
package membership

import (
	"hash/fnv"
	"math"
	"sync"

	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/geo"
)

const shardCount = 16

type shard struct {
	mu     sync.Mutex
	inside map[string]map[string]struct{} // touristID -> set of zoneID
}

// Tracker holds per-tourist occupied-zone sets, sharded by tourist ID so
// unrelated tourists never contend on one lock.
type Tracker struct {
	shards [shardCount]*shard
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{inside: make(map[string]map[string]struct{})}
	}
	return t
}

// Result is the outcome of one membership evaluation.
type Result struct {
	// Entered holds the zones newly entered since the previous fix.
	// Edge-triggered: a tourist sitting inside a zone does not re-enter
	// it on every update.
	Entered []*domain.DangerZone

	// Inside holds every zone the fix lies within.
	Inside []*domain.DangerZone
}

// Evaluate computes the zones the fix lies within, diffs against the
// previous state and stores the new state.
//
// A NaN coordinate clears the tourist's entry and returns an empty result:
// with no known position, membership is undefined rather than "outside
// everything". An empty result set removes the tourist's entry entirely so
// tourists who leave all zones do not leak memory.
func (t *Tracker) Evaluate(touristID string, lat, lng float64, activeZones []*domain.DangerZone) Result {
	s := t.shardFor(touristID)

	if math.IsNaN(lat) || math.IsNaN(lng) {
		s.mu.Lock()
		delete(s.inside, touristID)
		s.mu.Unlock()
		return Result{}
	}

	var res Result
	current := make(map[string]struct{})
	for _, z := range activeZones {
		if !z.Active {
			continue
		}
		if geo.WithinRadius(lat, lng, z.CenterLat, z.CenterLng, z.RadiusMeters) {
			current[z.ID] = struct{}{}
			res.Inside = append(res.Inside, z)
		}
	}

	s.mu.Lock()
	previous := s.inside[touristID]
	for _, z := range res.Inside {
		if _, was := previous[z.ID]; !was {
			res.Entered = append(res.Entered, z)
		}
	}
	if len(current) == 0 {
		delete(s.inside, touristID)
	} else {
		s.inside[touristID] = current
	}
	s.mu.Unlock()

	return res
}

// CurrentZones returns the zone IDs the tourist was last seen inside.
func (t *Tracker) CurrentZones(touristID string) []string {
	s := t.shardFor(touristID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.inside[touristID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops the tourist's membership state.
func (t *Tracker) Forget(touristID string) {
	s := t.shardFor(touristID)
	s.mu.Lock()
	delete(s.inside, touristID)
	s.mu.Unlock()
}

// TrackedCount returns how many tourists currently have membership state.
func (t *Tracker) TrackedCount() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.inside)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) shardFor(touristID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(touristID))
	return t.shards[h.Sum32()%shardCount]
}
