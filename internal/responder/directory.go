// Package responder provides nearest-responder proximity search.
package responder

import (
	"context"
	"fmt"

	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/geo"
)

// Store is the slice of the repository the directory needs.
type Store interface {
	ListResponders(ctx context.Context) ([]*domain.Responder, error)
}

// Directory resolves the nearest available responder to a point by
// scanning the responder table and ranking by great-circle distance.
// Implements domain.ResponderDirectory.
type Directory struct {
	store Store
}

// NewDirectory creates a responder directory backed by the store.
func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// FindNearest returns the closest available responder within
// maxDistanceMeters. ok is false when nothing is in range.
func (d *Directory) FindNearest(ctx context.Context, lat, lng, maxDistanceMeters float64) (string, bool, error) {
	if maxDistanceMeters <= 0 {
		return "", false, fmt.Errorf("%w: maxDistanceMeters must be positive", domain.ErrInvalidInput)
	}

	responders, err := d.store.ListResponders(ctx)
	if err != nil {
		return "", false, fmt.Errorf("%w: listing responders: %v", domain.ErrUnavailable, err)
	}

	bestID := ""
	bestDist := maxDistanceMeters
	for _, r := range responders {
		if !r.Available {
			continue
		}
		dist := geo.HaversineMeters(lat, lng, r.Lat, r.Lng)
		if dist <= bestDist {
			bestID = r.ID
			bestDist = dist
		}
	}

	if bestID == "" {
		return "", false, nil
	}
	return bestID, true, nil
}
