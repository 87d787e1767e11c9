package usecase

import (
	"math"

	"github.com/hearthguard/hearthd/internal/domain"
)

// defaultHysteresisMeters keeps a fix that jitters around the fence boundary
// from producing enter/exit chatter when the policy does not set a margin.
const defaultHysteresisMeters = 50.0

const earthRadiusMeters = 6371000.0

// GeofenceTransition records one inside/outside edge.
type GeofenceTransition struct {
	Fence   string
	Entered bool
}

// GeofenceTracker detects inside/outside transitions with hysteresis:
// a fence is entered when the fix is within its radius and left only once
// the fix is beyond radius plus the hysteresis margin.
type GeofenceTracker struct {
	inside map[string]bool
}

// NewGeofenceTracker starts with no known positions; the first fix inside a
// fence produces an enter transition.
func NewGeofenceTracker() *GeofenceTracker {
	return &GeofenceTracker{inside: make(map[string]bool)}
}

// Update evaluates the fix against every fence and returns the transitions
// that occurred. Fences absent from the policy are forgotten.
func (t *GeofenceTracker) Update(fences []domain.Geofence, fix domain.LocationFix) []GeofenceTransition {
	var transitions []GeofenceTransition
	seen := make(map[string]bool, len(fences))

	for _, f := range fences {
		seen[f.Name] = true
		d := haversineMeters(fix.Latitude, fix.Longitude, f.Latitude, f.Longitude)

		margin := f.HysteresisM
		if margin <= 0 {
			margin = defaultHysteresisMeters
		}

		wasInside := t.inside[f.Name]
		nowInside := wasInside
		if wasInside {
			if d > f.RadiusMeters+margin {
				nowInside = false
			}
		} else if d <= f.RadiusMeters {
			nowInside = true
		}

		if nowInside != wasInside {
			t.inside[f.Name] = nowInside
			transitions = append(transitions, GeofenceTransition{Fence: f.Name, Entered: nowInside})
		}
	}

	for name := range t.inside {
		if !seen[name] {
			delete(t.inside, name)
		}
	}

	return transitions
}

// Inside reports the tracker's current belief for a fence.
func (t *GeofenceTracker) Inside(name string) bool {
	return t.inside[name]
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
