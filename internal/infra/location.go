package infra

import (
	"context"
	"time"

	"github.com/hearthguard/hearthd/internal/domain"
)

// fixMaxAge discards stale position samples: an hour-old fix says nothing
// about where the device is now.
const fixMaxAge = 15 * time.Minute

// FileLocationProvider reads the most recent position fix dropped into the
// state store by a platform location helper. Devices without a helper
// simply never have a fix, and location reporting stays silent.
type FileLocationProvider struct {
	store domain.StateStore
}

// NewFileLocationProvider creates the default location provider.
func NewFileLocationProvider(store domain.StateStore) domain.LocationProvider {
	return &FileLocationProvider{store: store}
}

// Current returns the last written fix when it is fresh enough.
func (p *FileLocationProvider) Current(ctx context.Context) (domain.LocationFix, bool) {
	var fix domain.LocationFix
	ok, err := p.store.Load("location_fix", &fix)
	if err != nil || !ok {
		return domain.LocationFix{}, false
	}
	if time.Since(fix.TakenAt) > fixMaxAge {
		return domain.LocationFix{}, false
	}
	return fix, true
}

var _ domain.LocationProvider = (*FileLocationProvider)(nil)
