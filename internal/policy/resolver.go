package policy

import (
	"time"

	"github.com/hearthguard/hearthd/internal/domain"
)

// ResolveInput carries everything the resolver needs. The resolver itself is
// a pure function of this value: identical inputs always produce identical
// output, and nothing here is mutated.
type ResolveInput struct {
	ConfiguredMode domain.Mode
	AlwaysAllowed  bool
	GrantUntil     time.Time
	Bedtime        domain.ScheduleWindow
	School         domain.ScheduleWindow
	Homework       domain.ScheduleWindow
	Grants         []domain.Grant
	Now            time.Time
}

// Resolve merges the configured mode, grants and schedule windows into one
// enforceable mode. Precedence, highest first:
//
//  1. alwaysAllowed forces Open.
//  2. an unexpired grant-until forces Open.
//  3. otherwise the resolved mode is max(configured, active window modes);
//     windows can only increase restrictiveness.
//
// Windows are evaluated in the fixed order bedtime, school, homework. When
// two simultaneously active windows land on the same restriction level the
// one evaluated last names the active schedule.
func Resolve(in ResolveInput) domain.EffectiveState {
	state := domain.EffectiveState{
		ConfiguredMode: in.ConfiguredMode,
		EffectiveMode:  in.ConfiguredMode,
		ReasonCode:     domain.ReasonConfigured,
		ActiveGrants:   activeGrants(in.Grants, in.Now),
	}

	if in.AlwaysAllowed {
		state.EffectiveMode = domain.ModeOpen
		state.ReasonCode = domain.ReasonAlwaysAllowed
		return state
	}

	if in.Now.Before(in.GrantUntil) {
		state.EffectiveMode = domain.ModeOpen
		state.ReasonCode = domain.ReasonGrant
		return state
	}

	windows := []domain.ScheduleWindow{in.Bedtime, in.School, in.Homework}
	for _, w := range windows {
		if !WindowActive(w, in.Now) {
			continue
		}

		wm := windowMode(w.Kind)
		switch {
		case wm > state.EffectiveMode:
			state.EffectiveMode = wm
			state.ReasonCode = domain.ReasonSchedule
			state.ActiveSchedule = windowLabel(w)
		case wm == state.EffectiveMode && state.EffectiveMode > in.ConfiguredMode:
			// Tie at an already-raised level: last window wins the name.
			state.ActiveSchedule = windowLabel(w)
		}
	}

	return state
}

func windowLabel(w domain.ScheduleWindow) string {
	if w.Name != "" {
		return w.Name
	}
	return string(w.Kind)
}

func activeGrants(grants []domain.Grant, now time.Time) []domain.Grant {
	var active []domain.Grant
	for _, g := range grants {
		if g.Active(now) {
			active = append(active, g)
		}
	}
	return active
}

// GrantUntil derives the open-until instant from active full-open grants:
// an ExtraTime grant keeps the device open until it expires. App/site
// unblocks are scoped to their target and handled by the executor instead.
func GrantUntil(grants []domain.Grant, now time.Time) time.Time {
	var until time.Time
	for _, g := range grants {
		if g.Type != domain.GrantExtraTime || !g.Active(now) {
			continue
		}
		if g.ExpiresAt.After(until) {
			until = g.ExpiresAt
		}
	}
	return until
}
