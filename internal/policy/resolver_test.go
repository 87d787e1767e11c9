package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hearthguard/hearthd/internal/domain"
)

func baseInput(now time.Time) ResolveInput {
	return ResolveInput{
		ConfiguredMode: domain.ModeOpen,
		Bedtime:        domain.ScheduleWindow{Kind: domain.WindowBedtime, Start: "22:00", End: "07:00"},
		School:         domain.ScheduleWindow{Kind: domain.WindowSchool, Start: "08:30", End: "15:00"},
		Homework:       domain.ScheduleWindow{Kind: domain.WindowHomework, Start: "16:00", End: "18:00"},
		Now:            now,
	}
}

func TestResolve_AlwaysAllowedWinsOverEverything(t *testing.T) {
	in := baseInput(at(23, 30)) // inside bedtime
	in.ConfiguredMode = domain.ModeLockdown
	in.AlwaysAllowed = true

	state := Resolve(in)

	assert.Equal(t, domain.ModeOpen, state.EffectiveMode)
	assert.Equal(t, domain.ReasonAlwaysAllowed, state.ReasonCode)
}

func TestResolve_UnexpiredGrantForcesOpen(t *testing.T) {
	now := at(23, 30)
	in := baseInput(now)
	in.ConfiguredMode = domain.ModeBedtime
	in.GrantUntil = now.Add(10 * time.Minute)

	state := Resolve(in)

	assert.Equal(t, domain.ModeOpen, state.EffectiveMode)
	assert.Equal(t, domain.ReasonGrant, state.ReasonCode)
}

func TestResolve_ExpiredGrantDoesNothing(t *testing.T) {
	now := at(23, 30)
	in := baseInput(now)
	in.GrantUntil = now.Add(-time.Second)

	state := Resolve(in)

	assert.Equal(t, domain.ModeBedtime, state.EffectiveMode)
	assert.Equal(t, domain.ReasonSchedule, state.ReasonCode)
}

func TestResolve_ScheduleOnlyIncreasesRestriction(t *testing.T) {
	// Configured Lockdown during a homework window: the window cannot lower it.
	in := baseInput(at(16, 30))
	in.ConfiguredMode = domain.ModeLockdown

	state := Resolve(in)

	assert.Equal(t, domain.ModeLockdown, state.EffectiveMode)
	assert.Equal(t, domain.ReasonConfigured, state.ReasonCode)
	assert.Empty(t, state.ActiveSchedule)
}

func TestResolve_ScheduleNeverBelowConfigured(t *testing.T) {
	for _, configured := range []domain.Mode{domain.ModeOpen, domain.ModeHomework, domain.ModeBedtime, domain.ModeLockdown} {
		for _, hour := range []int{0, 6, 9, 12, 17, 23} {
			in := baseInput(at(hour, 0))
			in.ConfiguredMode = configured
			state := Resolve(in)
			assert.GreaterOrEqual(t, int(state.EffectiveMode), int(configured),
				"configured=%v hour=%d", configured, hour)
		}
	}
}

func TestResolve_BedtimeWindowRaisesToBedtime(t *testing.T) {
	state := Resolve(baseInput(at(23, 0)))

	assert.Equal(t, domain.ModeBedtime, state.EffectiveMode)
	assert.Equal(t, domain.ReasonSchedule, state.ReasonCode)
	assert.Equal(t, "bedtime", state.ActiveSchedule)
}

func TestResolve_SchoolMapsToHomeworkLevel(t *testing.T) {
	state := Resolve(baseInput(at(9, 0)))

	assert.Equal(t, domain.ModeHomework, state.EffectiveMode)
	assert.Equal(t, "school", state.ActiveSchedule)
}

func TestResolve_SimultaneousTieLastWindowWins(t *testing.T) {
	// Overlapping school and homework windows sit at the same restriction
	// level; homework is evaluated last and takes the name.
	in := baseInput(at(14, 30))
	in.Homework = domain.ScheduleWindow{Name: "homework", Kind: domain.WindowHomework, Start: "14:00", End: "18:00"}

	state := Resolve(in)

	assert.Equal(t, domain.ModeHomework, state.EffectiveMode)
	assert.Equal(t, "homework", state.ActiveSchedule)
}

func TestResolve_Deterministic(t *testing.T) {
	in := baseInput(at(23, 30))
	in.Grants = []domain.Grant{
		{GrantID: "g1", Type: domain.GrantUnblockApp, Target: "minecraft", ExpiresAt: in.Now.Add(time.Hour)},
	}

	first := Resolve(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Resolve(in))
	}
}

func TestResolve_ActiveGrantsFiltered(t *testing.T) {
	now := at(12, 0)
	in := baseInput(now)
	in.Grants = []domain.Grant{
		{GrantID: "live", Type: domain.GrantUnblockApp, ExpiresAt: now.Add(time.Minute)},
		{GrantID: "dead", Type: domain.GrantUnblockApp, ExpiresAt: now.Add(-time.Minute)},
	}

	state := Resolve(in)

	if assert.Len(t, state.ActiveGrants, 1) {
		assert.Equal(t, "live", state.ActiveGrants[0].GrantID)
	}
}

func TestGrantUntil_LatestExtraTimeGrant(t *testing.T) {
	now := at(12, 0)
	grants := []domain.Grant{
		{Type: domain.GrantExtraTime, ExpiresAt: now.Add(10 * time.Minute)},
		{Type: domain.GrantExtraTime, ExpiresAt: now.Add(25 * time.Minute)},
		{Type: domain.GrantUnblockApp, ExpiresAt: now.Add(2 * time.Hour)}, // scoped, ignored
		{Type: domain.GrantExtraTime, ExpiresAt: now.Add(-time.Minute)},  // expired
	}

	assert.Equal(t, now.Add(25*time.Minute), GrantUntil(grants, now))
}
