package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

func day(hour, min int) time.Time {
	return time.Date(2026, 3, 14, hour, min, 0, 0, time.Local)
}

func usedToday(now time.Time, seconds int64) *domain.DayUsage {
	return &domain.DayUsage{Date: localDate(now), UsedSeconds: seconds}
}

func TestBudget_TickAccumulatesWhenActive(t *testing.T) {
	now := day(10, 0)
	b := NewBudgetEvaluator(nil, now, zap.NewNop())

	b.Tick(now, true, "")
	b.Tick(now.Add(30*time.Second), true, "minecraft")
	b.Tick(now.Add(60*time.Second), true, "minecraft")

	v := b.Evaluate(now.Add(60*time.Second), 60, 0, 0, nil)
	assert.Equal(t, int64(60), v.UsedSeconds)
	assert.Equal(t, int64(60), b.ProcessSeconds("minecraft"))
}

func TestBudget_IdleTicksNotCredited(t *testing.T) {
	now := day(10, 0)
	b := NewBudgetEvaluator(nil, now, zap.NewNop())

	b.Tick(now, true, "")
	b.Tick(now.Add(30*time.Second), false, "")

	v := b.Evaluate(now.Add(30*time.Second), 60, 0, 0, nil)
	assert.Zero(t, v.UsedSeconds)
}

func TestBudget_SleepGapClampedToOneMinute(t *testing.T) {
	now := day(10, 0)
	b := NewBudgetEvaluator(nil, now, zap.NewNop())

	b.Tick(now, true, "")
	// Laptop slept for three hours; at most 60s may be credited.
	b.Tick(now.Add(3*time.Hour), true, "")

	v := b.Evaluate(now.Add(3*time.Hour), 600, 0, 0, nil)
	assert.Equal(t, int64(60), v.UsedSeconds)
}

func TestBudget_DepletionScenario(t *testing.T) {
	// Daily limit 60 min, grace 0, used 3600s: depleted with 0 remaining.
	now := day(15, 0)
	b := NewBudgetEvaluator(usedToday(now, 3600), now, zap.NewNop())

	v := b.Evaluate(now, 60, 0, 0, nil)

	assert.True(t, v.Depleted)
	assert.Zero(t, v.RemainingSeconds)
}

func TestBudget_GraceExtendsDepletion(t *testing.T) {
	now := day(15, 0)
	b := NewBudgetEvaluator(usedToday(now, 3600), now, zap.NewNop())

	v := b.Evaluate(now, 60, 10, 0, nil)

	assert.False(t, v.Depleted)
	assert.Equal(t, int64(600), v.RemainingSeconds)
}

func TestBudget_ExtraTimeGrantScenario(t *testing.T) {
	// 15 extra minutes on a 60-minute limit with 4200s (70 min) used:
	// effective limit 75 min, so not yet depleted.
	now := day(15, 0)
	b := NewBudgetEvaluator(usedToday(now, 4200), now, zap.NewNop())

	v := b.Evaluate(now, 60, 0, 15, nil)

	assert.False(t, v.Depleted)
	assert.Equal(t, int64(300), v.RemainingSeconds)
}

func TestBudget_WarningsFireOncePerThreshold(t *testing.T) {
	now := day(15, 0)
	b := NewBudgetEvaluator(nil, now, zap.NewNop())

	step := func(used int64) []int {
		b.usage.UsedSeconds = used
		return b.Evaluate(now, 60, 0, 0, []int{5, 1}).Warnings
	}

	assert.Empty(t, step(3200), "360s to limit: above the 5-minute threshold")
	assert.Equal(t, []int{5}, step(3310), "290s to limit: 5-minute warning fires")
	assert.Empty(t, step(3400), "5-minute warning must not fire again")
	assert.Equal(t, []int{1}, step(3550), "50s to limit: 1-minute warning fires")
	assert.Empty(t, step(3590))
	assert.Empty(t, step(3601), "past the limit nothing fires")
}

func TestBudget_CustomThresholds(t *testing.T) {
	now := day(15, 0)
	b := NewBudgetEvaluator(usedToday(now, 3000), now, zap.NewNop())

	// 600s to limit with a 15-minute threshold configured.
	v := b.Evaluate(now, 60, 0, 0, []int{15, 5, 1})
	assert.Equal(t, []int{15}, v.Warnings)
}

func TestBudget_RolloverReplacesWholeDayState(t *testing.T) {
	now := day(23, 59)
	restored := &domain.DayUsage{
		Date:             localDate(now),
		UsedSeconds:      3600,
		WarnedThresholds: map[int]bool{5: true, 1: true},
	}
	b := NewBudgetEvaluator(restored, now, zap.NewNop())

	nextDay := now.Add(2 * time.Minute)
	b.Tick(nextDay, true, "")

	v := b.Evaluate(nextDay, 60, 0, 0, nil)
	assert.Zero(t, v.UsedSeconds, "usage resets on date change")
	assert.False(t, v.Depleted)

	// Warned flags were replaced, not carried: thresholds can fire again.
	b.usage.UsedSeconds = 3310
	v = b.Evaluate(nextDay, 60, 0, 0, []int{5, 1})
	assert.Equal(t, []int{5}, v.Warnings)
}

func TestBudget_StaleRestoredStateDiscarded(t *testing.T) {
	now := day(10, 0)
	stale := &domain.DayUsage{Date: "2026-03-13", UsedSeconds: 9999}
	b := NewBudgetEvaluator(stale, now, zap.NewNop())

	v := b.Evaluate(now, 60, 0, 0, nil)
	assert.Zero(t, v.UsedSeconds)
}

func TestBudget_RecordBlockAggregates(t *testing.T) {
	now := day(10, 0)
	b := NewBudgetEvaluator(nil, now, zap.NewNop())

	b.RecordBlock("steam", domain.BlockReasonDenyList)
	b.RecordBlock("steam", domain.BlockReasonDenyList)
	b.RecordBlock("discord", domain.BlockReasonAllowList)

	u := b.Usage()
	require.NotNil(t, u.BlockedCounts)
	assert.Equal(t, 2, u.BlockedCounts["steam|deny_list"])
	assert.Equal(t, 1, u.BlockedCounts["discord|allow_list"])
}

func TestBudget_UsageReturnsCopy(t *testing.T) {
	now := day(10, 0)
	b := NewBudgetEvaluator(nil, now, zap.NewNop())

	u := b.Usage()
	u.PerProcessSecs["intruder"] = 99

	assert.Zero(t, b.ProcessSeconds("intruder"))
}
