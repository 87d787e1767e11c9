package usecase

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

// maxTickCredit caps the per-tick usage delta so a sleep/resume gap can
// never credit hours of "usage" in one step.
const maxTickCredit = 60 * time.Second

// defaultWarnThresholds fires a warning at 5 and then 1 minutes remaining.
var defaultWarnThresholds = []int{5, 1}

// BudgetVerdict is the evaluator's per-tick output.
type BudgetVerdict struct {
	UsedSeconds      int64
	RemainingSeconds int64 // against limit + grace + extra-time grants
	Depleted         bool
	Warnings         []int // thresholds (minutes) that fired this tick
}

// BudgetEvaluator converts "is the user actively present" samples into a
// per-day active-seconds counter and decides depletion and warnings. It is
// owned by the orchestrator and mutated only from the tick, so it carries
// no lock of its own.
type BudgetEvaluator struct {
	logger   *zap.Logger
	usage    domain.DayUsage
	lastTick time.Time
}

// NewBudgetEvaluator seeds the evaluator, restoring persisted usage when it
// belongs to today. Stale state is discarded wholesale so yesterday's
// warned flags cannot survive the rollover.
func NewBudgetEvaluator(restored *domain.DayUsage, now time.Time, logger *zap.Logger) *BudgetEvaluator {
	b := &BudgetEvaluator{logger: logger}
	today := localDate(now)
	if restored != nil && restored.Date == today {
		b.usage = *restored
		ensureUsageMaps(&b.usage)
	} else {
		b.usage = freshUsage(today)
	}
	return b
}

// Tick advances the usage counters. delta = clamp(now-lastTick, 0, 60s) is
// credited only when the session is active; the foreground process (when
// known) is credited the same delta for per-app limits.
func (b *BudgetEvaluator) Tick(now time.Time, sessionActive bool, foreground string) {
	b.rollover(now)

	if b.lastTick.IsZero() {
		b.lastTick = now
		return
	}

	delta := now.Sub(b.lastTick)
	b.lastTick = now
	if delta < 0 {
		delta = 0
	}
	if delta > maxTickCredit {
		delta = maxTickCredit
	}

	if !sessionActive {
		return
	}

	secs := int64(delta / time.Second)
	b.usage.UsedSeconds += secs
	if foreground != "" {
		b.usage.PerProcessSecs[foreground] += secs
	}
}

// Evaluate computes depletion and edge-triggered warnings.
//
//   - remaining = max(0, (limit+grace+extra)*60 - used); depleted when 0.
//   - each warn threshold fires at most once per local day, the first tick
//     remaining-to-limit (computed without grace) falls into (0, t*60].
func (b *BudgetEvaluator) Evaluate(now time.Time, limitMinutes, graceMinutes, extraMinutes int, warnAt []int) BudgetVerdict {
	b.rollover(now)

	limit := int64(limitMinutes+extraMinutes) * 60
	withGrace := limit + int64(graceMinutes)*60

	remaining := withGrace - b.usage.UsedSeconds
	if remaining < 0 {
		remaining = 0
	}

	verdict := BudgetVerdict{
		UsedSeconds:      b.usage.UsedSeconds,
		RemainingSeconds: remaining,
		Depleted:         remaining == 0,
	}

	if len(warnAt) == 0 {
		warnAt = defaultWarnThresholds
	}
	toLimit := limit - b.usage.UsedSeconds
	for _, t := range warnAt {
		if t <= 0 || b.usage.WarnedThresholds[t] {
			continue
		}
		if toLimit > 0 && toLimit <= int64(t)*60 {
			b.usage.WarnedThresholds[t] = true
			verdict.Warnings = append(verdict.Warnings, t)
		}
	}

	return verdict
}

// RecordBlock counts one termination for aggregate reporting.
func (b *BudgetEvaluator) RecordBlock(process, reason string) {
	b.usage.BlockedCounts[process+"|"+reason]++
}

// ProcessSeconds returns today's tracked seconds for a normalized exe name.
func (b *BudgetEvaluator) ProcessSeconds(name string) int64 {
	return b.usage.PerProcessSecs[name]
}

// Usage returns a copy of the current day state for persistence.
func (b *BudgetEvaluator) Usage() domain.DayUsage {
	u := b.usage
	u.PerProcessSecs = copyMap(b.usage.PerProcessSecs)
	u.BlockedCounts = copyMap(b.usage.BlockedCounts)
	u.WarnedThresholds = copyMap(b.usage.WarnedThresholds)
	return u
}

// rollover replaces the whole day state when the local date changes.
func (b *BudgetEvaluator) rollover(now time.Time) {
	today := localDate(now)
	if b.usage.Date == today {
		return
	}
	b.logger.Info("usage day rollover",
		zap.String("from", b.usage.Date),
		zap.String("to", today))
	b.usage = freshUsage(today)
}

func freshUsage(date string) domain.DayUsage {
	u := domain.DayUsage{Date: date}
	ensureUsageMaps(&u)
	return u
}

func ensureUsageMaps(u *domain.DayUsage) {
	if u.PerProcessSecs == nil {
		u.PerProcessSecs = make(map[string]int64)
	}
	if u.BlockedCounts == nil {
		u.BlockedCounts = make(map[string]int)
	}
	if u.WarnedThresholds == nil {
		u.WarnedThresholds = make(map[int]bool)
	}
}

func localDate(now time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
