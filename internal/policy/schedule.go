// Package policy holds the pure policy logic: the surface-to-legacy
// projection, the change fingerprint, schedule window evaluation and the
// effective-mode resolver. Nothing here talks to the network or the disk.
package policy

import (
	"strconv"
	"strings"
	"time"

	"github.com/hearthguard/hearthd/internal/domain"
)

// parseClock converts "HH:MM" to minutes past midnight. Malformed values
// return -1 so the window is treated as unset.
func parseClock(s string) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return -1
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return -1
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

// WindowActive reports whether the window covers the given local instant.
// A window with start >= end crosses midnight: active when now >= start or
// now < end, which makes equal bounds a full-day window. Empty or malformed
// bounds never match.
func WindowActive(w domain.ScheduleWindow, now time.Time) bool {
	start := parseClock(w.Start)
	end := parseClock(w.End)
	if start < 0 || end < 0 {
		return false
	}

	cur := now.Hour()*60 + now.Minute()
	if start < end {
		return start <= cur && cur < end
	}
	return cur >= start || cur < end
}

// windowMode maps a window kind to the restriction level it imposes.
// School maps to the Homework level: the v1 taxonomy only distinguishes
// bedtime from everything-else restriction.
func windowMode(kind domain.WindowKind) domain.Mode {
	if kind == domain.WindowBedtime {
		return domain.ModeBedtime
	}
	return domain.ModeHomework
}
