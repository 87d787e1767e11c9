// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// Mode is the restriction level enforced on the device. Modes form a total
// order: a more restrictive mode always has a higher value, which lets the
// resolver merge schedule windows with a plain max.
type Mode int

const (
	ModeOpen Mode = iota
	ModeHomework
	ModeBedtime
	ModeLockdown
)

var modeNames = map[Mode]string{
	ModeOpen:     "open",
	ModeHomework: "homework",
	ModeBedtime:  "bedtime",
	ModeLockdown: "lockdown",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "open"
}

// ParseMode maps a wire-format mode name to a Mode. Unknown names fall back
// to Open so a malformed policy can never lock the device harder than asked.
func ParseMode(s string) Mode {
	for m, name := range modeNames {
		if name == s {
			return m
		}
	}
	return ModeOpen
}

// MaxMode returns the more restrictive of two modes.
func MaxMode(a, b Mode) Mode {
	if b > a {
		return b
	}
	return a
}

// WindowKind names the three recurring daily window categories.
type WindowKind string

const (
	WindowBedtime  WindowKind = "bedtime"
	WindowSchool   WindowKind = "school"
	WindowHomework WindowKind = "homework"
)

// ScheduleWindow is a recurring daily window in local time, "HH:MM" bounds.
// Start >= End means the window crosses midnight.
type ScheduleWindow struct {
	Name  string     `json:"name,omitempty"`
	Kind  WindowKind `json:"kind"`
	Start string     `json:"start"`
	End   string     `json:"end"`
}

// TimeBudget is the daily screen-time allowance section of the surface.
type TimeBudget struct {
	DailyMinutes  int              `json:"dailyMinutes"`
	GraceMinutes  int              `json:"graceMinutes"`
	WarnAtMinutes []int            `json:"warnAtMinutes,omitempty"`
	DayOverrides  map[string]int   `json:"dayOverrides,omitempty"` // weekday name -> minutes
	Windows       []ScheduleWindow `json:"windows,omitempty"`
}

// AppRules govern which processes may run.
type AppRules struct {
	DenyProcesses      []string       `json:"denyProcesses,omitempty"`
	AllowProcesses     []string       `json:"allowProcesses,omitempty"`
	AllowListEnabled   bool           `json:"allowListEnabled,omitempty"`
	PerAppDailyMinutes map[string]int `json:"perAppDailyMinutes,omitempty"` // normalized exe name -> minutes
}

// WebRules govern site access. Applied best-effort by the executor.
type WebRules struct {
	BlockedHosts []string `json:"blockedHosts,omitempty"`
	AllowedHosts []string `json:"allowedHosts,omitempty"`
}

// Geofence is a circular region with a hysteresis margin in meters.
type Geofence struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
	HysteresisM  float64 `json:"hysteresisMeters,omitempty"`
}

// LocationRules is the location section of the surface.
type LocationRules struct {
	ReportingEnabled bool       `json:"reportingEnabled,omitempty"`
	Fences           []Geofence `json:"fences,omitempty"`
}

// PolicySurface is the full structured configuration document owned by the
// control plane. The agent only ever holds read-only copies.
type PolicySurface struct {
	Mode          string        `json:"mode"`
	AlwaysAllowed bool          `json:"alwaysAllowed,omitempty"`
	TimeBudget    TimeBudget    `json:"timeBudget"`
	AppRules      AppRules      `json:"appRules"`
	WebRules      WebRules      `json:"webRules"`
	Location      LocationRules `json:"location"`
}

// PolicyEnvelope is the versioned wrapper the control plane serves.
// PolicyVersion is monotonically non-decreasing from the agent's point of
// view; an incoming version strictly less than the last applied one must be
// discarded, never merged.
type PolicyEnvelope struct {
	PolicyVersion int64          `json:"policyVersion"`
	EffectiveAt   time.Time      `json:"effectiveAt"`
	Policy        *PolicySurface `json:"policy"`
}

// LegacyPolicy is the flattened snapshot derived from the surface for
// backward-compatible consumers. Never the source of truth when a surface
// is present.
type LegacyPolicy struct {
	Mode              string         `json:"mode"`
	DailyLimitMinutes int            `json:"dailyLimitMinutes"`
	Bedtime           ScheduleWindow `json:"bedtime"`
	School            ScheduleWindow `json:"school"`
	Homework          ScheduleWindow `json:"homework"`
}

// CachedPolicy is the last-known-good snapshot persisted by the agent.
type CachedPolicy struct {
	CachedAt      time.Time      `json:"cachedAt"`
	PolicyVersion int64          `json:"policyVersion"`
	EffectiveAt   time.Time      `json:"effectiveAt"`
	Surface       *PolicySurface `json:"surface,omitempty"`
	Legacy        *LegacyPolicy  `json:"legacy,omitempty"`
}

// GrantType enumerates time-boxed exception kinds.
type GrantType string

const (
	GrantExtraTime   GrantType = "extra_time"
	GrantUnblockApp  GrantType = "unblock_app"
	GrantUnblockSite GrantType = "unblock_site"
)

// Grant is a time-boxed exception created by the control plane when an
// access request is approved. "Active" is a computed predicate, never a
// stored flag: a grant simply stops mattering once now >= ExpiresAt.
type Grant struct {
	GrantID         string    `json:"grantId"`
	Type            GrantType `json:"type"`
	Target          string    `json:"target,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	ExtraMinutes    int       `json:"extraMinutes,omitempty"`
	SourceRequestID string    `json:"sourceRequestId,omitempty"`
}

// Active reports whether the grant applies at the given instant.
func (g Grant) Active(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// RequestStatus is the lifecycle state of an access request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestCancelled RequestStatus = "cancelled"
)

// AccessRequest is a child-initiated ask for more time or an unblock.
// The agent chooses RequestID so re-sends are idempotent server-side;
// Status is overwritten by server truth once synced.
type AccessRequest struct {
	RequestID string        `json:"requestId"`
	ChildID   string        `json:"childId"`
	Type      GrantType     `json:"type"`
	Target    string        `json:"target,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    RequestStatus `json:"status"`
	DecidedAt *time.Time    `json:"decidedAt,omitempty"`
}

// ActivityEvent is a locally generated enforcement/diagnostic event queued
// for at-least-once delivery.
type ActivityEvent struct {
	EventID    string            `json:"eventId"`
	Kind       string            `json:"kind"`
	OccurredAt time.Time         `json:"occurredAt"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Event kinds emitted by the core loop. The control plane treats these as
// opaque strings; they are enumerated here so edge-triggered emitters and
// tests agree on spelling.
const (
	EventPolicyApplied       = "policy_applied"
	EventPolicyReplayIgnored = "policy_replay_ignored"
	EventPolicyCacheUsed     = "policy_cache_used"
	EventPolicyCacheLeft     = "policy_cache_left"
	EventBudgetWarning       = "budget_warning"
	EventBudgetDepleted      = "budget_depleted"
	EventBudgetRestored      = "budget_restored"
	EventBedtimeStarted      = "bedtime_started"
	EventBedtimeEnded        = "bedtime_ended"
	EventAppBlocked          = "app_blocked"
	EventSessionLocked       = "session_locked"
	EventGeofenceEntered     = "geofence_entered"
	EventGeofenceExited      = "geofence_exited"
)

// EffectiveState is the per-tick derivation of what to enforce. Never
// persisted; recomputed from policy + grants + wall clock every tick.
type EffectiveState struct {
	ConfiguredMode Mode
	EffectiveMode  Mode
	ReasonCode     string
	ActiveSchedule string
	ActiveGrants   []Grant
}

// Reason codes for EffectiveState.ReasonCode.
const (
	ReasonAlwaysAllowed = "always_allowed"
	ReasonGrant         = "grant"
	ReasonSchedule      = "schedule"
	ReasonConfigured    = "configured"
)

// ProcessInfo identifies a running process for enforcement decisions.
type ProcessInfo struct {
	PID  int
	Name string
}

// EnforcementResult captures what happened during a single enforcement pass.
type EnforcementResult struct {
	KilledPIDs    []int
	BlockedCounts map[BlockKey]int
	Locked        bool
	Errors        []error
	ExecutedAt    time.Time
	DurationMs    int64
}

// BlockKey aggregates terminations by process and reason for reporting.
type BlockKey struct {
	Process string `json:"process"`
	Reason  string `json:"reason"`
}

// Block reasons recorded by the executor.
const (
	BlockReasonDenyList    = "deny_list"
	BlockReasonAppLimit    = "app_limit"
	BlockReasonAllowList   = "allow_list"
	BlockReasonModeDefault = "mode_default"
)

// DayUsage is the per-local-calendar-day usage state. Date rollover replaces
// the whole value so yesterday's warned flags can never leak into today.
type DayUsage struct {
	Date             string           `json:"date"` // local date, YYYY-MM-DD
	UsedSeconds      int64            `json:"usedSeconds"`
	PerProcessSecs   map[string]int64 `json:"perProcessSeconds,omitempty"`
	BlockedCounts    map[string]int   `json:"blockedCounts,omitempty"` // "process|reason" -> count
	WarnedThresholds map[int]bool     `json:"warnedThresholds,omitempty"`
}

// Heartbeat is the device status posted to the control plane each tick.
type Heartbeat struct {
	DeviceID             string    `json:"deviceId"`
	AgentVersion         string    `json:"agentVersion"`
	SentAt               time.Time `json:"sentAt"`
	UptimeSeconds        int64     `json:"uptimeSeconds"`
	PolicyVersion        int64     `json:"policyVersion"`
	PolicyFingerprint    string    `json:"policyFingerprint"`
	EffectiveMode        string    `json:"effectiveMode"`
	UsedSecondsToday     int64     `json:"usedSecondsToday"`
	ActivityQueueDepth   int       `json:"activityQueueDepth"`
	RequestQueueDepth    int       `json:"requestQueueDepth"`
	UsingCachedPolicy    bool      `json:"usingCachedPolicy"`
	LastEnforcementError string    `json:"lastEnforcementError,omitempty"`
}

// Command is a remote instruction pulled from the control plane.
type Command struct {
	CommandID string            `json:"commandId"`
	Name      string            `json:"name"`
	Args      map[string]string `json:"args,omitempty"`
	IssuedAt  time.Time         `json:"issuedAt"`
}

// CommandResult is the agent's acknowledgment verdict.
type CommandResult string

const (
	CommandOK      CommandResult = "ok"
	CommandError   CommandResult = "error"
	CommandIgnored CommandResult = "ignored"
)

// CommandAck is posted back after executing a command.
type CommandAck struct {
	Result CommandResult `json:"result"`
	Detail string        `json:"detail,omitempty"`
}

// LocationFix is a point sample from the location provider.
type LocationFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracyMeters,omitempty"`
	TakenAt   time.Time `json:"takenAt"`
}

// LocalSnapshot is the agent state published for the status command and any
// local UX surface. Diagnostics only, never read back by the core loop.
type LocalSnapshot struct {
	UpdatedAt            time.Time `json:"updatedAt"`
	EffectiveMode        string    `json:"effectiveMode"`
	ReasonCode           string    `json:"reasonCode"`
	ActiveSchedule       string    `json:"activeSchedule,omitempty"`
	PolicyVersion        int64     `json:"policyVersion"`
	UsingCachedPolicy    bool      `json:"usingCachedPolicy"`
	RemainingSeconds     int64     `json:"remainingSeconds"`
	UsedSecondsToday     int64     `json:"usedSecondsToday"`
	ActivityQueueDepth   int       `json:"activityQueueDepth"`
	RequestQueueDepth    int       `json:"requestQueueDepth"`
	RePairRequired       bool      `json:"rePairRequired,omitempty"`
	LastEnforcementError string    `json:"lastEnforcementError,omitempty"`
}
