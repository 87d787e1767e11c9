// Package daemon implements the agent's synchronization loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
	"github.com/hearthguard/hearthd/internal/policy"
	"github.com/hearthguard/hearthd/internal/usecase"
)

// Config holds the orchestrator's fixed parameters.
type Config struct {
	DeviceID      string
	ChildID       string
	AgentVersion  string
	TickInterval  time.Duration
	IdleThreshold time.Duration
}

// TokenAttacher lets the orchestrator install the device token on the
// transport before each tick's authenticated calls.
type TokenAttacher interface {
	SetToken(token string)
}

// tickState is the loop-local mutable state threaded through ticks. It is
// owned by the orchestrator instance and touched only from the tick, so it
// needs no lock.
type tickState struct {
	lastAppliedVersion int64
	lastFingerprint    string
	grants             []domain.Grant
	usingCache         bool
	prevDepleted       bool
	prevBedtime        bool
	rePairRequired     bool
	warnedOnce         map[string]bool // log-once per failure class
}

// Orchestrator runs the periodic sync loop: acquire policy with fallback and
// replay protection, evaluate budget and schedule, resolve the effective
// mode, enforce it, and exchange events/heartbeats/commands with the
// control plane. One tick fully completes before the next begins; every
// stage is wrapped so a failure logs and defers to the next tick instead of
// taking the process down.
type Orchestrator struct {
	cfg       Config
	cloud     domain.ControlPlane
	attacher  TokenAttacher
	tokens    domain.TokenStore
	store     domain.StateStore
	session   domain.SessionController
	processes domain.ProcessManager
	location  domain.LocationProvider

	activity  *usecase.ActivityOutbox
	requests  *usecase.RequestOutbox
	budget    *usecase.BudgetEvaluator
	enforcer  *usecase.Enforcer
	geofences *usecase.GeofenceTracker

	logger    *zap.Logger
	startedAt time.Time
	state     tickState
}

// New wires an orchestrator.
func New(
	cfg Config,
	cloud domain.ControlPlane,
	attacher TokenAttacher,
	tokens domain.TokenStore,
	store domain.StateStore,
	session domain.SessionController,
	processes domain.ProcessManager,
	location domain.LocationProvider,
	activity *usecase.ActivityOutbox,
	requests *usecase.RequestOutbox,
	budget *usecase.BudgetEvaluator,
	enforcer *usecase.Enforcer,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		cloud:     cloud,
		attacher:  attacher,
		tokens:    tokens,
		store:     store,
		session:   session,
		processes: processes,
		location:  location,
		activity:  activity,
		requests:  requests,
		budget:    budget,
		enforcer:  enforcer,
		geofences: usecase.NewGeofenceTracker(),
		logger:    logger,
		startedAt: time.Now(),
		state:     tickState{warnedOnce: make(map[string]bool)},
	}
}

// Run executes ticks until the context is cancelled. Cancellation aborts
// the sleep between ticks; an in-flight tick always finishes naturally so
// OS-level side effects are never left half-applied.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("sync loop started",
		zap.Duration("interval", o.cfg.TickInterval),
		zap.String("device_id", o.cfg.DeviceID))

	o.Tick(ctx)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync loop stopping")
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one full cycle. It never panics out: the tick is the single
// recovery boundary for everything underneath it.
func (o *Orchestrator) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tick panic recovered", zap.Any("panic", r))
		}
	}()

	now := time.Now()

	authed := o.attachAuth()

	if authed {
		o.flushOutboxes(ctx)
	}

	surface, legacy, version := o.acquirePolicy(ctx, authed, now)
	if legacy == nil {
		// No policy from any source, ever: nothing to enforce yet.
		o.logOnce("no_policy", "no policy available from live, legacy or cache")
		o.publishSnapshot(now, domain.EffectiveState{}, usecase.BudgetVerdict{})
		return
	}
	o.clearOnce("no_policy")

	o.detectPolicyChange(legacy, version)

	verdict, bedtimeActive := o.evaluateBudget(surface, legacy, now)

	state := o.resolveMode(surface, legacy, verdict, now)

	o.enforce(state, surface, verdict, bedtimeActive)

	o.reportLocation(ctx, surface, authed)

	o.publishSnapshot(now, state, verdict)

	if authed {
		o.postHeartbeat(ctx, state, verdict, version)
		o.pollCommands(ctx)
	}
}

// attachAuth loads the device token. An unpaired device skips authenticated
// calls and logs once; local enforcement continues regardless.
func (o *Orchestrator) attachAuth() bool {
	token, err := o.tokens.GetToken()
	if err != nil {
		o.logOnce("token_read", "device token unreadable: "+err.Error())
		return false
	}
	if token == "" {
		o.logOnce("unpaired", "device not paired; skipping control plane calls")
		return false
	}

	o.clearOnce("token_read")
	o.clearOnce("unpaired")
	o.attacher.SetToken(token)
	return true
}

func (o *Orchestrator) flushOutboxes(ctx context.Context) {
	o.activity.FlushAndSync(ctx, o.cloud)
	o.requests.FlushAndSync(ctx, o.cloud)
	o.requests.SyncStatuses(ctx, o.cloud)
}

// acquirePolicy obtains this tick's policy: live envelope first, then the
// legacy profile, then the persisted cache. The replay guard discards any
// live envelope whose version is strictly below the last applied one. A
// usable live or legacy result is written through to the cache; entering or
// leaving cache-only operation is an edge-triggered event.
func (o *Orchestrator) acquirePolicy(ctx context.Context, authed bool, now time.Time) (*domain.PolicySurface, *domain.LegacyPolicy, int64) {
	var (
		surface *domain.PolicySurface
		legacy  *domain.LegacyPolicy
		version = o.state.lastAppliedVersion
	)

	if authed {
		if env, err := o.cloud.FetchPolicy(ctx); err != nil {
			o.logger.Debug("live policy fetch failed", zap.Error(err))
		} else if env != nil && env.Policy != nil {
			if env.PolicyVersion < o.state.lastAppliedVersion {
				o.logger.Warn("stale policy version discarded",
					zap.Int64("incoming", env.PolicyVersion),
					zap.Int64("applied", o.state.lastAppliedVersion))
				o.activity.Emit(domain.ActivityEvent{
					Kind: domain.EventPolicyReplayIgnored,
					Detail: map[string]string{
						"incoming_version": strconv.FormatInt(env.PolicyVersion, 10),
						"applied_version":  strconv.FormatInt(o.state.lastAppliedVersion, 10),
					},
				})
			} else {
				surface = env.Policy
				legacy = policy.ToLegacy(surface)
				version = env.PolicyVersion
				o.writeCache(domain.CachedPolicy{
					CachedAt:      now,
					PolicyVersion: version,
					EffectiveAt:   env.EffectiveAt,
					Surface:       surface,
					Legacy:        legacy,
				})
			}
		}

		if legacy == nil {
			if prof, err := o.cloud.FetchProfile(ctx); err != nil {
				o.logger.Debug("legacy profile fetch failed", zap.Error(err))
			} else if prof != nil {
				legacy = prof
				o.writeCache(domain.CachedPolicy{
					CachedAt:      now,
					PolicyVersion: version,
					Legacy:        legacy,
				})
			}
		}

		o.refreshGrants(ctx)
	}

	if legacy == nil {
		// Both live and legacy unusable this tick: last known good.
		var cached domain.CachedPolicy
		if ok, err := o.store.Load("policy_cache", &cached); err != nil {
			o.logger.Warn("policy cache unreadable", zap.Error(err))
		} else if ok {
			surface = cached.Surface
			legacy = cached.Legacy
			if legacy == nil && surface != nil {
				legacy = policy.ToLegacy(surface)
			}
			version = cached.PolicyVersion
		}

		if legacy != nil && !o.state.usingCache {
			o.state.usingCache = true
			o.activity.Emit(domain.ActivityEvent{
				Kind: domain.EventPolicyCacheUsed,
				Detail: map[string]string{
					"cached_at": cached.CachedAt.Format(time.RFC3339),
				},
			})
			o.logger.Warn("operating on cached policy",
				zap.Time("cached_at", cached.CachedAt))
		}
	} else if o.state.usingCache {
		o.state.usingCache = false
		o.activity.Emit(domain.ActivityEvent{Kind: domain.EventPolicyCacheLeft})
		o.logger.Info("live policy restored, leaving cache fallback")
	}

	return surface, legacy, version
}

func (o *Orchestrator) writeCache(entry domain.CachedPolicy) {
	if err := o.store.Save("policy_cache", entry); err != nil {
		o.logger.Warn("policy cache write failed", zap.Error(err))
	}
}

// refreshGrants pulls the server-computed grant set. On failure the
// previous tick's grants stay in effect; expiry is wall-clock anyway.
func (o *Orchestrator) refreshGrants(ctx context.Context) {
	_, grants, err := o.cloud.FetchEffective(ctx)
	if err != nil {
		o.logger.Debug("effective state fetch failed", zap.Error(err))
		return
	}
	o.state.grants = grants
}

// detectPolicyChange emits policy_applied once per meaningful change: a
// fingerprint change over the legacy-mapped fields, or a version change
// whose fields happen to be identical. Surface-only bumps with unchanged
// legacy semantics and unchanged version stay silent.
func (o *Orchestrator) detectPolicyChange(legacy *domain.LegacyPolicy, version int64) {
	fp := policy.Fingerprint(legacy)
	if fp == o.state.lastFingerprint && version == o.state.lastAppliedVersion {
		return
	}

	o.activity.Emit(domain.ActivityEvent{
		Kind: domain.EventPolicyApplied,
		Detail: map[string]string{
			"version":     strconv.FormatInt(version, 10),
			"fingerprint": fp,
		},
	})
	o.logger.Info("policy applied",
		zap.Int64("version", version),
		zap.String("fingerprint", fp))

	o.state.lastFingerprint = fp
	if version > o.state.lastAppliedVersion {
		o.state.lastAppliedVersion = version
	}
}

// evaluateBudget advances usage accounting and fires the edge-triggered
// budget and bedtime events.
func (o *Orchestrator) evaluateBudget(surface *domain.PolicySurface, legacy *domain.LegacyPolicy, now time.Time) (usecase.BudgetVerdict, bool) {
	idle, err := o.processes.IdleTime()
	if err != nil {
		idle = 0
	}
	sessionActive := idle <= o.cfg.IdleThreshold

	fgName := ""
	if fg, ok := o.processes.Foreground(); ok {
		fgName = usecase.NormalizeExe(fg.Name)
	}

	o.budget.Tick(now, sessionActive, fgName)

	limit := legacy.DailyLimitMinutes
	grace := 0
	var warnAt []int
	if surface != nil {
		grace = surface.TimeBudget.GraceMinutes
		warnAt = surface.TimeBudget.WarnAtMinutes
		if override, ok := surface.TimeBudget.DayOverrides[weekdayName(now)]; ok {
			limit = override
		}
	}

	extra := 0
	for _, g := range o.state.grants {
		if g.Type == domain.GrantExtraTime && g.Active(now) {
			extra += g.ExtraMinutes
		}
	}

	verdict := o.budget.Evaluate(now, limit, grace, extra, warnAt)

	for _, threshold := range verdict.Warnings {
		o.activity.Emit(domain.ActivityEvent{
			Kind: domain.EventBudgetWarning,
			Detail: map[string]string{
				"threshold_minutes": strconv.Itoa(threshold),
			},
		})
	}

	if verdict.Depleted != o.state.prevDepleted {
		kind := domain.EventBudgetRestored
		if verdict.Depleted {
			kind = domain.EventBudgetDepleted
		}
		o.activity.Emit(domain.ActivityEvent{Kind: kind, Detail: map[string]string{
			"used_seconds": strconv.FormatInt(verdict.UsedSeconds, 10),
		}})
		o.state.prevDepleted = verdict.Depleted
	}

	bedtimeActive := policy.WindowActive(legacy.Bedtime, now)
	if bedtimeActive != o.state.prevBedtime {
		kind := domain.EventBedtimeEnded
		if bedtimeActive {
			kind = domain.EventBedtimeStarted
		}
		o.activity.Emit(domain.ActivityEvent{Kind: kind})
		o.state.prevBedtime = bedtimeActive
	}

	if err := o.store.Save("usage", o.budget.Usage()); err != nil {
		o.logger.Warn("usage persist failed", zap.Error(err))
	}

	return verdict, bedtimeActive
}

// resolveMode derives this tick's enforced mode. Budget depletion escalates
// to Lockdown unless an always-allowed flag or an unexpired grant holds the
// device open.
func (o *Orchestrator) resolveMode(surface *domain.PolicySurface, legacy *domain.LegacyPolicy, verdict usecase.BudgetVerdict, now time.Time) domain.EffectiveState {
	in := policy.ResolveInput{
		ConfiguredMode: domain.ParseMode(legacy.Mode),
		GrantUntil:     policy.GrantUntil(o.state.grants, now),
		Bedtime:        legacy.Bedtime,
		School:         legacy.School,
		Homework:       legacy.Homework,
		Grants:         o.state.grants,
		Now:            now,
	}
	if surface != nil {
		in.AlwaysAllowed = surface.AlwaysAllowed
	}

	state := policy.Resolve(in)

	if verdict.Depleted &&
		state.ReasonCode != domain.ReasonAlwaysAllowed &&
		state.ReasonCode != domain.ReasonGrant {
		state.EffectiveMode = domain.MaxMode(state.EffectiveMode, domain.ModeLockdown)
		state.ReasonCode = "budget_depleted"
	}

	return state
}

// enforce runs the executor and queues the resulting activity events.
func (o *Orchestrator) enforce(state domain.EffectiveState, surface *domain.PolicySurface, verdict usecase.BudgetVerdict, bedtimeActive bool) {
	result := o.enforcer.Run(usecase.EnforceInput{
		Mode:           state.EffectiveMode,
		Surface:        surface,
		Grants:         state.ActiveGrants,
		BudgetDepleted: verdict.Depleted,
		BedtimeActive:  bedtimeActive,
	})

	for key, count := range result.BlockedCounts {
		o.activity.Emit(domain.ActivityEvent{
			Kind: domain.EventAppBlocked,
			Detail: map[string]string{
				"process": key.Process,
				"reason":  key.Reason,
				"count":   strconv.Itoa(count),
			},
		})
	}
	if result.Locked {
		o.activity.Emit(domain.ActivityEvent{Kind: domain.EventSessionLocked})
	}
	if err := usecase.CollectErrors(result.Errors); err != nil {
		o.logger.Warn("enforcement completed with errors", zap.Error(err))
	}
}

// reportLocation posts the current fix (best effort) and turns geofence
// transitions into activity events.
func (o *Orchestrator) reportLocation(ctx context.Context, surface *domain.PolicySurface, authed bool) {
	fix, ok := o.location.Current(ctx)
	if !ok {
		return
	}

	if surface != nil {
		for _, tr := range o.geofences.Update(surface.Location.Fences, fix) {
			kind := domain.EventGeofenceExited
			if tr.Entered {
				kind = domain.EventGeofenceEntered
			}
			o.activity.Emit(domain.ActivityEvent{
				Kind:   kind,
				Detail: map[string]string{"fence": tr.Fence},
			})
		}
	}

	if authed && surface != nil && surface.Location.ReportingEnabled {
		if err := o.cloud.PostLocation(ctx, fix); err != nil {
			o.logger.Debug("location report failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) publishSnapshot(now time.Time, state domain.EffectiveState, verdict usecase.BudgetVerdict) {
	lastErr, _ := o.enforcer.LastError()
	snap := domain.LocalSnapshot{
		UpdatedAt:            now,
		EffectiveMode:        state.EffectiveMode.String(),
		ReasonCode:           state.ReasonCode,
		ActiveSchedule:       state.ActiveSchedule,
		PolicyVersion:        o.state.lastAppliedVersion,
		UsingCachedPolicy:    o.state.usingCache,
		RemainingSeconds:     verdict.RemainingSeconds,
		UsedSecondsToday:     verdict.UsedSeconds,
		ActivityQueueDepth:   o.activity.Pending(),
		RequestQueueDepth:    o.requests.Pending(),
		RePairRequired:       o.state.rePairRequired,
		LastEnforcementError: lastErr,
	}
	if err := o.store.Save("snapshot", snap); err != nil {
		o.logger.Warn("snapshot persist failed", zap.Error(err))
	}
}

func (o *Orchestrator) postHeartbeat(ctx context.Context, state domain.EffectiveState, verdict usecase.BudgetVerdict, version int64) {
	lastErr, _ := o.enforcer.LastError()
	hb := domain.Heartbeat{
		DeviceID:             o.cfg.DeviceID,
		AgentVersion:         o.cfg.AgentVersion,
		SentAt:               time.Now(),
		UptimeSeconds:        o.uptimeSeconds(),
		PolicyVersion:        version,
		PolicyFingerprint:    o.state.lastFingerprint,
		EffectiveMode:        state.EffectiveMode.String(),
		UsedSecondsToday:     verdict.UsedSeconds,
		ActivityQueueDepth:   o.activity.Pending(),
		RequestQueueDepth:    o.requests.Pending(),
		UsingCachedPolicy:    o.state.usingCache,
		LastEnforcementError: lastErr,
	}

	err := o.cloud.PostHeartbeat(ctx, hb)
	switch {
	case err == nil:
		o.state.rePairRequired = false
		o.clearOnce("heartbeat")
		o.clearOnce("re_pair")
	case errors.Is(err, domain.ErrTokenInvalid):
		o.state.rePairRequired = true
		o.logOnce("re_pair", "device token rejected; re-pairing required")
	default:
		o.logOnce("heartbeat", "heartbeat failed: "+err.Error())
	}
}

// uptimeSeconds reports host uptime, falling back to the agent's own uptime
// on platforms where the boot time cannot be read.
func (o *Orchestrator) uptimeSeconds() int64 {
	if boot, ok := o.processes.BootTime(); ok {
		return int64(time.Since(boot) / time.Second)
	}
	return int64(time.Since(o.startedAt) / time.Second)
}

// pollCommands pulls pending remote commands, executes each and posts the
// acknowledgment. Unknown commands ack as ignored.
func (o *Orchestrator) pollCommands(ctx context.Context) {
	cmds, err := o.cloud.PendingCommands(ctx)
	if err != nil {
		o.logger.Debug("command poll failed", zap.Error(err))
		return
	}

	for _, cmd := range cmds {
		ack := o.executeCommand(cmd)
		if err := o.cloud.AckCommand(ctx, cmd.CommandID, ack); err != nil {
			o.logger.Warn("command ack failed",
				zap.String("command_id", cmd.CommandID),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) executeCommand(cmd domain.Command) domain.CommandAck {
	o.logger.Info("executing remote command",
		zap.String("command", cmd.Name),
		zap.String("command_id", cmd.CommandID))

	switch cmd.Name {
	case "sync_now":
		// The poll itself runs inside a tick, so the sync just happened.
		return domain.CommandAck{Result: domain.CommandOK, Detail: "synced this tick"}
	case "lock_now":
		if err := o.session.Lock(); err != nil {
			return domain.CommandAck{Result: domain.CommandError, Detail: err.Error()}
		}
		o.activity.Emit(domain.ActivityEvent{Kind: domain.EventSessionLocked,
			Detail: map[string]string{"source": "command"}})
		return domain.CommandAck{Result: domain.CommandOK}
	case "clear_policy_cache":
		if err := o.store.Save("policy_cache", domain.CachedPolicy{}); err != nil {
			return domain.CommandAck{Result: domain.CommandError, Detail: err.Error()}
		}
		return domain.CommandAck{Result: domain.CommandOK}
	default:
		return domain.CommandAck{Result: domain.CommandIgnored,
			Detail: fmt.Sprintf("unknown command %q", cmd.Name)}
	}
}

// logOnce logs a failure class once until it clears, keeping steady-state
// offline operation from flooding the log.
func (o *Orchestrator) logOnce(class, msg string) {
	if o.state.warnedOnce[class] {
		return
	}
	o.state.warnedOnce[class] = true
	o.logger.Warn(msg, zap.String("failure_class", class))
}

func (o *Orchestrator) clearOnce(class string) {
	delete(o.state.warnedOnce, class)
}

func weekdayName(now time.Time) string {
	return now.Weekday().String()
}
