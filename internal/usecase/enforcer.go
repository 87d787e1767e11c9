package usecase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hearthguard/hearthd/internal/domain"
)

// essentialProcesses are never terminated, whatever the policy says.
// Killing these would take the session down with them.
var essentialProcesses = map[string]bool{
	"systemd":      true,
	"init":         true,
	"launchd":      true,
	"kernel_task":  true,
	"finder":       true,
	"dock":         true,
	"windowserver": true,
	"explorer":     true,
	"csrss":        true,
	"winlogon":     true,
	"hearthd":      true,
}

// EnforceInput is everything the executor needs for one pass.
type EnforceInput struct {
	Mode           domain.Mode
	Surface        *domain.PolicySurface
	Grants         []domain.Grant
	BudgetDepleted bool
	BedtimeActive  bool
}

// Enforcer translates an enforced mode plus policy into OS-level actions.
// It never returns an error from Run: every failure is captured into the
// result and the rolling last-error signal the next heartbeat reports.
type Enforcer struct {
	processes domain.ProcessManager
	session   domain.SessionController
	notifier  domain.Notifier
	budget    *BudgetEvaluator
	logger    *zap.Logger

	lockLimiter   *rate.Limiter
	notifyLimiter *rate.Limiter

	globMu    sync.Mutex
	globKey   string
	denyGlobs []glob.Glob

	errMu       sync.Mutex
	lastErr     string
	lastErrTime time.Time
}

// NewEnforcer wires the executor. The lock limiter allows one session lock
// per 30 seconds; the notify limiter one user-facing explanation per 20.
func NewEnforcer(
	pm domain.ProcessManager,
	session domain.SessionController,
	notifier domain.Notifier,
	budget *BudgetEvaluator,
	logger *zap.Logger,
) *Enforcer {
	return &Enforcer{
		processes:     pm,
		session:       session,
		notifier:      notifier,
		budget:        budget,
		logger:        logger,
		lockLimiter:   rate.NewLimiter(rate.Every(30*time.Second), 1),
		notifyLimiter: rate.NewLimiter(rate.Every(20*time.Second), 1),
	}
}

// Run executes one ordered enforcement pass: deny list, per-app limits,
// allow list, then mode-driven lockdown. A failure on one process never
// aborts enforcement of the rest.
func (e *Enforcer) Run(in EnforceInput) domain.EnforcementResult {
	start := time.Now()
	result := domain.EnforcementResult{
		BlockedCounts: make(map[domain.BlockKey]int),
		ExecutedAt:    start,
	}

	defer func() {
		if r := recover(); r != nil {
			e.recordError(fmt.Errorf("enforcement panic: %v", r))
		}
	}()

	if in.Surface != nil {
		e.enforceDenyList(in, &result)
		e.enforcePerAppLimits(in, &result)
		e.enforceAllowList(in, &result)
		e.applyWebRules(in, &result)
	}
	e.enforceModeLockdown(in, &result)

	for _, err := range result.Errors {
		e.recordError(err)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// LastError returns the rolling enforcement error and when it happened.
func (e *Enforcer) LastError() (string, time.Time) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr, e.lastErrTime
}

func (e *Enforcer) enforceDenyList(in EnforceInput, result *domain.EnforcementResult) {
	deny := in.Surface.AppRules.DenyProcesses
	if len(deny) == 0 {
		return
	}

	globs := e.compiledDenyGlobs(deny)
	running, err := e.processes.Running()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list processes: %w", err))
		return
	}

	for _, proc := range running {
		name := NormalizeExe(proc.Name)
		if essentialProcesses[name] {
			continue
		}
		if !matchesAny(globs, name) {
			continue
		}
		if grantUnblocksApp(in.Grants, name) {
			continue
		}
		e.terminate(proc, domain.BlockReasonDenyList, result)
	}
}

func (e *Enforcer) enforcePerAppLimits(in EnforceInput, result *domain.EnforcementResult) {
	limits := in.Surface.AppRules.PerAppDailyMinutes
	if len(limits) == 0 {
		return
	}

	fg, ok := e.processes.Foreground()
	if !ok {
		return
	}
	name := NormalizeExe(fg.Name)

	limit, has := limits[name]
	if !has || limit <= 0 {
		return
	}
	if e.budget.ProcessSeconds(name) < int64(limit)*60 {
		return
	}
	if grantUnblocksApp(in.Grants, name) {
		return
	}

	e.terminate(fg, domain.BlockReasonAppLimit, result)
}

func (e *Enforcer) enforceAllowList(in EnforceInput, result *domain.EnforcementResult) {
	rules := in.Surface.AppRules
	if !rules.AllowListEnabled || len(rules.AllowProcesses) == 0 {
		return
	}

	fg, ok := e.processes.Foreground()
	if !ok {
		return
	}
	name := NormalizeExe(fg.Name)
	if essentialProcesses[name] {
		return
	}

	for _, allowed := range rules.AllowProcesses {
		if NormalizeExe(allowed) == name {
			return
		}
	}
	if grantUnblocksApp(in.Grants, name) {
		return
	}

	e.terminate(fg, domain.BlockReasonAllowList, result)
}

func (e *Enforcer) applyWebRules(in EnforceInput, result *domain.EnforcementResult) {
	if err := e.session.ApplyWebRules(in.Surface.WebRules, in.Grants); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("apply web rules: %w", err))
	}
}

// enforceModeLockdown applies the default-deny fallback for restrictive
// modes and locks the session (throttled) when the budget is gone or a
// bedtime window is active. Everything here is scoped to the enforced mode:
// when a grant or alwaysAllowed resolved the mode to Open, a spent budget or
// an active bedtime window must not lock the device out from under it.
func (e *Enforcer) enforceModeLockdown(in EnforceInput, result *domain.EnforcementResult) {
	restrictive := in.Mode == domain.ModeBedtime || in.Mode == domain.ModeLockdown
	if !restrictive {
		return
	}

	hasDenyList := in.Surface != nil && len(in.Surface.AppRules.DenyProcesses) > 0
	if !hasDenyList {
		if fg, ok := e.processes.Foreground(); ok {
			name := NormalizeExe(fg.Name)
			if !essentialProcesses[name] && !grantUnblocksApp(in.Grants, name) {
				e.terminate(fg, domain.BlockReasonModeDefault, result)
			}
		}
	}

	if (in.BudgetDepleted || in.BedtimeActive) && e.lockLimiter.Allow() {
		if err := e.session.Lock(); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("lock session: %w", err))
		} else {
			result.Locked = true
			e.logger.Info("session locked",
				zap.Bool("budget_depleted", in.BudgetDepleted),
				zap.Bool("bedtime_active", in.BedtimeActive))
		}
	}
}

// terminate best-effort tree-kills one process and records the block.
func (e *Enforcer) terminate(proc domain.ProcessInfo, reason string, result *domain.EnforcementResult) {
	name := NormalizeExe(proc.Name)

	if err := e.processes.KillTree(proc.PID); err != nil {
		result.Errors = append(result.Errors,
			fmt.Errorf("kill %s (pid %d): %w", name, proc.PID, err))
		return
	}

	result.KilledPIDs = append(result.KilledPIDs, proc.PID)
	result.BlockedCounts[domain.BlockKey{Process: name, Reason: reason}]++
	e.budget.RecordBlock(name, reason)

	e.logger.Info("terminated process",
		zap.String("process", name),
		zap.Int("pid", proc.PID),
		zap.String("reason", reason))

	if e.notifyLimiter.Allow() {
		if err := e.notifier.Notify("App blocked",
			fmt.Sprintf("%s was closed (%s)", name, reason)); err != nil {
			e.logger.Debug("notify failed", zap.Error(err))
		}
	}
}

// compiledDenyGlobs caches compiled deny patterns; the cache key is the
// joined pattern list so a policy change recompiles exactly once.
func (e *Enforcer) compiledDenyGlobs(patterns []string) []glob.Glob {
	key := strings.Join(patterns, "\x00")

	e.globMu.Lock()
	defer e.globMu.Unlock()
	if key == e.globKey {
		return e.denyGlobs
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(NormalizeExe(p))
		if err != nil {
			e.logger.Warn("bad deny pattern skipped", zap.String("pattern", p), zap.Error(err))
			continue
		}
		globs = append(globs, g)
	}

	e.globKey = key
	e.denyGlobs = globs
	return globs
}

func (e *Enforcer) recordError(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.lastErr = err.Error()
	e.lastErrTime = time.Now()
	e.logger.Warn("enforcement error", zap.Error(err))
}

func matchesAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func grantUnblocksApp(grants []domain.Grant, name string) bool {
	now := time.Now()
	for _, g := range grants {
		if g.Type == domain.GrantUnblockApp && g.Active(now) && NormalizeExe(g.Target) == name {
			return true
		}
	}
	return false
}

// CollectErrors folds per-item failures into one error for logging.
func CollectErrors(errs []error) error {
	return multierr.Combine(errs...)
}

// NormalizeExe lowercases an executable name and strips a Windows-style
// .exe suffix so rules match the same process across platforms.
func NormalizeExe(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(n, ".exe")
}
