package infra

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

// ExecSessionController locks the workstation and applies web rules through
// OS commands. Everything here is best effort: a missing helper binary is a
// captured error, never a crash.
type ExecSessionController struct {
	logger *zap.Logger
}

// NewSessionController creates an exec-backed session controller.
func NewSessionController(logger *zap.Logger) domain.SessionController {
	return &ExecSessionController{logger: logger}
}

// Lock locks the current session using the platform's lock command.
func (s *ExecSessionController) Lock() error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pmset", "displaysleepnow")
	case "windows":
		cmd = exec.Command("rundll32.exe", "user32.dll,LockWorkStation")
	default:
		cmd = exec.Command("loginctl", "lock-session")
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("lock session via %s: %w", cmd.Path, err)
	}
	return nil
}

// ApplyWebRules is a logging stub on platforms without a local proxy or
// DNS filter to drive. Site-level enforcement happens upstream; the agent
// records what it would have applied so diagnostics show the intent.
func (s *ExecSessionController) ApplyWebRules(rules domain.WebRules, grants []domain.Grant) error {
	if len(rules.BlockedHosts) == 0 && len(rules.AllowedHosts) == 0 {
		return nil
	}

	unblocked := make(map[string]bool)
	now := time.Now()
	for _, g := range grants {
		if g.Type == domain.GrantUnblockSite && g.Active(now) {
			unblocked[g.Target] = true
		}
	}

	effective := make([]string, 0, len(rules.BlockedHosts))
	for _, host := range rules.BlockedHosts {
		if !unblocked[host] {
			effective = append(effective, host)
		}
	}

	s.logger.Debug("web rules evaluated",
		zap.Int("blocked", len(effective)),
		zap.Int("grant_unblocked", len(unblocked)))
	return nil
}

var _ domain.SessionController = (*ExecSessionController)(nil)

// LogNotifier surfaces user-facing explanations through the platform
// notifier when available, falling back to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewNotifier creates the default notifier.
func NewNotifier(logger *zap.Logger) domain.Notifier {
	return &LogNotifier{logger: logger}
}

// Notify sends a desktop notification, best effort.
func (n *LogNotifier) Notify(title, body string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", title, body)
	default:
		n.logger.Info("user notification", zap.String("title", title), zap.String("body", body))
		return nil
	}

	if err := cmd.Run(); err != nil {
		n.logger.Info("user notification (fallback)",
			zap.String("title", title),
			zap.String("body", body))
	}
	return nil
}

var _ domain.Notifier = (*LogNotifier)(nil)
