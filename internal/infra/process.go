package infra

import (
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hearthguard/hearthd/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Running returns all visible processes. Processes that exit mid-scan are
// skipped silently.
func (pm *ProcessManagerImpl) Running() ([]domain.ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	infos := make([]domain.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // Process may have exited
		}
		infos = append(infos, domain.ProcessInfo{PID: int(p.Pid), Name: name})
	}
	return infos, nil
}

// KillTree terminates a process and its children, children first. A child
// that cannot be killed does not stop the walk: the parent is still killed.
func (pm *ProcessManagerImpl) KillTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}

	if children, err := p.Children(); err == nil {
		for _, child := range children {
			_ = pm.KillTree(int(child.Pid))
		}
	}

	return p.Kill()
}

// Foreground returns the most recently started user-visible process as the
// best cross-platform approximation of "what the user is interacting with".
// Platforms without a usable signal report ok=false and per-app rules
// degrade to no-ops.
func (pm *ProcessManagerImpl) Foreground() (domain.ProcessInfo, bool) {
	procs, err := process.Processes()
	if err != nil {
		return domain.ProcessInfo{}, false
	}

	var best *process.Process
	var bestCreate int64
	for _, p := range procs {
		if terminal, err := p.Terminal(); err != nil || terminal == "" {
			continue
		}
		created, err := p.CreateTime()
		if err != nil {
			continue
		}
		if best == nil || created > bestCreate {
			best = p
			bestCreate = created
		}
	}
	if best == nil {
		return domain.ProcessInfo{}, false
	}

	name, err := best.Name()
	if err != nil {
		return domain.ProcessInfo{}, false
	}
	return domain.ProcessInfo{PID: int(best.Pid), Name: name}, true
}

// IdleTime reports 0: without a display-server hook the session is assumed
// active, which errs on the side of counting usage.
func (pm *ProcessManagerImpl) IdleTime() (time.Duration, error) {
	return 0, nil
}

// BootTime reports when the host booted.
func (pm *ProcessManagerImpl) BootTime() (time.Time, bool) {
	epoch, err := host.BootTime()
	if err != nil || epoch == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(epoch), 0), true
}

var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
