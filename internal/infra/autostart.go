package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/hearthguard/hearthd/internal/domain"
)

const autostartLabel = "com.hearthguard.hearthd"

// LaunchAgent plist template (macOS, runs as user)
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>start</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>`

// systemd user unit template (Linux)
const systemdUnitTemplate = `[Unit]
Description=hearthd parental policy agent

[Service]
ExecStart={{.ExecutablePath}} start
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`

type autostartConfig struct {
	Label          string
	ExecutablePath string
}

// AutostartManagerImpl installs the agent as a login service: a LaunchAgent
// plist on macOS, a systemd user unit on Linux.
type AutostartManagerImpl struct {
	homeDir string
}

// NewAutostartManager creates an autostart manager for the current user.
func NewAutostartManager() domain.AutostartManager {
	home, _ := os.UserHomeDir()
	return &AutostartManagerImpl{homeDir: home}
}

// Install writes and activates the service definition.
func (a *AutostartManagerImpl) Install(execPath string) error {
	path, tmpl, err := a.unitFor()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create service directory: %w", err)
	}

	var buf bytes.Buffer
	t := template.Must(template.New("unit").Parse(tmpl))
	if err := t.Execute(&buf, autostartConfig{Label: autostartLabel, ExecutablePath: execPath}); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write service definition: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		// launchctl load is idempotent enough for a fresh install; a
		// failure here still leaves RunAtLoad for next login.
		_ = exec.Command("launchctl", "load", path).Run()
	case "linux":
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
		_ = exec.Command("systemctl", "--user", "enable", "--now", "hearthd.service").Run()
	}
	return nil
}

// Uninstall deactivates and removes the service definition.
func (a *AutostartManagerImpl) Uninstall() error {
	path, _, err := a.unitFor()
	if err != nil {
		return err
	}

	switch runtime.GOOS {
	case "darwin":
		_ = exec.Command("launchctl", "unload", path).Run()
	case "linux":
		_ = exec.Command("systemctl", "--user", "disable", "--now", "hearthd.service").Run()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsInstalled checks whether the service definition exists.
func (a *AutostartManagerImpl) IsInstalled() bool {
	path, _, err := a.unitFor()
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

func (a *AutostartManagerImpl) unitFor() (path, tmpl string, err error) {
	if a.homeDir == "" {
		return "", "", fmt.Errorf("no home directory for autostart install")
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(a.homeDir, "Library", "LaunchAgents", autostartLabel+".plist"),
			launchAgentTemplate, nil
	case "linux":
		return filepath.Join(a.homeDir, ".config", "systemd", "user", "hearthd.service"),
			systemdUnitTemplate, nil
	default:
		return "", "", fmt.Errorf("autostart not supported on %s", runtime.GOOS)
	}
}

var _ domain.AutostartManager = (*AutostartManagerImpl)(nil)
