package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across the infra boundary.
var (
	// ErrTokenInvalid means the control plane rejected the device token
	// (401) and the device must be re-paired.
	ErrTokenInvalid = errors.New("device token invalid")

	// ErrNotFound maps a 404 from the control plane.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable covers timeout, DNS, refused connections and 5xx:
	// everything that should feed the cache-fallback path.
	ErrUnreachable = errors.New("control plane unreachable")
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// Running returns all visible processes with normalized names.
	Running() ([]ProcessInfo, error)

	// KillTree terminates a process and its children (best effort).
	KillTree(pid int) error

	// Foreground returns the process the user is interacting with, or a
	// zero value when the platform cannot tell.
	Foreground() (ProcessInfo, bool)

	// IdleTime returns how long the session has been idle. Implementations
	// that cannot tell return 0 so the session counts as active.
	IdleTime() (time.Duration, error)

	// BootTime returns when the host booted, or ok=false when the platform
	// cannot tell.
	BootTime() (time.Time, bool)
}

// SessionController applies session-level restrictions.
type SessionController interface {
	// Lock locks the workstation session.
	Lock() error

	// ApplyWebRules pushes the host block/allow lists down to whatever
	// mechanism the platform offers. Best effort.
	ApplyWebRules(rules WebRules, grants []Grant) error
}

// Notifier surfaces a short explanation to the user out-of-band
// (notification daemon, local page refresh). Best effort.
type Notifier interface {
	Notify(title, body string) error
}

// ControlPlane is the outbound HTTP surface the agent consumes. Every call
// takes a context and returns ErrUnreachable-wrapped errors on transport
// failure so callers can treat timeout, DNS and 5xx identically.
type ControlPlane interface {
	FetchPolicy(ctx context.Context) (*PolicyEnvelope, error)
	FetchProfile(ctx context.Context) (*LegacyPolicy, error)
	FetchEffective(ctx context.Context) (*EffectiveState, []Grant, error)
	PostHeartbeat(ctx context.Context, hb Heartbeat) error
	PendingCommands(ctx context.Context) ([]Command, error)
	AckCommand(ctx context.Context, commandID string, ack CommandAck) error
	CreateRequest(ctx context.Context, req AccessRequest) error
	ListRequests(ctx context.Context) ([]AccessRequest, error)
	PostActivity(ctx context.Context, ev ActivityEvent) error
	PostLocation(ctx context.Context, fix LocationFix) error
}

// StateStore persists one logical JSON document per key. Load tolerates a
// missing or corrupt file by reporting ok=false; Save is atomic
// (temp file + rename).
type StateStore interface {
	Load(name string, v any) (ok bool, err error)
	Save(name string, v any) error
}

// TokenStore holds the device credential material at rest.
type TokenStore interface {
	GetToken() (string, error)
	SetToken(token string) error
	GetDeviceID() (string, error)
	SetDeviceID(id string) error
	Close() error
}

// LocationProvider yields the current position, when the platform has one.
type LocationProvider interface {
	Current(ctx context.Context) (LocationFix, bool)
}

// AutostartManager installs the agent as a login service.
type AutostartManager interface {
	Install(execPath string) error
	Uninstall() error
	IsInstalled() bool
}
