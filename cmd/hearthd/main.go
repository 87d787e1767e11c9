// Package main is the CLI entry point for hearthd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hearthguard/hearthd/internal/config"
	"github.com/hearthguard/hearthd/internal/daemon"
	"github.com/hearthguard/hearthd/internal/domain"
	"github.com/hearthguard/hearthd/internal/infra"
	"github.com/hearthguard/hearthd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	configPath string
	debugLog   bool
	jsonOutput bool

	requestType   string
	requestTarget string
	requestReason string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "Parental policy agent - enforces device rules from the family dashboard",
	Long: `hearthd is the device-resident agent for hearthguard parental controls.
It pulls the family policy from the control plane, keeps enforcing the last
known good policy when offline, tracks daily screen time, and closes apps
or locks the session according to the active schedule.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent sync loop",
	Long: `Starts the synchronization loop: policy fetch, budget accounting,
enforcement, event delivery and heartbeats. Runs until interrupted.`,
	RunE: runStart,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single sync cycle and exit",
	Long: `Runs exactly one synchronization cycle - useful for debugging and for
cron-style setups that do not keep a daemon resident.`,
	RunE: runTick,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent's local state",
	Long:  `Prints the last published snapshot: effective mode, remaining budget and queue depths.`,
	RunE:  runStatus,
}

var pairCmd = &cobra.Command{
	Use:   "pair <device-id> <token>",
	Short: "Store the device credentials issued by the dashboard",
	Args:  cobra.ExactArgs(2),
	RunE:  runPair,
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "File an access request (more time, unblock an app or site)",
	Long: `Queues an access request for the next sync. The request survives
restarts and network outages; repeated identical requests within two
minutes collapse into one.`,
	RunE: runRequest,
}

var autostartCmd = &cobra.Command{
	Use:   "autostart [install|uninstall]",
	Short: "Manage the login service definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runAutostart,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Log to stderr at debug level")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	requestCmd.Flags().StringVar(&requestType, "type", "extra_time", "Request type (extra_time, unblock_app, unblock_site)")
	requestCmd.Flags().StringVar(&requestTarget, "target", "", "App or site the request is about")
	requestCmd.Flags().StringVar(&requestReason, "reason", "", "Free-text reason shown to the parent")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(autostartCmd)
	rootCmd.AddCommand(versionCmd)
}

// agent bundles everything runStart/runTick need.
type agent struct {
	orchestrator *daemon.Orchestrator
	requests     *usecase.RequestOutbox
	tokens       domain.TokenStore
	cfg          config.Config
	logger       *zap.Logger
}

// buildAgent wires the full dependency graph from the config file.
func buildAgent() (*agent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := createLogger(cfg)

	store, err := infra.NewFileStateStore(cfg.Device.DataDir)
	if err != nil {
		return nil, err
	}

	keys := infra.NewFileKeyProvider(cfg.Device.DataDir)
	key, err := keys.EnsureKey()
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	tokens, err := infra.NewEncryptedTokenStore(cfg.Device.DataDir, key)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}

	deviceID, err := tokens.GetDeviceID()
	if err != nil {
		return nil, err
	}

	cloud := infra.NewControlPlaneClient(cfg.Cloud.BaseURL, cfg.Cloud.LocalBaseURL, cfg.Cloud.Timeout, logger)
	processes := infra.NewProcessManager()
	session := infra.NewSessionController(logger)
	notifier := infra.NewNotifier(logger)
	location := infra.NewFileLocationProvider(store)

	activity := usecase.NewActivityOutbox(store, logger)
	requests := usecase.NewRequestOutbox(store, logger)

	var restored *domain.DayUsage
	var usage domain.DayUsage
	if ok, err := store.Load("usage", &usage); err != nil {
		logger.Warn("usage state unreadable, starting fresh", zap.Error(err))
	} else if ok {
		restored = &usage
	}
	budget := usecase.NewBudgetEvaluator(restored, time.Now(), logger)

	enforcer := usecase.NewEnforcer(processes, session, notifier, budget, logger)

	orch := daemon.New(
		daemon.Config{
			DeviceID:      deviceID,
			ChildID:       cfg.Device.ChildID,
			AgentVersion:  Version,
			TickInterval:  cfg.Cloud.TickInterval,
			IdleThreshold: cfg.Enforcement.IdleThreshold,
		},
		cloud, cloud, tokens, store, session, processes, location,
		activity, requests, budget, enforcer, logger,
	)

	return &agent{
		orchestrator: orch,
		requests:     requests,
		tokens:       tokens,
		cfg:          cfg,
		logger:       logger,
	}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := buildAgent()
	if err != nil {
		return err
	}
	defer a.tokens.Close()
	defer a.logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.orchestrator.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runTick(cmd *cobra.Command, args []string) error {
	a, err := buildAgent()
	if err != nil {
		return err
	}
	defer a.tokens.Close()
	defer a.logger.Sync()

	a.orchestrator.Tick(context.Background())
	fmt.Println("tick complete")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filepath.Join(cfg.Device.DataDir, "snapshot.json"))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no snapshot yet - has the agent run?")
			return nil
		}
		return err
	}

	var snap domain.LocalSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("snapshot unreadable: %w", err)
	}

	fmt.Printf("Effective mode:  %s (%s)\n", snap.EffectiveMode, snap.ReasonCode)
	if snap.ActiveSchedule != "" {
		fmt.Printf("Active schedule: %s\n", snap.ActiveSchedule)
	}
	fmt.Printf("Policy version:  %d", snap.PolicyVersion)
	if snap.UsingCachedPolicy {
		fmt.Print("  (cached - control plane unreachable)")
	}
	fmt.Println()
	fmt.Printf("Used today:      %ds  (remaining %ds)\n", snap.UsedSecondsToday, snap.RemainingSeconds)
	fmt.Printf("Queued:          %d events, %d requests\n", snap.ActivityQueueDepth, snap.RequestQueueDepth)
	if snap.RePairRequired {
		fmt.Println("NOTE: device token rejected - run 'hearthd pair' again")
	}
	if snap.LastEnforcementError != "" {
		fmt.Printf("Last enforcement error: %s\n", snap.LastEnforcementError)
	}
	return nil
}

func runPair(cmd *cobra.Command, args []string) error {
	a, err := buildAgent()
	if err != nil {
		return err
	}
	defer a.tokens.Close()

	if err := a.tokens.SetDeviceID(args[0]); err != nil {
		return err
	}
	if err := a.tokens.SetToken(args[1]); err != nil {
		return err
	}
	fmt.Printf("paired as device %s\n", args[0])
	return nil
}

func runRequest(cmd *cobra.Command, args []string) error {
	a, err := buildAgent()
	if err != nil {
		return err
	}
	defer a.tokens.Close()

	id, outcome := a.requests.Submit(domain.AccessRequest{
		ChildID: a.cfg.Device.ChildID,
		Type:    domain.GrantType(requestType),
		Target:  requestTarget,
		Reason:  requestReason,
	})

	if outcome == usecase.Deduped {
		fmt.Printf("already asked - request %s is pending\n", id)
	} else {
		fmt.Printf("request %s queued; it will be sent on the next sync\n", id)
	}
	return nil
}

func runAutostart(cmd *cobra.Command, args []string) error {
	mgr := infra.NewAutostartManager()

	switch args[0] {
	case "install":
		execPath, err := os.Executable()
		if err != nil {
			return err
		}
		if err := mgr.Install(execPath); err != nil {
			return err
		}
		fmt.Println("autostart installed")
	case "uninstall":
		if err := mgr.Uninstall(); err != nil {
			return err
		}
		fmt.Println("autostart removed")
	default:
		return fmt.Errorf("unknown autostart action %q", args[0])
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("hearthd %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
	}
}

func createLogger(cfg config.Config) *zap.Logger {
	if debugLog {
		logger, _ := zap.NewDevelopment()
		return logger
	}

	level := zapcore.InfoLevel
	_ = level.Set(cfg.Logging.Level)

	logPath := cfg.Logging.Path
	if logPath == "" {
		logPath = filepath.Join(cfg.Device.DataDir, "hearthd.log")
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{logPath}
	zcfg.ErrorOutputPaths = []string{logPath}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "hearthd.yaml"
	}
	return filepath.Join(home, ".hearthd", "config.yaml")
}
