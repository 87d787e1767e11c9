//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/daemon"
	"github.com/hearthguard/hearthd/internal/domain"
	"github.com/hearthguard/hearthd/internal/infra"
	"github.com/hearthguard/hearthd/internal/usecase"
)

// fakeCloud is an in-memory control plane served over httptest. Tests script
// it by mutating the fields under the lock.
type fakeCloud struct {
	mu sync.Mutex

	dark          bool // every endpoint answers 503
	policyVersion int64
	dailyMinutes  int
	rejectToken   bool

	heartbeats []domain.Heartbeat
	activities []domain.ActivityEvent
	requests   []domain.AccessRequest
}

func (f *fakeCloud) handler() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.dark {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if f.rejectToken || r.Header.Get("X-Device-Token") == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}

	mux.HandleFunc("/policy", wrap(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.PolicyEnvelope{
			PolicyVersion: f.policyVersion,
			EffectiveAt:   time.Now(),
			Policy: &domain.PolicySurface{
				Mode:       "open",
				TimeBudget: domain.TimeBudget{DailyMinutes: f.dailyMinutes},
			},
		})
	}))
	mux.HandleFunc("/profile", wrap(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.LegacyPolicy{
			Mode:              "open",
			DailyLimitMinutes: f.dailyMinutes,
		})
	}))
	mux.HandleFunc("/effective", wrap(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"effectiveMode": "open"})
	}))
	mux.HandleFunc("/heartbeat", wrap(func(w http.ResponseWriter, r *http.Request) {
		var hb domain.Heartbeat
		json.NewDecoder(r.Body).Decode(&hb)
		f.heartbeats = append(f.heartbeats, hb)
	}))
	mux.HandleFunc("/commands/pending", wrap(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]domain.Command{})
	}))
	mux.HandleFunc("/activity", wrap(func(w http.ResponseWriter, r *http.Request) {
		var ev domain.ActivityEvent
		json.NewDecoder(r.Body).Decode(&ev)
		f.activities = append(f.activities, ev)
	}))
	mux.HandleFunc("/requests", wrap(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req domain.AccessRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.requests = append(f.requests, req)
			return
		}
		json.NewEncoder(w).Encode(f.requests)
	}))
	mux.HandleFunc("/location", wrap(func(w http.ResponseWriter, r *http.Request) {}))

	return mux
}

func (f *fakeCloud) setDark(dark bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dark = dark
}

func (f *fakeCloud) setPolicyVersion(v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policyVersion = v
}

func (f *fakeCloud) lastHeartbeat() (domain.Heartbeat, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heartbeats) == 0 {
		return domain.Heartbeat{}, false
	}
	return f.heartbeats[len(f.heartbeats)-1], true
}

func (f *fakeCloud) activityKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.activities))
	for _, ev := range f.activities {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type stubProcesses struct{}

func (stubProcesses) Running() ([]domain.ProcessInfo, error) { return nil, nil }
func (stubProcesses) KillTree(pid int) error                 { return nil }
func (stubProcesses) Foreground() (domain.ProcessInfo, bool) { return domain.ProcessInfo{}, false }
func (stubProcesses) IdleTime() (time.Duration, error)       { return 0, nil }
func (stubProcesses) BootTime() (time.Time, bool)            { return time.Time{}, false }

type stubSession struct{}

func (stubSession) Lock() error { return nil }
func (stubSession) ApplyWebRules(rules domain.WebRules, grants []domain.Grant) error {
	return nil
}

type stubNotifier struct{}

func (stubNotifier) Notify(title, body string) error { return nil }

type stubLocation struct{}

func (stubLocation) Current(ctx context.Context) (domain.LocationFix, bool) {
	return domain.LocationFix{}, false
}

type stubTokens struct{ token string }

func (s *stubTokens) GetToken() (string, error)    { return s.token, nil }
func (s *stubTokens) SetToken(token string) error  { s.token = token; return nil }
func (s *stubTokens) GetDeviceID() (string, error) { return "dev-int", nil }
func (s *stubTokens) SetDeviceID(id string) error  { return nil }
func (s *stubTokens) Close() error                 { return nil }

var _ = Describe("Sync loop against a live control plane", func() {
	var (
		cloud  *fakeCloud
		server *httptest.Server
		store  *infra.FileStateStore
		orch   *daemon.Orchestrator
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		cloud = &fakeCloud{policyVersion: 1, dailyMinutes: 120}
		server = httptest.NewServer(cloud.handler())

		var err error
		store, err = infra.NewFileStateStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()
		client := infra.NewControlPlaneClient(server.URL, "", 2*time.Second, logger)
		budget := usecase.NewBudgetEvaluator(nil, time.Now(), logger)
		enforcer := usecase.NewEnforcer(stubProcesses{}, stubSession{}, stubNotifier{}, budget, logger)

		orch = daemon.New(
			daemon.Config{
				DeviceID:      "dev-int",
				ChildID:       "child-int",
				AgentVersion:  "integration",
				TickInterval:  30 * time.Second,
				IdleThreshold: 3 * time.Minute,
			},
			client,
			client,
			&stubTokens{token: "tok-int"},
			store,
			stubSession{},
			stubProcesses{},
			stubLocation{},
			usecase.NewActivityOutbox(store, logger),
			usecase.NewRequestOutbox(store, logger),
			budget,
			enforcer,
			logger,
		)
	})

	AfterEach(func() {
		server.Close()
	})

	loadSnapshot := func() domain.LocalSnapshot {
		var snap domain.LocalSnapshot
		ok, err := store.Load("snapshot", &snap)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		return snap
	}

	It("applies the live policy and reports it in the heartbeat", func() {
		orch.Tick(ctx)

		snap := loadSnapshot()
		Expect(snap.PolicyVersion).To(Equal(int64(1)))
		Expect(snap.UsingCachedPolicy).To(BeFalse())
		Expect(snap.EffectiveMode).To(Equal("open"))

		hb, ok := cloud.lastHeartbeat()
		Expect(ok).To(BeTrue())
		Expect(hb.DeviceID).To(Equal("dev-int"))
		Expect(hb.PolicyVersion).To(Equal(int64(1)))
	})

	It("keeps enforcing from the cache while the server is dark", func() {
		orch.Tick(ctx)

		cloud.setDark(true)
		orch.Tick(ctx)
		orch.Tick(ctx)

		snap := loadSnapshot()
		Expect(snap.UsingCachedPolicy).To(BeTrue())
		Expect(snap.PolicyVersion).To(Equal(int64(1)))

		cloud.setDark(false)
		orch.Tick(ctx)
		Expect(loadSnapshot().UsingCachedPolicy).To(BeFalse())
	})

	It("delivers activity events queued during an outage exactly once each", func() {
		orch.Tick(ctx) // queues policy_applied

		cloud.setDark(true)
		orch.Tick(ctx) // queues policy_cache_used, cannot deliver
		cloud.setDark(false)

		// Backoff keeps retried items out of the immediate next flush; wait
		// out the first retry interval before ticking again.
		time.Sleep(5100 * time.Millisecond)
		orch.Tick(ctx)
		orch.Tick(ctx)

		kinds := cloud.activityKinds()
		Expect(kinds).To(ContainElement("policy_applied"))
		Expect(kinds).To(ContainElement("policy_cache_used"))
		Expect(kinds).To(ContainElement("policy_cache_left"))

		counts := map[string]int{}
		for _, k := range kinds {
			counts[k]++
		}
		Expect(counts["policy_applied"]).To(Equal(1))
		Expect(counts["policy_cache_used"]).To(Equal(1))
	})

	It("never applies a policy version below the last applied one", func() {
		cloud.setPolicyVersion(3)
		orch.Tick(ctx)
		Expect(loadSnapshot().PolicyVersion).To(Equal(int64(3)))

		cloud.setPolicyVersion(2)
		orch.Tick(ctx)
		Expect(loadSnapshot().PolicyVersion).To(Equal(int64(3)))

		cloud.setPolicyVersion(4)
		orch.Tick(ctx)
		orch.Tick(ctx) // drain the outbox

		Expect(loadSnapshot().PolicyVersion).To(Equal(int64(4)))
		Expect(cloud.activityKinds()).To(ContainElement("policy_replay_ignored"))
	})

	It("survives a restart with durable queues and cache", func() {
		orch.Tick(ctx)
		cloud.setDark(true)
		orch.Tick(ctx) // leaves undelivered events on disk

		// A fresh orchestrator over the same data directory picks up where
		// the old one stopped.
		logger := zap.NewNop()
		client := infra.NewControlPlaneClient(server.URL, "", 2*time.Second, logger)
		budget := usecase.NewBudgetEvaluator(nil, time.Now(), logger)
		enforcer := usecase.NewEnforcer(stubProcesses{}, stubSession{}, stubNotifier{}, budget, logger)
		activity := usecase.NewActivityOutbox(store, logger)
		Expect(activity.Pending()).To(BeNumerically(">", 0))

		restarted := daemon.New(
			daemon.Config{DeviceID: "dev-int", TickInterval: 30 * time.Second, IdleThreshold: 3 * time.Minute},
			client, client, &stubTokens{token: "tok-int"}, store,
			stubSession{}, stubProcesses{}, stubLocation{},
			activity, usecase.NewRequestOutbox(store, logger),
			budget, enforcer, logger,
		)

		cloud.setDark(false)
		time.Sleep(5100 * time.Millisecond)
		restarted.Tick(ctx)

		Expect(cloud.activityKinds()).To(ContainElement("policy_cache_used"))
	})
})
