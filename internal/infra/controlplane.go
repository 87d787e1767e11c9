package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hearthguard/hearthd/internal/domain"
)

const (
	// deviceTokenHeader carries the device identity on every
	// authenticated call.
	deviceTokenHeader = "X-Device-Token"

	defaultHTTPTimeout = 10 * time.Second
)

// ControlPlaneClient implements domain.ControlPlane over JSON/HTTP. Each
// call tries the local-first base URL (when configured) before the remote
// one; timeout, DNS, refused connections and 5xx all collapse into
// domain.ErrUnreachable so the orchestrator's fallback path sees one
// failure class.
type ControlPlaneClient struct {
	client     *http.Client
	remoteBase string
	localBase  string
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewControlPlaneClient creates a client. localBase may be empty; timeout
// zero means the default.
func NewControlPlaneClient(remoteBase, localBase string, timeout time.Duration, logger *zap.Logger) *ControlPlaneClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &ControlPlaneClient{
		client:     &http.Client{Timeout: timeout},
		remoteBase: remoteBase,
		localBase:  localBase,
		logger:     logger,
	}
}

// SetToken installs the device token used on subsequent calls.
func (c *ControlPlaneClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// FetchPolicy retrieves the live versioned policy envelope.
func (c *ControlPlaneClient) FetchPolicy(ctx context.Context) (*domain.PolicyEnvelope, error) {
	var env domain.PolicyEnvelope
	if err := c.do(ctx, http.MethodGet, "/policy", nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// FetchProfile retrieves the legacy-shaped profile.
func (c *ControlPlaneClient) FetchProfile(ctx context.Context) (*domain.LegacyPolicy, error) {
	var legacy domain.LegacyPolicy
	if err := c.do(ctx, http.MethodGet, "/profile", nil, &legacy); err != nil {
		return nil, err
	}
	return &legacy, nil
}

// FetchEffective retrieves the server-computed effective state cross-check
// together with the active grants.
func (c *ControlPlaneClient) FetchEffective(ctx context.Context) (*domain.EffectiveState, []domain.Grant, error) {
	var payload struct {
		EffectiveMode string         `json:"effectiveMode"`
		ReasonCode    string         `json:"reasonCode"`
		ActiveGrants  []domain.Grant `json:"activeGrants"`
	}
	if err := c.do(ctx, http.MethodGet, "/effective", nil, &payload); err != nil {
		return nil, nil, err
	}

	state := &domain.EffectiveState{
		EffectiveMode: domain.ParseMode(payload.EffectiveMode),
		ReasonCode:    payload.ReasonCode,
		ActiveGrants:  payload.ActiveGrants,
	}
	return state, payload.ActiveGrants, nil
}

// PostHeartbeat reports device status. A 401 maps to ErrTokenInvalid,
// signalling that the device must be re-paired.
func (c *ControlPlaneClient) PostHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/heartbeat", hb, nil)
}

// PendingCommands pulls undelivered remote commands.
func (c *ControlPlaneClient) PendingCommands(ctx context.Context) ([]domain.Command, error) {
	var cmds []domain.Command
	if err := c.do(ctx, http.MethodGet, "/commands/pending", nil, &cmds); err != nil {
		return nil, err
	}
	return cmds, nil
}

// AckCommand acknowledges one command with its result.
func (c *ControlPlaneClient) AckCommand(ctx context.Context, commandID string, ack domain.CommandAck) error {
	return c.do(ctx, http.MethodPost, "/commands/"+commandID+"/ack", ack, nil)
}

// CreateRequest submits an access request. The client-chosen request ID
// makes this idempotent: a 409 duplicate counts as delivered.
func (c *ControlPlaneClient) CreateRequest(ctx context.Context, req domain.AccessRequest) error {
	return c.do(ctx, http.MethodPost, "/requests", req, nil)
}

// ListRequests retrieves recent server-side request truth.
func (c *ControlPlaneClient) ListRequests(ctx context.Context) ([]domain.AccessRequest, error) {
	var reqs []domain.AccessRequest
	if err := c.do(ctx, http.MethodGet, "/requests", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// PostActivity delivers one activity event; 409 counts as delivered.
func (c *ControlPlaneClient) PostActivity(ctx context.Context, ev domain.ActivityEvent) error {
	return c.do(ctx, http.MethodPost, "/activity", ev, nil)
}

// PostLocation reports a position sample. A 404 means this deployment has
// no location endpoint and is a silent no-op.
func (c *ControlPlaneClient) PostLocation(ctx context.Context, fix domain.LocationFix) error {
	err := c.do(ctx, http.MethodPost, "/location", fix, nil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// do performs one JSON round trip against the local base first, then the
// remote base. Transport failures move on to the next base; HTTP statuses
// are mapped to the shared sentinel errors.
func (c *ControlPlaneClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	bases := make([]string, 0, 2)
	if c.localBase != "" {
		bases = append(bases, c.localBase)
	}
	if c.remoteBase != "" {
		bases = append(bases, c.remoteBase)
	}
	if len(bases) == 0 {
		return fmt.Errorf("%w: no base URL configured", domain.ErrUnreachable)
	}

	var lastErr error
	for _, base := range bases {
		err := c.doOnce(ctx, method, base+path, payload, out)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrTokenInvalid) || errors.Is(err, domain.ErrNotFound):
			// Definitive server answer; trying another base won't change it.
			return err
		default:
			lastErr = err
		}
	}
	return lastErr
}

func (c *ControlPlaneClient) doOnce(ctx context.Context, method, url string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set(deviceTokenHeader, c.token)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrUnreachable, err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Idempotent duplicate: the server already has this payload.
		io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrTokenInvalid
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d from %s", domain.ErrUnreachable, resp.StatusCode, url)
	}
}

var _ domain.ControlPlane = (*ControlPlaneClient)(nil)
