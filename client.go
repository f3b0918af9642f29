// Package statuspage is the Go client SDK for the status page service.
//
// It keeps a realtime websocket with room subscriptions, folds the server's
// mutation events into a local read model, and renews expired credentials
// underneath in-flight REST calls.
//
// Example:
//
//	client := statuspage.NewClient(statuspage.WithBaseURL("https://status.example.com"))
//
//	// REST
//	login, _ := client.Login(ctx, "ops@example.com", "secret")
//	page, _ := client.PublicStatus(ctx, "acme")
//
//	// Realtime
//	bus := statuspage.NewBus()
//	rt := client.Realtime(bus, nil)
//	rooms := statuspage.NewRooms(rt, nil)
//	rooms.JoinOrganization(ctx, login.Organizations[0].ID)
//	rt.ConnectAuthenticated(ctx, "")
package statuspage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the status page REST API. Authenticated calls go through a
// SessionGuard; login and token refresh bypass it.
type Client struct {
	baseURL   string
	timeout   time.Duration
	transport http.RoundTripper
	store     SessionStore
	log       *zap.Logger
	metrics   *Metrics
	onExpired func(error)

	guard      *SessionGuard
	httpClient *http.Client
	rawClient  *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// WithHTTPClient takes the transport and timeout of client. The session guard
// is layered on top of the transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client.Transport != nil {
			c.transport = client.Transport
		}
		c.timeout = client.Timeout
	}
}

func WithSessionStore(store SessionStore) ClientOption {
	return func(c *Client) { c.store = store }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithOnSessionExpired registers fn to run when the session could not be
// renewed and has been cleared.
func WithOnSessionExpired(fn func(error)) ClientOption {
	return func(c *Client) { c.onExpired = fn }
}

// NewClient creates a status page client. Without WithSessionStore the
// session lives in memory.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		timeout:   DefaultTimeout,
		transport: http.DefaultTransport,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemorySessionStore(Session{})
	}

	c.rawClient = &http.Client{Transport: c.transport, Timeout: c.timeout}
	c.guard = NewSessionGuard(SessionGuardConfig{
		Store:            c.store,
		Renew:            c.Refresh,
		Base:             c.transport,
		OnSessionExpired: c.onExpired,
		Logger:           c.log,
		Metrics:          c.metrics,
	})
	c.httpClient = &http.Client{Transport: c.guard, Timeout: c.timeout}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Sessions returns the session store.
func (c *Client) Sessions() SessionStore { return c.store }

// HTTPClient returns the guarded client, for calls this package does not wrap.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Realtime creates a websocket connection to the same server that publishes
// to bus. Authenticated reconnects read the client's session store.
func (c *Client) Realtime(bus *Bus, cfg *RealtimeConfig) *Realtime {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	if cfg.Sessions == nil {
		cfg.Sessions = c.store
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	if cfg.Metrics == nil {
		cfg.Metrics = c.metrics
	}
	return NewRealtime(c.baseURL, bus, cfg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, hc *http.Client, method, path string, body interface{}, bearer string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := hc.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		c.log.Debug("api error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", apiErr.Message))
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges credentials for a session and stores it. The previously
// selected organization is kept when the user still belongs to it; otherwise
// the first organization is selected.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := c.doRequest(ctx, c.rawClient, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[LoginResult](data)
	if err != nil {
		return nil, err
	}

	prev, _ := c.store.Load()
	sess := Session{
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		OrganizationID: pickOrganization(result.Organizations, prev.OrganizationID),
	}
	if err := c.store.Save(sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	c.log.Info("logged in", zap.String("user", result.User.Username))
	return result, nil
}

func pickOrganization(orgs []Organization, preferred string) string {
	if preferred != "" && slices.ContainsFunc(orgs, func(o Organization) bool { return o.ID == preferred }) {
		return preferred
	}
	if len(orgs) > 0 {
		return orgs[0].ID
	}
	return ""
}

// Logout forgets the stored session. The server keeps no session state.
func (c *Client) Logout() error {
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Refresh exchanges a refresh token for a new access token. It does not
// touch the session store.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	data, err := c.doRequest(ctx, c.rawClient, http.MethodPost, "/api/auth/refresh", nil, refreshToken)
	if err != nil {
		return "", err
	}
	result, err := decodeJSON[refreshResult](data)
	if err != nil {
		return "", err
	}
	return result.AccessToken, nil
}

// Me returns the current user and their organizations.
func (c *Client) Me(ctx context.Context) (*MeResult, error) {
	data, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/api/auth/me", nil, "")
	if err != nil {
		return nil, err
	}
	return decodeJSON[MeResult](data)
}

// ============================================================================
// Organizations
// ============================================================================

// Organizations lists the organizations the current user belongs to.
func (c *Client) Organizations(ctx context.Context) ([]Organization, error) {
	data, err := c.doRequest(ctx, c.httpClient, http.MethodGet, "/api/organizations", nil, "")
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[struct {
		Organizations []Organization `json:"organizations"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Organizations, nil
}

// SelectOrganization records id as the current organization.
func (c *Client) SelectOrganization(id string) error {
	sess, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess.AccessToken == "" {
		return ErrSessionExpired
	}
	sess.OrganizationID = id
	if err := c.store.Save(sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// CurrentOrganization returns the selected organization id, if any.
func (c *Client) CurrentOrganization() (string, error) {
	sess, err := c.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	return sess.OrganizationID, nil
}

// ============================================================================
// Public Status
// ============================================================================

// PublicStatus fetches the public status page of an organization.
func (c *Client) PublicStatus(ctx context.Context, slug string) (*PublicStatus, error) {
	data, err := c.doRequest(ctx, c.rawClient, http.MethodGet, "/api/public/status/"+url.PathEscape(slug), nil, "")
	if err != nil {
		return nil, err
	}
	return decodeJSON[PublicStatus](data)
}

// PublicIncident fetches one incident with its full update log.
func (c *Client) PublicIncident(ctx context.Context, slug, incidentID string) (*IncidentDetail, error) {
	path := "/api/public/status/" + url.PathEscape(slug) + "/incidents/" + url.PathEscape(incidentID)
	data, err := c.doRequest(ctx, c.rawClient, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	return decodeJSON[IncidentDetail](data)
}

// Subscribe registers email for status notifications and returns the
// server's confirmation message.
func (c *Client) Subscribe(ctx context.Context, slug, email string) (string, error) {
	path := "/api/public/status/" + url.PathEscape(slug) + "/subscribe"
	data, err := c.doRequest(ctx, c.rawClient, http.MethodPost, path, map[string]string{"email": email}, "")
	if err != nil {
		return "", err
	}
	result, err := decodeJSON[messageResult](data)
	if err != nil {
		return "", err
	}
	return result.Message, nil
}
