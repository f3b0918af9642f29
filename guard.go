package statuspage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired is returned when credentials could not be renewed, or
// were rejected again right after a renewal. The caller must log in again.
var ErrSessionExpired = errors.New("session expired")

// RenewFunc exchanges a refresh token for a new access token.
type RenewFunc func(ctx context.Context, refreshToken string) (string, error)

// SessionGuardConfig configures a SessionGuard.
type SessionGuardConfig struct {
	Store SessionStore
	Renew RenewFunc
	// Base performs the actual round trip. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// IsExpired classifies a response as a credential expiry. Defaults to
	// 401 Unauthorized.
	IsExpired func(*http.Response) bool
	// OnSessionExpired runs once per failed renewal, after the store has
	// been cleared.
	OnSessionExpired func(error)
	Logger           *zap.Logger
	Metrics          *Metrics
}

func (c *SessionGuardConfig) defaults() {
	if c.Base == nil {
		c.Base = http.DefaultTransport
	}
	if c.IsExpired == nil {
		c.IsExpired = func(resp *http.Response) bool {
			return resp.StatusCode == http.StatusUnauthorized
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// SessionGuard is an http.RoundTripper that attaches the stored access token
// to every request and renews it when the server reports it expired.
//
// Concurrent expiries share one renewal. Each request is replayed at most
// once; a second expiry fails the call with ErrSessionExpired.
type SessionGuard struct {
	store     SessionStore
	renew     RenewFunc
	base      http.RoundTripper
	isExpired func(*http.Response) bool
	onExpired func(error)
	log       *zap.Logger
	metrics   *Metrics

	group singleflight.Group
}

// NewSessionGuard creates a guard. Store and Renew are required.
func NewSessionGuard(cfg SessionGuardConfig) *SessionGuard {
	cfg.defaults()
	return &SessionGuard{
		store:     cfg.Store,
		renew:     cfg.Renew,
		base:      cfg.Base,
		isExpired: cfg.IsExpired,
		onExpired: cfg.OnSessionExpired,
		log:       cfg.Logger.With(zap.String("component", "session_guard")),
		metrics:   cfg.Metrics,
	}
}

// RoundTrip implements http.RoundTripper.
func (g *SessionGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	sess, err := g.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	used := sess.AccessToken

	resp, err := g.send(req, body, used)
	if err != nil {
		return nil, err
	}
	if !g.isExpired(resp) {
		return resp, nil
	}
	discard(resp)

	fresh, err := g.renewFrom(req.Context(), used)
	if err != nil {
		return nil, err
	}

	resp, err = g.send(req, body, fresh)
	if err != nil {
		return nil, err
	}
	if g.isExpired(resp) {
		discard(resp)
		g.log.Warn("request rejected after renewal",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: replay rejected with status %d", ErrSessionExpired, resp.StatusCode)
	}
	return resp, nil
}

func (g *SessionGuard) send(orig *http.Request, body []byte, token string) (*http.Response, error) {
	req := orig.Clone(orig.Context())
	if body != nil {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Del("Authorization")
	}
	return g.base.RoundTrip(req)
}

// renewFrom returns an access token newer than used, renewing only when the
// store still holds used.
func (g *SessionGuard) renewFrom(ctx context.Context, used string) (string, error) {
	sess, err := g.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if sess.AccessToken != "" && sess.AccessToken != used {
		return sess.AccessToken, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan("renew", func() (any, error) {
		return g.renewShared(detached, used)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *SessionGuard) renewShared(ctx context.Context, used string) (string, error) {
	sess, err := g.store.Load()
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	// A renewal that finished between our expiry and this call already
	// rotated the token.
	if sess.AccessToken != "" && sess.AccessToken != used {
		return sess.AccessToken, nil
	}
	if sess.RefreshToken == "" {
		return "", g.expire(errors.New("no refresh token"))
	}

	fresh, err := g.renew(ctx, sess.RefreshToken)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusUnprocessableEntity) {
			return "", g.expire(err)
		}
		g.metrics.renewal("error")
		g.log.Warn("session renewal failed", zap.Error(err))
		return "", fmt.Errorf("failed to renew session: %w", err)
	}
	if fresh == "" {
		return "", g.expire(errors.New("empty access token"))
	}

	sess.AccessToken = fresh
	if err := g.store.Save(sess); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	g.metrics.renewal("success")

	if claims, err := TokenClaims(fresh); err == nil {
		g.log.Info("session renewed",
			zap.String("subject", claims.Subject),
			zap.Time("expires_at", claims.ExpiresAt))
	} else {
		g.log.Info("session renewed")
	}
	return fresh, nil
}

func (g *SessionGuard) expire(cause error) error {
	if err := g.store.Clear(); err != nil {
		g.log.Error("failed to clear session", zap.Error(err))
	}
	g.metrics.renewal("failure")
	g.log.Warn("session expired", zap.Error(cause))
	err := fmt.Errorf("%w: %w", ErrSessionExpired, cause)
	if g.onExpired != nil {
		g.onExpired(err)
	}
	return err
}

// bufferBody reads and closes the request body so it can be replayed.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
