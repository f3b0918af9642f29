package statuspage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Realtime connection.
type RealtimeConfig struct {
	// MaxReconnectAttempts caps reconnection attempts per outage. Zero means
	// the default of 5; a negative value disables reconnection.
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed wait before each attempt.
	ReconnectDelay time.Duration
	// HeartbeatInterval is the websocket ping period. Negative disables it.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds one dial plus the server's greeting frame.
	HandshakeTimeout time.Duration
	// ReadLimit is the largest inbound frame accepted, in bytes.
	ReadLimit int64
	// Sessions supplies the access token for authenticated reconnects.
	Sessions   SessionStore
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// AuthMode is how a connection identifies itself.
type AuthMode string

const (
	AuthAnonymous     AuthMode = "anonymous"
	AuthAuthenticated AuthMode = "authenticated"
)

var (
	// ErrNotConnected is returned by Send when no socket is live.
	ErrNotConnected = errors.New("not connected")
	// ErrNoAccessToken is returned by ConnectAuthenticated when neither the
	// caller nor the session store has a token.
	ErrNoAccessToken = errors.New("no access token")
)

// ============================================================================
// Realtime
// ============================================================================

// Realtime owns one websocket to the status page server. Every inbound frame
// is decoded and published on the Bus from a single goroutine, so handlers
// observe frames in arrival order.
type Realtime struct {
	url    string
	bus    *Bus
	config *RealtimeConfig
	log    *zap.Logger
	sleep  func(context.Context, time.Duration) error
	// lost runs after a read loop ends, before the loss is handled. Tests only.
	lost func()

	mu               sync.Mutex
	state            RealtimeState
	mode             AuthMode
	token            string
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	intentionalClose bool
	policy           backoff.BackOff
}

// NewRealtime creates a disconnected client for the server at baseURL
// (http or https; the websocket endpoint is derived from it). cfg may be nil.
func NewRealtime(baseURL string, bus *Bus, cfg *RealtimeConfig) *Realtime {
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	cfg.defaults()
	return &Realtime{
		url:    websocketURL(baseURL),
		bus:    bus,
		config: cfg,
		log:    cfg.Logger.With(zap.String("component", "realtime")),
		sleep:  sleepContext,
		state:  StateDisconnected,
	}
}

func websocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/api") + "/ws"
}

// Bus returns the bus this connection publishes to.
func (rt *Realtime) Bus() *Bus {
	return rt.bus
}

// State returns the current connection state.
func (rt *Realtime) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// IsConnected reports whether a socket is live.
func (rt *Realtime) IsConnected() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state == StateConnected && rt.conn != nil
}

// Mode returns the auth mode of the current or last connection.
func (rt *Realtime) Mode() AuthMode {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.mode
}

// ConnectAuthenticated dials with token as a bearer credential. An empty
// token is read from the configured SessionStore. It is a no-op while a
// connection is connecting, connected or reconnecting.
func (rt *Realtime) ConnectAuthenticated(ctx context.Context, token string) error {
	if token == "" && rt.config.Sessions != nil {
		sess, err := rt.config.Sessions.Load()
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		token = sess.AccessToken
	}
	if token == "" {
		return ErrNoAccessToken
	}
	return rt.connect(ctx, AuthAuthenticated, token)
}

// ConnectAnonymous dials without credentials, for public status pages.
func (rt *Realtime) ConnectAnonymous(ctx context.Context) error {
	return rt.connect(ctx, AuthAnonymous, "")
}

func (rt *Realtime) connect(ctx context.Context, mode AuthMode, token string) error {
	rt.mu.Lock()
	if rt.state != StateDisconnected {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.mode = mode
	rt.token = token
	rt.intentionalClose = false
	// The connection outlives ctx, which only bounds the initial dial.
	lifeCtx, cancel := context.WithCancel(context.Background())
	rt.cancelFn = cancel
	rt.policy = rt.newPolicy(lifeCtx)
	rt.mu.Unlock()

	conn, hello, err := rt.dial(ctx, token)
	if err != nil {
		rt.mu.Lock()
		if rt.state == StateConnecting {
			rt.state = StateDisconnected
			rt.cancelFn = nil
		}
		rt.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to connect: %w", err)
	}
	if !rt.attach(lifeCtx, conn) {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("failed to connect: %w", context.Canceled)
	}

	rt.log.Info("connected", zap.String("mode", string(mode)))
	rt.bus.Publish(hello)
	go rt.run(lifeCtx, conn)
	return nil
}

func (rt *Realtime) newPolicy(ctx context.Context) backoff.BackOff {
	if rt.config.MaxReconnectAttempts < 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(rt.config.ReconnectDelay),
			uint64(rt.config.MaxReconnectAttempts),
		),
		ctx,
	)
}

// dial opens a socket and consumes the server's "connected" greeting.
func (rt *Realtime) dial(ctx context.Context, token string) (*websocket.Conn, Connected, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: rt.config.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(dialCtx, rt.url, opts)
	if err != nil {
		return nil, Connected{}, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(rt.config.ReadLimit)

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, Connected{}, fmt.Errorf("read greeting: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != wireConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, Connected{}, fmt.Errorf("expected %q, got %q", wireConnected, env.Type)
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, Connected{}, err
	}
	return conn, ev.(Connected), nil
}

// attach installs conn as the live socket unless the lifecycle has ended.
func (rt *Realtime) attach(lifeCtx context.Context, conn *websocket.Conn) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if lifeCtx.Err() != nil || rt.intentionalClose {
		return false
	}
	rt.conn = conn
	rt.state = StateConnected
	return true
}

// Disconnect tears the connection down and stops reconnection. It is safe to
// call at any time and more than once.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	if rt.state == StateDisconnected && rt.cancelFn == nil {
		rt.mu.Unlock()
		return nil
	}
	rt.intentionalClose = true
	cancel := rt.cancelFn
	rt.cancelFn = nil
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	// Close before cancelling so the server sees a normal closure rather
	// than a dropped read.
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			rt.log.Debug("close handshake incomplete", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	rt.log.Info("disconnected by client")
	rt.bus.Publish(Disconnected{Reason: "client disconnect", Intentional: true})
	return nil
}

// Send writes one control command.
func (rt *Realtime) Send(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Type, err)
	}
	return nil
}

// Ping sends the application-level ping. The answer arrives as a Pong event.
func (rt *Realtime) Ping(ctx context.Context) error {
	return rt.Send(ctx, &Command{Type: "ping"})
}

// ============================================================================
// Read Loop and Reconnection
// ============================================================================

// run owns the socket for one lifecycle: read until the socket fails, then
// reconnect, until Disconnect or the attempt cap.
func (rt *Realtime) run(ctx context.Context, conn *websocket.Conn) {
	for conn != nil {
		connCtx, stopHeartbeat := context.WithCancel(ctx)
		if rt.config.HeartbeatInterval > 0 {
			go rt.heartbeatLoop(connCtx, conn)
		}
		err := rt.readLoop(ctx, conn)
		stopHeartbeat()
		if rt.lost != nil {
			rt.lost()
		}

		// Checked under the same lock as the transition, so a concurrent
		// Disconnect either wins outright or sees StateReconnecting.
		rt.mu.Lock()
		if rt.intentionalClose || ctx.Err() != nil {
			rt.mu.Unlock()
			return
		}
		if rt.conn == conn {
			rt.conn = nil
		}
		rt.state = StateReconnecting
		rt.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "")

		rt.log.Warn("connection lost", zap.Error(err))
		rt.bus.Publish(Disconnected{Reason: err.Error()})

		conn = rt.reconnect(ctx)
	}
}

func (rt *Realtime) closing(ctx context.Context) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.intentionalClose || ctx.Err() != nil
}

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			rt.malformed("", err)
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			rt.malformed(env.Type, err)
			continue
		}
		// Connect and disconnect are raised by this client, never by a
		// frame on a live socket.
		switch ev.Kind() {
		case KindConnect, KindDisconnect:
			rt.malformed(env.Type, fmt.Errorf("%w: %s after handshake", ErrMalformedEvent, env.Type))
			continue
		}
		rt.bus.Publish(ev)
	}
}

func (rt *Realtime) malformed(typ string, err error) {
	rt.config.Metrics.malformed()
	rt.log.Debug("discarding malformed frame", zap.String("type", typ), zap.Error(err))
	rt.bus.Publish(ErrorEvent{Message: err.Error(), Malformed: true, Type: typ, Err: err})
}

func (rt *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, rt.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				rt.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect runs the retry policy. It returns the new socket, or nil when
// the policy is exhausted or the lifecycle ended.
func (rt *Realtime) reconnect(ctx context.Context) *websocket.Conn {
	rt.mu.Lock()
	policy := rt.policy
	rt.mu.Unlock()

	attempt := 0
	for {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		attempt++

		rt.bus.Publish(Reconnecting{Attempt: attempt, Delay: delay})
		if err := rt.sleep(ctx, delay); err != nil {
			return nil
		}
		if rt.closing(ctx) {
			return nil
		}

		conn, hello, err := rt.dial(ctx, rt.reconnectToken())
		if err != nil {
			rt.config.Metrics.reconnect("failure")
			rt.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !rt.attach(ctx, conn) {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil
		}

		policy.Reset()
		rt.config.Metrics.reconnect("success")
		rt.log.Info("reconnected", zap.Int("attempt", attempt))
		hello.Reconnect = true
		rt.bus.Publish(hello)
		return conn
	}

	rt.mu.Lock()
	if rt.intentionalClose || ctx.Err() != nil {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateDisconnected
	cancel := rt.cancelFn
	rt.cancelFn = nil
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	rt.config.Metrics.reconnect("exhausted")
	rt.log.Error("giving up reconnecting", zap.Int("attempts", attempt))
	rt.bus.Publish(ReconnectFailed{Attempts: attempt})
	return nil
}

// reconnectToken prefers the stored access token, which the session guard
// may have renewed since the first dial.
func (rt *Realtime) reconnectToken() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.mode != AuthAuthenticated {
		return ""
	}
	if rt.config.Sessions != nil {
		if sess, err := rt.config.Sessions.Load(); err == nil && sess.AccessToken != "" {
			rt.token = sess.AccessToken
		}
	}
	return rt.token
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
