package statuspage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/c0der-nb/status-page/internal/wstest"
)

const waitTimeout = 5 * time.Second

// ============================================================================
// Test Helpers
// ============================================================================

func collect(bus *Bus, kinds ...EventKind) <-chan Event {
	ch := make(chan Event, 512)
	for _, kind := range kinds {
		bus.Subscribe(kind, func(ev Event) { ch <- ev })
	}
	return ch
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.delays)
}

func newTestRealtime(t *testing.T, srv *wstest.Server, cfg *RealtimeConfig) (*Realtime, *Bus) {
	t.Helper()
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1
	}
	bus := NewBus()
	rt := NewRealtime(srv.URL(), bus, cfg)
	t.Cleanup(func() { rt.Disconnect() })
	return rt, bus
}

// ============================================================================
// Connect / Disconnect
// ============================================================================

func TestWebsocketURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://localhost:5000", "ws://localhost:5000/ws"},
		{"https://status.example.com/", "wss://status.example.com/ws"},
		{"https://status.example.com/api", "wss://status.example.com/ws"},
	}
	for _, tt := range tests {
		if got := websocketURL(tt.in); got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRealtimeConnectAnonymous(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	rt, bus := newTestRealtime(t, srv, nil)
	events := collect(bus, KindConnect)

	if err := rt.ConnectAnonymous(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, events).(Connected)
	if ev.Reconnect || ev.Message != "Connected to public status updates" {
		t.Fatalf("connected = %#v", ev)
	}
	if rt.State() != StateConnected || rt.Mode() != AuthAnonymous {
		t.Fatalf("state=%s mode=%s", rt.State(), rt.Mode())
	}
	if got := srv.AuthHeaders(); !reflect.DeepEqual(got, []string{""}) {
		t.Fatalf("auth headers = %q", got)
	}
}

func TestRealtimeConnectAuthenticated(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()

	t.Run("explicit token", func(t *testing.T) {
		rt, _ := newTestRealtime(t, srv, nil)
		if err := rt.ConnectAuthenticated(context.Background(), "tok-1"); err != nil {
			t.Fatal(err)
		}
		headers := srv.AuthHeaders()
		if headers[len(headers)-1] != "Bearer tok-1" {
			t.Fatalf("auth headers = %q", headers)
		}
		rt.Disconnect()
	})

	t.Run("token from store", func(t *testing.T) {
		store := NewMemorySessionStore(Session{AccessToken: "tok-2"})
		rt, _ := newTestRealtime(t, srv, &RealtimeConfig{Sessions: store})
		if err := rt.ConnectAuthenticated(context.Background(), ""); err != nil {
			t.Fatal(err)
		}
		headers := srv.AuthHeaders()
		if headers[len(headers)-1] != "Bearer tok-2" {
			t.Fatalf("auth headers = %q", headers)
		}
	})

	t.Run("no token", func(t *testing.T) {
		rt, _ := newTestRealtime(t, srv, &RealtimeConfig{Sessions: NewMemorySessionStore(Session{})})
		if err := rt.ConnectAuthenticated(context.Background(), ""); !errors.Is(err, ErrNoAccessToken) {
			t.Fatalf("err = %v, want ErrNoAccessToken", err)
		}
		if rt.State() != StateDisconnected {
			t.Fatalf("state = %s", rt.State())
		}
	})
}

func TestRealtimeConnectIsNoOpWhenActive(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	rt, _ := newTestRealtime(t, srv, nil)

	ctx := context.Background()
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	if err := rt.ConnectAuthenticated(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
	if rt.Mode() != AuthAnonymous {
		t.Fatalf("mode = %s", rt.Mode())
	}
}

func TestRealtimeRejectsUnexpectedGreeting(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	srv.SetGreeting("hello")
	rt, _ := newTestRealtime(t, srv, nil)

	if err := rt.ConnectAnonymous(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("state = %s", rt.State())
	}
}

func TestRealtimeDisconnect(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	rt, bus := newTestRealtime(t, srv, nil)
	events := collect(bus, KindDisconnect, KindReconnecting)

	if err := rt.ConnectAnonymous(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := rt.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := rt.Disconnect(); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, events).(Disconnected)
	if !ev.Intentional {
		t.Fatalf("disconnected = %#v", ev)
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("state = %s", rt.State())
	}
	if err := rt.Send(context.Background(), &Command{Type: "ping"}); err != ErrNotConnected {
		t.Fatalf("Send err = %v, want ErrNotConnected", err)
	}

	// Nothing else: no second disconnect, no reconnection.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	eventually(t, "server to drop the connection", func() bool { return srv.Connections() == 0 })
}

// ============================================================================
// Inbound Frames
// ============================================================================

func TestRealtimePublishesInArrivalOrder(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	rt, bus := newTestRealtime(t, srv, nil)
	rooms := NewRooms(rt, nil)
	defer rooms.Close()

	ctx := context.Background()
	acks := collect(bus, KindJoinedPublic)
	changes := collect(bus, KindPublicServiceStatusChanged)

	rooms.JoinPublicStatus(ctx, "acme")
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	if ack := nextEvent(t, acks).(RoomAck); ack.Room != "public_acme" {
		t.Fatalf("ack = %#v", ack)
	}

	const n = 50
	statuses := []string{"operational", "degraded", "partial_outage", "major_outage"}
	for i := 0; i < n; i++ {
		srv.Broadcast("public_acme", "public_service_status_changed", map[string]any{
			"service": map[string]any{"id": fmt.Sprintf("svc-%d", i), "status": statuses[i%len(statuses)]},
		})
	}
	for i := 0; i < n; i++ {
		ev := nextEvent(t, changes).(ServiceStatusChanged)
		if want := fmt.Sprintf("svc-%d", i); ev.ServiceID != want {
			t.Fatalf("event %d = %s, want %s", i, ev.ServiceID, want)
		}
	}
}

func TestRealtimeMalformedFrames(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	metrics := NewMetrics(prometheus.NewRegistry())
	rt, bus := newTestRealtime(t, srv, &RealtimeConfig{Metrics: metrics})
	errs := collect(bus, KindError)
	pongs := collect(bus, KindPong)

	ctx := context.Background()
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	srv.SendRaw([]byte("not json"))
	srv.SendRaw([]byte(`{"type":"public_service_created","payload":{"service":{}}}`))
	srv.SendAll("error", map[string]string{"message": "Organization slug required"})
	if err := rt.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if ev := nextEvent(t, errs).(ErrorEvent); !ev.Malformed || ev.Err == nil {
			t.Fatalf("error %d = %#v, want malformed", i, ev)
		}
	}
	if ev := nextEvent(t, errs).(ErrorEvent); ev.Malformed || ev.Message != "Organization slug required" {
		t.Fatalf("server error = %#v", ev)
	}
	if pong := nextEvent(t, pongs).(Pong); pong.Timestamp == "" {
		t.Fatalf("pong = %#v", pong)
	}
	if rt.State() != StateConnected {
		t.Fatalf("state = %s after malformed frames", rt.State())
	}
	if got := testutil.ToFloat64(metrics.MalformedFrames); got != 2 {
		t.Fatalf("malformed frames = %v, want 2", got)
	}
}

func TestRealtimeIgnoresLifecycleFrames(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	metrics := NewMetrics(prometheus.NewRegistry())
	rt, bus := newTestRealtime(t, srv, &RealtimeConfig{Metrics: metrics})
	lifecycle := collect(bus, KindConnect, KindDisconnect)
	errs := collect(bus, KindError)
	pongs := collect(bus, KindPong)

	ctx := context.Background()
	rooms := NewRooms(rt, nil)
	defer rooms.Close()
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, lifecycle)
	rooms.JoinPublicStatus(ctx, "acme")

	srv.SendAll("connected", map[string]string{"message": "Connected to public status updates"})
	srv.SendAll("disconnected", map[string]string{"message": "bye"})
	if err := rt.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, pongs)

	for _, typ := range []string{"connected", "disconnected"} {
		ev := nextEvent(t, errs).(ErrorEvent)
		if !ev.Malformed || ev.Type != typ || !errors.Is(ev.Err, ErrMalformedEvent) {
			t.Fatalf("error = %#v, want malformed %s", ev, typ)
		}
	}
	select {
	case ev := <-lifecycle:
		t.Fatalf("unexpected lifecycle event %#v", ev)
	default:
	}

	joins := 0
	for _, f := range srv.Commands() {
		if f.Type == "join_public_status" {
			joins++
		}
	}
	if joins != 1 {
		t.Fatalf("join_public_status sent %d times, want 1", joins)
	}
	if got := testutil.ToFloat64(metrics.MalformedFrames); got != 2 {
		t.Fatalf("malformed frames = %v, want 2", got)
	}
	if rt.State() != StateConnected {
		t.Fatalf("state = %s", rt.State())
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestRealtimeReconnectExhaustion(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	metrics := NewMetrics(prometheus.NewRegistry())
	rt, bus := newTestRealtime(t, srv, &RealtimeConfig{Metrics: metrics})
	rec := &sleepRecorder{}
	rt.sleep = rec.sleep

	lifecycle := collect(bus, KindDisconnect, KindReconnecting, KindReconnectFailed, KindConnect)

	if err := rt.ConnectAnonymous(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := nextEvent(t, lifecycle).(Connected); !ok {
		t.Fatal("expected connect first")
	}

	srv.Reject(true)
	srv.DropAll()

	if ev, ok := nextEvent(t, lifecycle).(Disconnected); !ok || ev.Intentional {
		t.Fatalf("expected unintentional disconnect, got %#v", ev)
	}
	for attempt := 1; attempt <= 5; attempt++ {
		ev, ok := nextEvent(t, lifecycle).(Reconnecting)
		if !ok || ev.Attempt != attempt || ev.Delay != time.Second {
			t.Fatalf("attempt %d: got %#v", attempt, ev)
		}
	}
	failed, ok := nextEvent(t, lifecycle).(ReconnectFailed)
	if !ok || failed.Attempts != 5 {
		t.Fatalf("got %#v, want ReconnectFailed{5}", failed)
	}

	if rt.State() != StateDisconnected {
		t.Fatalf("state = %s", rt.State())
	}
	want := []time.Duration{time.Second, time.Second, time.Second, time.Second, time.Second}
	if got := rec.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	if n := srv.Handshakes(); n != 6 {
		t.Fatalf("handshakes = %d, want 6", n)
	}
	if got := testutil.ToFloat64(metrics.Reconnects.WithLabelValues("failure")); got != 5 {
		t.Fatalf("failed attempts = %v, want 5", got)
	}
	if got := testutil.ToFloat64(metrics.Reconnects.WithLabelValues("exhausted")); got != 1 {
		t.Fatalf("exhausted = %v, want 1", got)
	}

	// A later Disconnect is a no-op and emits nothing.
	rt.Disconnect()
	select {
	case ev := <-lifecycle:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeReconnectRestoresRooms(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	store := NewMemorySessionStore(Session{AccessToken: "tok-1"})
	rt, bus := newTestRealtime(t, srv, &RealtimeConfig{Sessions: store})
	// Fail twice, then let the third attempt through.
	attempts := 0
	rt.sleep = func(ctx context.Context, d time.Duration) error {
		attempts++
		if attempts == 3 {
			srv.Reject(false)
		}
		return ctx.Err()
	}
	rooms := NewRooms(rt, nil)
	defer rooms.Close()

	ctx := context.Background()
	connects := collect(bus, KindConnect)
	rooms.JoinOrganization(ctx, "org-1")
	if err := rt.ConnectAuthenticated(ctx, ""); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, connects)
	eventually(t, "initial join", func() bool { return slices.Equal(srv.Rooms(), []string{"org_1"}) })

	// Renewed while the socket was up; the reconnect must use it.
	store.Save(Session{AccessToken: "tok-2"})

	srv.Reject(true)
	srv.DropAll()

	ev := nextEvent(t, connects).(Connected)
	if !ev.Reconnect {
		t.Fatalf("connected = %#v", ev)
	}
	joins := func() int {
		n := 0
		for _, f := range srv.Commands() {
			if f.Type == "join_organization" {
				n++
			}
		}
		return n
	}
	eventually(t, "rejoin after reconnect", func() bool { return joins() == 2 })
	if got := srv.Rooms(); !slices.Equal(got, []string{"org_1"}) {
		t.Fatalf("server rooms = %v", got)
	}
	if n := srv.Handshakes(); n != 4 {
		t.Fatalf("handshakes = %d, want 4", n)
	}

	headers := srv.AuthHeaders()
	if last := headers[len(headers)-1]; last != "Bearer tok-2" {
		t.Fatalf("reconnect used %q, want renewed token", last)
	}
	if rt.State() != StateConnected {
		t.Fatalf("state = %s", rt.State())
	}
}

func TestRealtimeDisconnectDuringReconnect(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	rt, bus := newTestRealtime(t, srv, nil)

	block := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	rt.sleep = func(ctx context.Context, d time.Duration) error {
		once.Do(func() { close(entered) })
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
			return nil
		}
	}
	failed := collect(bus, KindReconnectFailed)

	if err := rt.ConnectAnonymous(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.DropAll()

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("reconnect never started")
	}
	if rt.State() != StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", rt.State())
	}
	rt.Disconnect()

	if rt.State() != StateDisconnected {
		t.Fatalf("state = %s", rt.State())
	}
	select {
	case ev := <-failed:
		t.Fatalf("unexpected %#v after explicit disconnect", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if n := srv.Handshakes(); n != 1 {
		t.Fatalf("handshakes = %d, want 1", n)
	}
}

func TestRealtimeDisconnectWhenReadLoopEnds(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	rt, bus := newTestRealtime(t, srv, nil)
	rec := &sleepRecorder{}
	rt.sleep = rec.sleep

	// Disconnect lands after the read loop failed but before the loss is
	// handled.
	var once sync.Once
	rt.lost = func() { once.Do(func() { rt.Disconnect() }) }
	events := collect(bus, KindDisconnect, KindReconnecting, KindConnect)

	ctx := context.Background()
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, events)
	srv.DropAll()

	if ev, ok := nextEvent(t, events).(Disconnected); !ok || !ev.Intentional {
		t.Fatalf("got %#v, want the client disconnect", ev)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected %#v after disconnect", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if rt.State() != StateDisconnected {
		t.Fatalf("state = %s", rt.State())
	}
	if got := rec.recorded(); len(got) != 0 {
		t.Fatalf("reconnect delays = %v, want none", got)
	}

	// The client is reusable.
	if err := rt.ConnectAnonymous(ctx); err != nil {
		t.Fatal(err)
	}
	if ev, ok := nextEvent(t, events).(Connected); !ok || ev.Reconnect {
		t.Fatalf("got %#v, want a fresh connect", ev)
	}
	if n := srv.Handshakes(); n != 2 {
		t.Fatalf("handshakes = %d, want 2", n)
	}
}
