package statuspage

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []Command
	err       error
}

func (f *fakeSender) Send(_ context.Context, cmd *Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, *cmd)
	return nil
}

func (f *fakeSender) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, c := range f.sent {
		out = append(out, c.Type)
	}
	return out
}

func TestRoomsJoinLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("sends while connected", func(t *testing.T) {
		sender := &fakeSender{connected: true}
		rooms := newRooms(sender, NewBus(), nil)

		if err := rooms.JoinOrganization(ctx, "org-1"); err != nil {
			t.Fatal(err)
		}
		if err := rooms.JoinPublicStatus(ctx, "acme"); err != nil {
			t.Fatal(err)
		}
		if err := rooms.LeaveOrganization(ctx, "org-1"); err != nil {
			t.Fatal(err)
		}

		want := []string{"join_organization", "join_public_status", "leave_organization"}
		if got := sender.types(); !reflect.DeepEqual(got, want) {
			t.Fatalf("sent %v, want %v", got, want)
		}
		if got := sender.sent[0].Payload; !reflect.DeepEqual(got, map[string]string{"organization_id": "org-1"}) {
			t.Fatalf("payload = %#v", got)
		}
		if got := sender.sent[1].Payload; !reflect.DeepEqual(got, map[string]string{"org_slug": "acme"}) {
			t.Fatalf("payload = %#v", got)
		}
		if got := rooms.Rooms(); !reflect.DeepEqual(got, []Room{PublicStatusRoom("acme")}) {
			t.Fatalf("rooms = %v", got)
		}
	})

	t.Run("repeated join sends nothing", func(t *testing.T) {
		sender := &fakeSender{connected: true}
		rooms := newRooms(sender, NewBus(), nil)
		rooms.JoinOrganization(ctx, "org-1")
		rooms.JoinOrganization(ctx, "org-1")
		rooms.LeavePublicStatus(ctx, "never-joined")
		if got := sender.types(); !reflect.DeepEqual(got, []string{"join_organization"}) {
			t.Fatalf("sent %v", got)
		}
	})

	t.Run("disconnected changes are recorded only", func(t *testing.T) {
		sender := &fakeSender{}
		rooms := newRooms(sender, NewBus(), nil)
		rooms.JoinOrganization(ctx, "org-1")
		rooms.JoinOrganization(ctx, "org-2")
		rooms.LeaveOrganization(ctx, "org-2")
		if len(sender.types()) != 0 {
			t.Fatalf("sent %v while disconnected", sender.types())
		}
		if !rooms.Has(OrganizationRoom("org-1")) || rooms.Has(OrganizationRoom("org-2")) {
			t.Fatalf("rooms = %v", rooms.Rooms())
		}
	})

	t.Run("send error keeps membership", func(t *testing.T) {
		sender := &fakeSender{connected: true, err: errors.New("boom")}
		rooms := newRooms(sender, NewBus(), nil)
		if err := rooms.JoinOrganization(ctx, "org-1"); err == nil {
			t.Fatal("expected error")
		}
		if !rooms.Has(OrganizationRoom("org-1")) {
			t.Fatal("room dropped after send error")
		}
	})
}

func TestRoomsRejoinOnConnect(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sender := &fakeSender{}
	rooms := newRooms(sender, bus, nil)

	rooms.JoinPublicStatus(ctx, "acme")
	rooms.JoinOrganization(ctx, "org-1")

	sender.connected = true
	bus.Publish(Connected{})
	bus.Publish(Connected{Reconnect: true})

	want := []string{"join_organization", "join_public_status", "join_organization", "join_public_status"}
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}

	rooms.Close()
	bus.Publish(Connected{Reconnect: true})
	if got := len(sender.types()); got != 4 {
		t.Fatalf("sent %d commands after Close, want 4", got)
	}
}

func TestRoomsJoinBeforeRejoin(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sender := &fakeSender{}
	rooms := newRooms(sender, bus, nil)
	rooms.JoinOrganization(ctx, "org-1")

	// The socket is attached but the connect event has not been published.
	sender.mu.Lock()
	sender.connected = true
	sender.mu.Unlock()
	if err := rooms.JoinPublicStatus(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if got := sender.types(); len(got) != 0 {
		t.Fatalf("sent %v before the rejoin", got)
	}

	bus.Publish(Connected{})
	want := []string{"join_organization", "join_public_status"}
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}

	// Once synced, changes go out directly.
	rooms.LeavePublicStatus(ctx, "acme")
	want = append(want, "leave_public_status")
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}

	// A lost socket defers changes to the next rejoin again.
	bus.Publish(Disconnected{Reason: "read: EOF"})
	rooms.JoinOrganization(ctx, "org-2")
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v after disconnect, want %v", got, want)
	}
	bus.Publish(Connected{Reconnect: true})
	want = append(want, "join_organization", "join_organization")
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
}

func TestRoomsSwitchOrganization(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{connected: true}
	rooms := newRooms(sender, NewBus(), nil)
	rooms.JoinOrganization(ctx, "org-1")
	rooms.JoinPublicStatus(ctx, "acme")

	if err := rooms.SwitchOrganization(ctx, "org-2"); err != nil {
		t.Fatal(err)
	}

	want := []Room{OrganizationRoom("org-2"), PublicStatusRoom("acme")}
	if got := rooms.Rooms(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rooms = %v, want %v", got, want)
	}
	wantSent := []string{"join_organization", "join_public_status", "leave_organization", "join_organization"}
	if got := sender.types(); !reflect.DeepEqual(got, wantSent) {
		t.Fatalf("sent %v, want %v", got, wantSent)
	}
}

func TestRoomString(t *testing.T) {
	if got := OrganizationRoom("1").String(); got != "org_1" {
		t.Fatalf("got %s", got)
	}
	if got := PublicStatusRoom("acme").String(); got != "public_acme" {
		t.Fatalf("got %s", got)
	}
}
