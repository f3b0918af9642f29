package statuspage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// RoomKind scopes a room.
type RoomKind string

const (
	RoomOrganization RoomKind = "organization"
	RoomPublicStatus RoomKind = "public_status"
)

// Room is a server-side broadcast group. ID is the organization id for
// organization rooms and the organization slug for public status rooms.
type Room struct {
	Kind RoomKind
	ID   string
}

func (r Room) String() string {
	if r.Kind == RoomPublicStatus {
		return "public_" + r.ID
	}
	return "org_" + r.ID
}

// OrganizationRoom names the room of one organization.
func OrganizationRoom(id string) Room { return Room{Kind: RoomOrganization, ID: id} }

// PublicStatusRoom names the public room of one status page.
func PublicStatusRoom(slug string) Room { return Room{Kind: RoomPublicStatus, ID: slug} }

func (r Room) joinCommand() *Command {
	if r.Kind == RoomPublicStatus {
		return &Command{Type: "join_public_status", Payload: map[string]string{"org_slug": r.ID}}
	}
	return &Command{Type: "join_organization", Payload: map[string]string{"organization_id": r.ID}}
}

func (r Room) leaveCommand() *Command {
	if r.Kind == RoomPublicStatus {
		return &Command{Type: "leave_public_status", Payload: map[string]string{"org_slug": r.ID}}
	}
	return &Command{Type: "leave_organization", Payload: map[string]string{"organization_id": r.ID}}
}

// commandSender is the part of Realtime that Rooms needs.
type commandSender interface {
	Send(ctx context.Context, cmd *Command) error
	IsConnected() bool
}

// ============================================================================
// Rooms
// ============================================================================

// Rooms tracks the set of rooms this client wants to be in and keeps the
// server in step: membership changes are sent while connected, and the whole
// set is re-joined after every (re)connect.
type Rooms struct {
	mu     sync.Mutex
	sender commandSender
	rooms  map[Room]struct{}
	// synced is set once the current socket has been sent the whole set.
	// Until then membership changes wait for the rejoin.
	synced bool
	subs   []*Subscription
	log    *zap.Logger
}

// NewRooms creates an empty room set for rt and subscribes to its connect
// events. log may be nil.
func NewRooms(rt *Realtime, log *zap.Logger) *Rooms {
	return newRooms(rt, rt.Bus(), log)
}

func newRooms(sender commandSender, bus *Bus, log *zap.Logger) *Rooms {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Rooms{
		sender: sender,
		rooms:  make(map[Room]struct{}),
		synced: sender.IsConnected(),
		log:    log.With(zap.String("component", "rooms")),
	}
	r.subs = []*Subscription{
		On(bus, KindConnect, func(Connected) { r.rejoin() }),
		On(bus, KindDisconnect, func(Disconnected) { r.unsync() }),
	}
	return r
}

// Join adds room to the set. The join is sent right away only when a socket
// is live, its rejoin has run, and the room was not already a member.
func (r *Rooms) Join(ctx context.Context, room Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; ok {
		return nil
	}
	r.rooms[room] = struct{}{}
	if !r.live() {
		return nil
	}
	return r.send(ctx, room.joinCommand())
}

// Leave removes room from the set, notifying the server when connected.
func (r *Rooms) Leave(ctx context.Context, room Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; !ok {
		return nil
	}
	delete(r.rooms, room)
	if !r.live() {
		return nil
	}
	return r.send(ctx, room.leaveCommand())
}

func (r *Rooms) JoinOrganization(ctx context.Context, id string) error {
	return r.Join(ctx, OrganizationRoom(id))
}

func (r *Rooms) LeaveOrganization(ctx context.Context, id string) error {
	return r.Leave(ctx, OrganizationRoom(id))
}

func (r *Rooms) JoinPublicStatus(ctx context.Context, slug string) error {
	return r.Join(ctx, PublicStatusRoom(slug))
}

func (r *Rooms) LeavePublicStatus(ctx context.Context, slug string) error {
	return r.Leave(ctx, PublicStatusRoom(slug))
}

// SwitchOrganization leaves every organization room other than id and joins
// id.
func (r *Rooms) SwitchOrganization(ctx context.Context, id string) error {
	var errs []error
	for _, room := range r.Rooms() {
		if room.Kind == RoomOrganization && room.ID != id {
			if err := r.Leave(ctx, room); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := r.JoinOrganization(ctx, id); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Rooms returns the current set, sorted.
func (r *Rooms) Rooms() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted()
}

func (r *Rooms) sorted() []Room {
	out := make([]Room, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	slices.SortFunc(out, func(a, b Room) int {
		if a.Kind != b.Kind {
			if a.Kind < b.Kind {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Has reports whether room is in the set.
func (r *Rooms) Has(room Room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room]
	return ok
}

// Close stops re-joining on reconnect. The set itself is kept.
func (r *Rooms) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}

// live is called with r.mu held.
func (r *Rooms) live() bool {
	return r.synced && r.sender.IsConnected()
}

func (r *Rooms) unsync() {
	r.mu.Lock()
	r.synced = false
	r.mu.Unlock()
}

func (r *Rooms) rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.synced = true
	rooms := r.sorted()
	if len(rooms) == 0 {
		return
	}
	for _, room := range rooms {
		if err := r.send(context.Background(), room.joinCommand()); err != nil {
			r.log.Warn("failed to rejoin room", zap.Stringer("room", room), zap.Error(err))
			return
		}
	}
	r.log.Debug("rejoined rooms", zap.Int("count", len(rooms)))
}

// send is called with r.mu held so commands leave in membership order.
func (r *Rooms) send(ctx context.Context, cmd *Command) error {
	if err := r.sender.Send(ctx, cmd); err != nil {
		return fmt.Errorf("room %s: %w", cmd.Type, err)
	}
	return nil
}
