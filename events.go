package statuspage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind discriminates the Event union.
type EventKind string

const (
	// Lifecycle
	KindConnect         EventKind = "connect"
	KindDisconnect      EventKind = "disconnect"
	KindReconnecting    EventKind = "reconnecting"
	KindReconnectFailed EventKind = "reconnect_failed"
	KindError           EventKind = "error"

	// Room acknowledgements and heartbeat
	KindJoined       EventKind = "joined"
	KindLeft         EventKind = "left"
	KindJoinedPublic EventKind = "joined_public"
	KindLeftPublic   EventKind = "left_public"
	KindPong         EventKind = "pong"

	// Organization-scoped mutations
	KindServiceCreated       EventKind = "service_created"
	KindServiceStatusChanged EventKind = "service_status_changed"
	KindServiceDeleted       EventKind = "service_deleted"
	KindIncidentCreated      EventKind = "incident_created"
	KindIncidentUpdated      EventKind = "incident_updated"
	KindIncidentUpdateAdded  EventKind = "incident_update_added"
	KindIncidentDeleted      EventKind = "incident_deleted"

	// Public status page mirrors
	KindPublicServiceCreated       EventKind = "public_service_created"
	KindPublicServiceStatusChanged EventKind = "public_service_status_changed"
	KindPublicIncidentCreated      EventKind = "public_incident_created"
	KindPublicIncidentUpdated      EventKind = "public_incident_updated"
	KindPublicIncidentUpdateAdded  EventKind = "public_incident_update_added"
)

// Wire names the server uses for the handshake and goodbye frames.
const (
	wireConnected    = "connected"
	wireDisconnected = "disconnected"
)

// PublicKinds are the mutations delivered to a public status room.
var PublicKinds = []EventKind{
	KindPublicServiceCreated,
	KindPublicServiceStatusChanged,
	KindPublicIncidentCreated,
	KindPublicIncidentUpdated,
	KindPublicIncidentUpdateAdded,
}

// OrganizationKinds are the mutations delivered to an organization room.
var OrganizationKinds = []EventKind{
	KindServiceCreated,
	KindServiceStatusChanged,
	KindServiceDeleted,
	KindIncidentCreated,
	KindIncidentUpdated,
	KindIncidentUpdateAdded,
	KindIncidentDeleted,
}

// ============================================================================
// Event Union
// ============================================================================

// Event is one decoded realtime message. The set of implementations is closed;
// switch on the concrete type to handle each shape.
type Event interface {
	Kind() EventKind
	event()
}

// Connected is published once per successful (re)connect.
type Connected struct {
	Message string
	// Reconnect is true when the connection was re-established by the
	// reconnection policy rather than an explicit Connect call.
	Reconnect bool
}

// Disconnected is published whenever a live socket goes away.
type Disconnected struct {
	Reason      string
	Intentional bool
}

// Reconnecting is published before each reconnection attempt.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailed is published once the attempt cap is exhausted.
type ReconnectFailed struct {
	Attempts int
}

// ErrorEvent carries a server-side error frame or a frame the client could
// not decode. Malformed frames are discarded after publication.
type ErrorEvent struct {
	Message   string
	Malformed bool
	Type      string
	Err       error
}

// RoomAck acknowledges a join or leave.
type RoomAck struct {
	Ack     EventKind `json:"-"`
	Message string    `json:"message"`
	Room    string    `json:"room"`
}

// Pong answers a ping command.
type Pong struct {
	Timestamp string `json:"timestamp"`
}

// ServiceCreated reports a new (or re-published) service.
type ServiceCreated struct {
	Public         bool
	OrganizationID string
	Service        Service
}

// ServiceStatusChanged reports a status transition of one service.
type ServiceStatusChanged struct {
	Public         bool
	OrganizationID string
	ServiceID      string
	Name           string
	OldStatus      ServiceStatus
	Status         ServiceStatus
}

// ServiceDeleted reports a removed service.
type ServiceDeleted struct {
	OrganizationID string
	ServiceID      string
}

// IncidentCreated reports a newly opened incident.
type IncidentCreated struct {
	Public         bool
	OrganizationID string
	Incident       Incident
}

// IncidentUpdated carries the changed fields of an incident. Empty fields in
// Incident mean "unchanged".
type IncidentUpdated struct {
	Public         bool
	OrganizationID string
	Incident       Incident
	Changes        map[string]any
}

// IncidentUpdateAdded reports a new update message on an incident.
type IncidentUpdateAdded struct {
	Public         bool
	OrganizationID string
	IncidentID     string
	Update         IncidentUpdate
}

// IncidentDeleted reports a removed incident.
type IncidentDeleted struct {
	OrganizationID string
	IncidentID     string
}

func (Connected) Kind() EventKind       { return KindConnect }
func (Disconnected) Kind() EventKind    { return KindDisconnect }
func (Reconnecting) Kind() EventKind    { return KindReconnecting }
func (ReconnectFailed) Kind() EventKind { return KindReconnectFailed }
func (ErrorEvent) Kind() EventKind      { return KindError }
func (a RoomAck) Kind() EventKind       { return a.Ack }
func (Pong) Kind() EventKind            { return KindPong }
func (ServiceDeleted) Kind() EventKind  { return KindServiceDeleted }
func (IncidentDeleted) Kind() EventKind { return KindIncidentDeleted }

func (e ServiceCreated) Kind() EventKind {
	return pick(e.Public, KindPublicServiceCreated, KindServiceCreated)
}

func (e ServiceStatusChanged) Kind() EventKind {
	return pick(e.Public, KindPublicServiceStatusChanged, KindServiceStatusChanged)
}

func (e IncidentCreated) Kind() EventKind {
	return pick(e.Public, KindPublicIncidentCreated, KindIncidentCreated)
}

func (e IncidentUpdated) Kind() EventKind {
	return pick(e.Public, KindPublicIncidentUpdated, KindIncidentUpdated)
}

func (e IncidentUpdateAdded) Kind() EventKind {
	return pick(e.Public, KindPublicIncidentUpdateAdded, KindIncidentUpdateAdded)
}

func pick(public bool, pub, org EventKind) EventKind {
	if public {
		return pub
	}
	return org
}

func (Connected) event()            {}
func (Disconnected) event()         {}
func (Reconnecting) event()         {}
func (ReconnectFailed) event()      {}
func (ErrorEvent) event()           {}
func (RoomAck) event()              {}
func (Pong) event()                 {}
func (ServiceCreated) event()       {}
func (ServiceStatusChanged) event() {}
func (ServiceDeleted) event()       {}
func (IncidentCreated) event()      {}
func (IncidentUpdated) event()      {}
func (IncidentUpdateAdded) event()  {}
func (IncidentDeleted) event()      {}

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for every realtime frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server control message.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// ErrMalformedEvent is wrapped by DecodeEvent for frames that do not match the
// payload shape of their kind.
var ErrMalformedEvent = errors.New("malformed event")

type wireService struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Status       ServiceStatus `json:"status"`
	NewStatus    ServiceStatus `json:"new_status"`
	OldStatus    ServiceStatus `json:"old_status"`
	DisplayOrder int           `json:"display_order"`
}

type wireIncident struct {
	Incident
	Changes map[string]any `json:"changes,omitempty"`
}

type wirePayload struct {
	OrganizationID string          `json:"organization_id"`
	Message        string          `json:"message"`
	Service        *wireService    `json:"service"`
	ServiceID      string          `json:"service_id"`
	Incident       *wireIncident   `json:"incident"`
	IncidentID     string          `json:"incident_id"`
	Update         *IncidentUpdate `json:"update"`
}

// DecodeEvent translates one frame into its typed Event.
func DecodeEvent(env Envelope) (Event, error) {
	kind := EventKind(env.Type)
	switch env.Type {
	case wireConnected:
		kind = KindConnect
	case wireDisconnected:
		kind = KindDisconnect
	}

	var p wirePayload
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
	}

	switch kind {
	case KindConnect:
		return Connected{Message: p.Message}, nil
	case KindDisconnect:
		return Disconnected{Reason: p.Message}, nil
	case KindError:
		return ErrorEvent{Message: p.Message}, nil
	case KindJoined, KindLeft, KindJoinedPublic, KindLeftPublic:
		ack := RoomAck{Ack: kind}
		if err := json.Unmarshal(orEmpty(env.Payload), &ack); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return ack, nil
	case KindPong:
		var pong Pong
		if err := json.Unmarshal(orEmpty(env.Payload), &pong); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return pong, nil

	case KindServiceCreated, KindPublicServiceCreated:
		if p.Service == nil || p.Service.ID == "" {
			return nil, missing(env.Type, "service.id")
		}
		return ServiceCreated{
			Public:         kind == KindPublicServiceCreated,
			OrganizationID: p.OrganizationID,
			Service: Service{
				ID:           p.Service.ID,
				Name:         p.Service.Name,
				Description:  p.Service.Description,
				Status:       p.Service.Status,
				DisplayOrder: p.Service.DisplayOrder,
			},
		}, nil

	case KindServiceStatusChanged, KindPublicServiceStatusChanged:
		if p.Service == nil || p.Service.ID == "" {
			return nil, missing(env.Type, "service.id")
		}
		// The organization room names the new value new_status, the public
		// room names it status.
		status := p.Service.NewStatus
		if status == "" {
			status = p.Service.Status
		}
		if status == "" {
			return nil, missing(env.Type, "service.status")
		}
		return ServiceStatusChanged{
			Public:         kind == KindPublicServiceStatusChanged,
			OrganizationID: p.OrganizationID,
			ServiceID:      p.Service.ID,
			Name:           p.Service.Name,
			OldStatus:      p.Service.OldStatus,
			Status:         status,
		}, nil

	case KindServiceDeleted:
		if p.ServiceID == "" {
			return nil, missing(env.Type, "service_id")
		}
		return ServiceDeleted{OrganizationID: p.OrganizationID, ServiceID: p.ServiceID}, nil

	case KindIncidentCreated, KindPublicIncidentCreated:
		if p.Incident == nil || p.Incident.ID == "" {
			return nil, missing(env.Type, "incident.id")
		}
		return IncidentCreated{
			Public:         kind == KindPublicIncidentCreated,
			OrganizationID: p.OrganizationID,
			Incident:       p.Incident.Incident,
		}, nil

	case KindIncidentUpdated, KindPublicIncidentUpdated:
		if p.Incident == nil || p.Incident.ID == "" {
			return nil, missing(env.Type, "incident.id")
		}
		return IncidentUpdated{
			Public:         kind == KindPublicIncidentUpdated,
			OrganizationID: p.OrganizationID,
			Incident:       p.Incident.Incident,
			Changes:        p.Incident.Changes,
		}, nil

	case KindIncidentUpdateAdded, KindPublicIncidentUpdateAdded:
		if p.IncidentID == "" {
			return nil, missing(env.Type, "incident_id")
		}
		if p.Update == nil {
			return nil, missing(env.Type, "update")
		}
		return IncidentUpdateAdded{
			Public:         kind == KindPublicIncidentUpdateAdded,
			OrganizationID: p.OrganizationID,
			IncidentID:     p.IncidentID,
			Update:         *p.Update,
		}, nil

	case KindIncidentDeleted:
		if p.IncidentID == "" {
			return nil, missing(env.Type, "incident_id")
		}
		return IncidentDeleted{OrganizationID: p.OrganizationID, IncidentID: p.IncidentID}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
}

func missing(typ, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformedEvent, typ, field)
}

func orEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}
