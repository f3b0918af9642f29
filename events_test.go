package statuspage

import (
	"encoding/json"
	"errors"
	"testing"
)

func decode(t *testing.T, raw string) (Event, error) {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("bad test frame: %v", err)
	}
	return DecodeEvent(env)
}

func TestDecodeEvent(t *testing.T) {
	t.Run("handshake maps to connect", func(t *testing.T) {
		ev, err := decode(t, `{"type":"connected","payload":{"message":"Connected to status updates"}}`)
		if err != nil {
			t.Fatal(err)
		}
		c, ok := ev.(Connected)
		if !ok || c.Kind() != KindConnect || c.Message != "Connected to status updates" {
			t.Fatalf("got %#v", ev)
		}
	})

	t.Run("organization status change uses new_status", func(t *testing.T) {
		ev, err := decode(t, `{"type":"service_status_changed","payload":{
			"organization_id":"org-1",
			"service":{"id":"svc-1","name":"API","old_status":"operational","new_status":"major_outage"}}}`)
		if err != nil {
			t.Fatal(err)
		}
		sc := ev.(ServiceStatusChanged)
		if sc.Public || sc.ServiceID != "svc-1" || sc.OldStatus != StatusOperational || sc.Status != StatusMajorOutage {
			t.Fatalf("got %#v", sc)
		}
		if sc.Kind() != KindServiceStatusChanged {
			t.Fatalf("kind = %s", sc.Kind())
		}
	})

	t.Run("public status change uses status", func(t *testing.T) {
		ev, err := decode(t, `{"type":"public_service_status_changed","payload":{
			"service":{"id":"svc-1","name":"API","status":"degraded"}}}`)
		if err != nil {
			t.Fatal(err)
		}
		sc := ev.(ServiceStatusChanged)
		if !sc.Public || sc.Status != StatusDegraded || sc.Kind() != KindPublicServiceStatusChanged {
			t.Fatalf("got %#v", sc)
		}
	})

	t.Run("incident update added", func(t *testing.T) {
		ev, err := decode(t, `{"type":"incident_update_added","payload":{
			"organization_id":"org-1","incident_id":"inc-1",
			"update":{"id":"u-1","status":"identified","message":"Found it","created_at":"2024-05-01T10:00:00"}}}`)
		if err != nil {
			t.Fatal(err)
		}
		ua := ev.(IncidentUpdateAdded)
		if ua.IncidentID != "inc-1" || ua.Update.ID != "u-1" || ua.Update.Status != IncidentIdentified {
			t.Fatalf("got %#v", ua)
		}
	})

	t.Run("incident updated keeps changes", func(t *testing.T) {
		ev, err := decode(t, `{"type":"incident_updated","payload":{
			"incident":{"id":"inc-1","status":"resolved","changes":{"status":{"old":"monitoring","new":"resolved"}}}}}`)
		if err != nil {
			t.Fatal(err)
		}
		iu := ev.(IncidentUpdated)
		if iu.Incident.Status != IncidentResolved {
			t.Fatalf("status = %s", iu.Incident.Status)
		}
		if _, ok := iu.Changes["status"]; !ok {
			t.Fatalf("changes = %v", iu.Changes)
		}
	})

	t.Run("room acks", func(t *testing.T) {
		ev, err := decode(t, `{"type":"joined_public","payload":{"message":"ok","room":"public_acme"}}`)
		if err != nil {
			t.Fatal(err)
		}
		ack := ev.(RoomAck)
		if ack.Kind() != KindJoinedPublic || ack.Room != "public_acme" {
			t.Fatalf("got %#v", ack)
		}
	})

	t.Run("server error", func(t *testing.T) {
		ev, err := decode(t, `{"type":"error","payload":{"message":"Organization ID required"}}`)
		if err != nil {
			t.Fatal(err)
		}
		if e := ev.(ErrorEvent); e.Malformed || e.Message != "Organization ID required" {
			t.Fatalf("got %#v", e)
		}
	})
}

func TestDecodeEventMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type":"service_exploded","payload":{}}`},
		{"service without id", `{"type":"service_created","payload":{"service":{"name":"API"}}}`},
		{"status change without status", `{"type":"service_status_changed","payload":{"service":{"id":"s"}}}`},
		{"incident without id", `{"type":"public_incident_created","payload":{"incident":{"title":"x"}}}`},
		{"update without incident id", `{"type":"incident_update_added","payload":{"update":{"message":"m"}}}`},
		{"update without body", `{"type":"incident_update_added","payload":{"incident_id":"i"}}`},
		{"payload wrong shape", `{"type":"service_created","payload":[1,2,3]}`},
		{"deleted without id", `{"type":"incident_deleted","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decode(t, tt.raw)
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("err = %v, want ErrMalformedEvent", err)
			}
			if ev != nil {
				t.Fatalf("event = %#v, want nil", ev)
			}
		})
	}
}
