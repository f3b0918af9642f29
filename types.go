package statuspage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for non-2xx responses from the status page API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api error: %d: %s", e.StatusCode, e.Message)
}

// ============================================================================
// Status Values
// ============================================================================

// ServiceStatus is the health of a single service.
type ServiceStatus string

const (
	StatusOperational   ServiceStatus = "operational"
	StatusMaintenance   ServiceStatus = "maintenance"
	StatusDegraded      ServiceStatus = "degraded"
	StatusPartialOutage ServiceStatus = "partial_outage"
	StatusMajorOutage   ServiceStatus = "major_outage"
)

// severity orders statuses for the overall status rollup.
func (s ServiceStatus) severity() int {
	switch s {
	case StatusMajorOutage:
		return 4
	case StatusPartialOutage:
		return 3
	case StatusDegraded:
		return 2
	case StatusMaintenance:
		return 1
	default:
		return 0
	}
}

// IncidentStatus is the lifecycle position of an incident or maintenance window.
type IncidentStatus string

const (
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentIdentified    IncidentStatus = "identified"
	IncidentMonitoring    IncidentStatus = "monitoring"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentScheduled     IncidentStatus = "scheduled"
	IncidentInProgress    IncidentStatus = "in_progress"
	IncidentCompleted     IncidentStatus = "completed"
)

// IsTerminal reports whether the incident no longer receives live updates.
func (s IncidentStatus) IsTerminal() bool {
	return s == IncidentResolved || s == IncidentCompleted
}

// ============================================================================
// Domain Types
// ============================================================================

// Organization is the tenant that owns services and incidents.
type Organization struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Slug        string `json:"slug,omitempty"`
	Description string `json:"description,omitempty"`
	Role        string `json:"role,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Service is one monitored component shown on a status page.
type Service struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Status       ServiceStatus `json:"status"`
	DisplayOrder int           `json:"display_order"`
	IsPublic     bool          `json:"is_public,omitempty"`
}

// IncidentUpdate is a timestamped status message posted on an incident.
type IncidentUpdate struct {
	ID        string         `json:"id,omitempty"`
	Status    IncidentStatus `json:"status,omitempty"`
	Message   string         `json:"message"`
	CreatedAt string         `json:"created_at"`
}

// Incident is an outage or maintenance window.
type Incident struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Status           IncidentStatus   `json:"status"`
	Impact           string           `json:"impact,omitempty"`
	Type             string           `json:"type,omitempty"`
	CreatedAt        string           `json:"created_at,omitempty"`
	ResolvedAt       string           `json:"resolved_at,omitempty"`
	ScheduledStart   string           `json:"scheduled_start,omitempty"`
	ScheduledEnd     string           `json:"scheduled_end,omitempty"`
	Duration         string           `json:"duration,omitempty"`
	LatestUpdate     *IncidentUpdate  `json:"latest_update,omitempty"`
	Updates          []IncidentUpdate `json:"updates,omitempty"`
	AffectedServices []string         `json:"affected_services,omitempty"`
}

// AffectedService is a service reference on an incident detail page.
type AffectedService struct {
	Name   string        `json:"name"`
	Status ServiceStatus `json:"status"`
}

// IncidentDetail is the public view of one incident with its full update log.
type IncidentDetail struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Description      string            `json:"description,omitempty"`
	Status           IncidentStatus    `json:"status"`
	Impact           string            `json:"impact,omitempty"`
	Type             string            `json:"type,omitempty"`
	ScheduledStart   string            `json:"scheduled_start,omitempty"`
	ScheduledEnd     string            `json:"scheduled_end,omitempty"`
	ResolvedAt       string            `json:"resolved_at,omitempty"`
	AffectedServices []AffectedService `json:"affected_services,omitempty"`
	Updates          []IncidentUpdate  `json:"updates"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at,omitempty"`
}

// ============================================================================
// Public Status Aggregate
// ============================================================================

// HistoryCap bounds PublicStatus.IncidentHistory.
const HistoryCap = 10

// PublicStatus is the read model behind a public status page. Values handed
// out by the Reconciler are never mutated afterwards; treat them as immutable.
type PublicStatus struct {
	Organization         Organization  `json:"organization"`
	OverallStatus        ServiceStatus `json:"overall_status"`
	Services             []Service     `json:"services"`
	ActiveIncidents      []Incident    `json:"active_incidents"`
	ScheduledMaintenance []Incident    `json:"scheduled_maintenance,omitempty"`
	IncidentHistory      []Incident    `json:"incident_history"`
	LastUpdated          time.Time     `json:"-"`
}

type publicStatusWire PublicStatus

func (p *PublicStatus) UnmarshalJSON(data []byte) error {
	aux := struct {
		*publicStatusWire
		LastUpdated string `json:"last_updated"`
	}{publicStatusWire: (*publicStatusWire)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.LastUpdated != "" {
		ts, err := parseTimestamp(aux.LastUpdated)
		if err != nil {
			return fmt.Errorf("last_updated: %w", err)
		}
		p.LastUpdated = ts
	}
	return nil
}

func (p PublicStatus) MarshalJSON() ([]byte, error) {
	aux := struct {
		publicStatusWire
		LastUpdated string `json:"last_updated,omitempty"`
	}{publicStatusWire: publicStatusWire(p)}
	if !p.LastUpdated.IsZero() {
		aux.LastUpdated = p.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(aux)
}

// Server timestamps come from Python's isoformat(), which omits the zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// ============================================================================
// Auth Types
// ============================================================================

// User is the authenticated account.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	IsSuperadmin bool   `json:"is_superadmin,omitempty"`
}

// LoginResult is returned by Client.Login.
type LoginResult struct {
	User          User           `json:"user"`
	Organizations []Organization `json:"organizations"`
	AccessToken   string         `json:"access_token"`
	RefreshToken  string         `json:"refresh_token"`
}

// MeResult is returned by Client.Me.
type MeResult struct {
	User          User           `json:"user"`
	Organizations []Organization `json:"organizations"`
}

type refreshResult struct {
	AccessToken string `json:"access_token"`
}

type messageResult struct {
	Message string `json:"message"`
	Email   string `json:"email,omitempty"`
}
