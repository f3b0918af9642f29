package statuspage

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Merge Rules
// ============================================================================

// Apply folds one event into a status snapshot and returns the next snapshot.
// It never mutates prev: changed lists are copied, unchanged lists are shared.
// The bool result is false when the event left the model untouched (unknown
// ids, duplicates, kinds that carry no mutation); prev is returned as is.
func Apply(prev PublicStatus, ev Event, now time.Time) (PublicStatus, bool) {
	next := prev
	var ok bool

	switch e := ev.(type) {
	case ServiceCreated:
		next.Services, ok = upsertService(prev.Services, e.Service)
	case ServiceStatusChanged:
		next.Services, ok = setServiceStatus(prev.Services, e.ServiceID, e.Status)
	case ServiceDeleted:
		next.Services, ok = removeService(prev.Services, e.ServiceID)
	case IncidentCreated:
		ok = createIncident(&next, e.Incident)
	case IncidentUpdated:
		ok = updateIncident(&next, e.Incident)
	case IncidentUpdateAdded:
		next.ActiveIncidents, ok = addIncidentUpdate(prev.ActiveIncidents, e.IncidentID, e.Update)
	case IncidentDeleted:
		ok = deleteIncident(&next, e.IncidentID)
	default:
		return prev, false
	}
	if !ok {
		return prev, false
	}

	switch ev.(type) {
	case ServiceCreated, ServiceStatusChanged, ServiceDeleted:
		next.OverallStatus = OverallStatus(next.Services)
	}
	next.LastUpdated = now
	return next, true
}

// OverallStatus rolls service statuses up to the page headline:
// major_outage > partial_outage > degraded > maintenance > operational.
func OverallStatus(services []Service) ServiceStatus {
	overall := StatusOperational
	for _, s := range services {
		if s.Status.severity() > overall.severity() {
			overall = s.Status
		}
	}
	return overall
}

func upsertService(services []Service, svc Service) ([]Service, bool) {
	i := slices.IndexFunc(services, func(s Service) bool { return s.ID == svc.ID })
	if i >= 0 && services[i] == svc {
		return services, false
	}
	out := slices.Clone(services)
	if i >= 0 {
		out[i] = svc
	} else {
		out = append(out, svc)
	}
	slices.SortStableFunc(out, func(a, b Service) int { return a.DisplayOrder - b.DisplayOrder })
	return out, true
}

func setServiceStatus(services []Service, id string, status ServiceStatus) ([]Service, bool) {
	i := slices.IndexFunc(services, func(s Service) bool { return s.ID == id })
	if i < 0 || services[i].Status == status {
		return services, false
	}
	out := slices.Clone(services)
	out[i].Status = status
	return out, true
}

func removeService(services []Service, id string) ([]Service, bool) {
	i := slices.IndexFunc(services, func(s Service) bool { return s.ID == id })
	if i < 0 {
		return services, false
	}
	return slices.Delete(slices.Clone(services), i, i+1), true
}

func createIncident(next *PublicStatus, inc Incident) bool {
	if indexIncident(next.ActiveIncidents, inc.ID) >= 0 ||
		indexIncident(next.IncidentHistory, inc.ID) >= 0 ||
		indexIncident(next.ScheduledMaintenance, inc.ID) >= 0 {
		return false
	}
	if inc.Status.IsTerminal() {
		next.IncidentHistory = prependCapped(next.IncidentHistory, inc)
		return true
	}
	next.ActiveIncidents = prependIncident(next.ActiveIncidents, inc)
	return true
}

func updateIncident(next *PublicStatus, patch Incident) bool {
	if i := indexIncident(next.ActiveIncidents, patch.ID); i >= 0 {
		merged := mergeIncident(next.ActiveIncidents[i], patch)
		if merged.Status.IsTerminal() {
			next.ActiveIncidents = removeIncidentAt(next.ActiveIncidents, i)
			next.IncidentHistory = prependHistory(next.IncidentHistory, merged)
			return true
		}
		next.ActiveIncidents = replaceIncidentAt(next.ActiveIncidents, i, merged)
		return true
	}

	if i := indexIncident(next.ScheduledMaintenance, patch.ID); i >= 0 {
		merged := mergeIncident(next.ScheduledMaintenance[i], patch)
		if merged.Status.IsTerminal() {
			next.ScheduledMaintenance = removeIncidentAt(next.ScheduledMaintenance, i)
			next.IncidentHistory = prependHistory(next.IncidentHistory, merged)
			return true
		}
		next.ScheduledMaintenance = replaceIncidentAt(next.ScheduledMaintenance, i, merged)
		return true
	}

	// History is append-only; an incident that is only there, or nowhere,
	// is not touched.
	return false
}

func addIncidentUpdate(active []Incident, incidentID string, update IncidentUpdate) ([]Incident, bool) {
	i := indexIncident(active, incidentID)
	if i < 0 {
		return active, false
	}
	inc := active[i]
	if update.ID != "" && slices.ContainsFunc(inc.Updates, func(u IncidentUpdate) bool { return u.ID == update.ID }) {
		return active, false
	}
	updates := make([]IncidentUpdate, 0, len(inc.Updates)+1)
	updates = append(updates, update)
	updates = append(updates, inc.Updates...)
	inc.Updates = updates
	latest := update
	inc.LatestUpdate = &latest
	return replaceIncidentAt(active, i, inc), true
}

func deleteIncident(next *PublicStatus, id string) bool {
	removed := false
	if i := indexIncident(next.ActiveIncidents, id); i >= 0 {
		next.ActiveIncidents = removeIncidentAt(next.ActiveIncidents, i)
		removed = true
	}
	if i := indexIncident(next.IncidentHistory, id); i >= 0 {
		next.IncidentHistory = removeIncidentAt(next.IncidentHistory, i)
		removed = true
	}
	if i := indexIncident(next.ScheduledMaintenance, id); i >= 0 {
		next.ScheduledMaintenance = removeIncidentAt(next.ScheduledMaintenance, i)
		removed = true
	}
	return removed
}

// mergeIncident overlays the non-empty fields of patch onto base.
func mergeIncident(base, patch Incident) Incident {
	out := base
	if patch.Title != "" {
		out.Title = patch.Title
	}
	if patch.Description != "" {
		out.Description = patch.Description
	}
	if patch.Status != "" {
		out.Status = patch.Status
	}
	if patch.Impact != "" {
		out.Impact = patch.Impact
	}
	if patch.Type != "" {
		out.Type = patch.Type
	}
	if patch.CreatedAt != "" && out.CreatedAt == "" {
		out.CreatedAt = patch.CreatedAt
	}
	if patch.ResolvedAt != "" {
		out.ResolvedAt = patch.ResolvedAt
	}
	if patch.ScheduledStart != "" {
		out.ScheduledStart = patch.ScheduledStart
	}
	if patch.ScheduledEnd != "" {
		out.ScheduledEnd = patch.ScheduledEnd
	}
	if patch.Duration != "" {
		out.Duration = patch.Duration
	}
	if patch.LatestUpdate != nil {
		latest := *patch.LatestUpdate
		out.LatestUpdate = &latest
	}
	if patch.AffectedServices != nil {
		out.AffectedServices = slices.Clone(patch.AffectedServices)
	}
	return out
}

func indexIncident(list []Incident, id string) int {
	return slices.IndexFunc(list, func(inc Incident) bool { return inc.ID == id })
}

func prependIncident(list []Incident, inc Incident) []Incident {
	out := make([]Incident, 0, len(list)+1)
	out = append(out, inc)
	return append(out, list...)
}

func prependCapped(list []Incident, inc Incident) []Incident {
	out := prependIncident(list, inc)
	if len(out) > HistoryCap {
		out = out[:HistoryCap]
	}
	return out
}

// prependHistory puts inc at the head of history, replacing any older entry
// with the same id.
func prependHistory(history []Incident, inc Incident) []Incident {
	if i := indexIncident(history, inc.ID); i >= 0 {
		history = removeIncidentAt(history, i)
	}
	return prependCapped(history, inc)
}

func removeIncidentAt(list []Incident, i int) []Incident {
	return slices.Delete(slices.Clone(list), i, i+1)
}

func replaceIncidentAt(list []Incident, i int, inc Incident) []Incident {
	out := slices.Clone(list)
	out[i] = inc
	return out
}

// Normalize brings a fetched page in line with the read model's rules. The
// server lists recently resolved incidents as active and keeps active ones
// in its history window, so a raw page cannot be folded as is:
//   - services are de-duplicated and stable-sorted by display order
//   - terminal incidents move from the active and maintenance lists to history
//   - history drops ids that are still active or scheduled
//   - every list keeps the first entry per id, and history is capped
//
// The input is not mutated.
func Normalize(page PublicStatus) PublicStatus {
	out := page

	services := make([]Service, 0, len(page.Services))
	seenSvc := make(map[string]bool, len(page.Services))
	for _, s := range page.Services {
		if seenSvc[s.ID] {
			continue
		}
		seenSvc[s.ID] = true
		services = append(services, s)
	}
	slices.SortStableFunc(services, func(a, b Service) int { return a.DisplayOrder - b.DisplayOrder })
	out.Services = services
	out.OverallStatus = OverallStatus(services)

	live := make(map[string]bool)
	var ended []Incident
	split := func(list []Incident) []Incident {
		kept := make([]Incident, 0, len(list))
		for _, inc := range list {
			if inc.Status.IsTerminal() {
				ended = append(ended, inc)
				continue
			}
			if live[inc.ID] {
				continue
			}
			live[inc.ID] = true
			kept = append(kept, inc)
		}
		return kept
	}
	out.ActiveIncidents = split(page.ActiveIncidents)
	out.ScheduledMaintenance = split(page.ScheduledMaintenance)

	history := make([]Incident, 0, min(len(ended)+len(page.IncidentHistory), HistoryCap))
	seen := make(map[string]bool)
	for _, inc := range slices.Concat(ended, page.IncidentHistory) {
		if live[inc.ID] || seen[inc.ID] || len(history) == HistoryCap {
			continue
		}
		seen[inc.ID] = true
		history = append(history, inc)
	}
	out.IncidentHistory = history
	return out
}

// ============================================================================
// Reconciler
// ============================================================================

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Logger  *zap.Logger
	Metrics *Metrics
	// Now stamps LastUpdated. Defaults to time.Now.
	Now func() time.Time
}

func (c *ReconcilerConfig) defaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Reconciler owns one live read model and folds bus events into it.
type Reconciler struct {
	// notifyMu serialises state swaps with their fan-out so listeners see
	// snapshots in the order they were installed.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	state     PublicStatus
	listeners []func(PublicStatus)
	subs      []*Subscription

	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler seeded with the normalized initial
// page. cfg may be nil.
func NewReconciler(initial PublicStatus, cfg *ReconcilerConfig) *Reconciler {
	if cfg == nil {
		cfg = &ReconcilerConfig{}
	}
	cfg.defaults()
	return &Reconciler{
		state:   Normalize(initial),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Snapshot returns the current read model.
func (r *Reconciler) Snapshot() PublicStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Reset replaces the read model wholesale, e.g. after a full fetch. The
// snapshot is normalized first.
func (r *Reconciler) Reset(snapshot PublicStatus) {
	snapshot = Normalize(snapshot)

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.state = snapshot
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// OnChange registers fn to receive every new snapshot. Listeners run one at
// a time and must not call Reset or Handle.
func (r *Reconciler) OnChange(fn func(PublicStatus)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Handle applies one event. It reports whether the model changed.
func (r *Reconciler) Handle(ev Event) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	next, ok := Apply(r.state, ev, r.now())
	if ok {
		r.state = next
	}
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.metrics.applied(ev.Kind(), ok)
	if !ok {
		r.log.Debug("event left read model unchanged", zap.String("kind", string(ev.Kind())))
		return false
	}
	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// Attach subscribes the reconciler to kinds on bus. With no kinds it listens
// to PublicKinds.
func (r *Reconciler) Attach(bus *Bus, kinds ...EventKind) {
	if len(kinds) == 0 {
		kinds = PublicKinds
	}
	subs := make([]*Subscription, 0, len(kinds))
	for _, kind := range kinds {
		subs = append(subs, bus.Subscribe(kind, func(ev Event) { r.Handle(ev) }))
	}
	r.mu.Lock()
	r.subs = append(r.subs, subs...)
	r.mu.Unlock()
}

// Detach drops every bus subscription made by Attach.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
