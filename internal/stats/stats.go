// Package stats keeps the dashboard counters: organizations by role and
// distinct locations and sessions pushed through the hub.
package stats

import (
	"context"
	"sync"
	"sync/atomic"

	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

// Snapshot is a consistent view of all counters.
type Snapshot struct {
	CPOs      int64 `json:"cpos"`
	EMSPs     int64 `json:"emsps"`
	Locations int64 `json:"locations"`
	Sessions  int64 `json:"sessions"`
}

// Aggregator folds hub events into a snapshot. Readers load the published
// snapshot without locking; writers serialise on mu.
type Aggregator struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func New() *Aggregator {
	a := &Aggregator{}
	a.cur.Store(&Snapshot{})
	return a
}

// Snapshot returns the latest published counters.
func (a *Aggregator) Snapshot() Snapshot {
	return *a.cur.Load()
}

// Seed replaces the organization counters, typically from the registry at boot.
func (a *Aggregator) Seed(counts map[party.Role]int) {
	a.update(func(s *Snapshot) {
		s.CPOs, s.EMSPs = 0, 0
		for role, n := range counts {
			switch role {
			case party.RoleCPO:
				s.CPOs = int64(n)
			case party.RoleEMSP:
				s.EMSPs = int64(n)
			}
		}
	})
}

// Observe applies one event.
func (a *Aggregator) Observe(evt events.Event) {
	switch evt.Kind {
	case events.OrganizationRegistered:
		switch party.Role(evt.Role) {
		case party.RoleCPO:
			a.update(func(s *Snapshot) { s.CPOs++ })
		case party.RoleEMSP:
			a.update(func(s *Snapshot) { s.EMSPs++ })
		}
	case events.ModuleDispatched:
		switch ocpi.Module(evt.Module) {
		case ocpi.ModuleLocations:
			a.update(func(s *Snapshot) { s.Locations++ })
		case ocpi.ModuleSessions:
			a.update(func(s *Snapshot) { s.Sessions++ })
		}
	}
}

// Run consumes ch until it closes or ctx ends.
func (a *Aggregator) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			a.Observe(evt)
		}
	}
}

func (a *Aggregator) update(fn func(*Snapshot)) {
	a.mu.Lock()
	next := *a.cur.Load()
	fn(&next)
	a.cur.Store(&next)
	a.mu.Unlock()

	obs.SetOrganizations(string(party.RoleCPO), next.CPOs)
	obs.SetOrganizations(string(party.RoleEMSP), next.EMSPs)
	obs.SetRoutedObjects(string(ocpi.ModuleLocations), next.Locations)
	obs.SetRoutedObjects(string(ocpi.ModuleSessions), next.Sessions)
}
