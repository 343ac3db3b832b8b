// Package presence tracks which drivers are reachable right now and where
// they were last seen. State is process memory only.
package presence

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverPresence is a reachable driver. HasCoord separates "no location yet"
// from a legitimate (0, 0).
type DriverPresence struct {
	DriverID  string
	Loc       models.Coord
	HasCoord  bool
	ConnID    string
	UpdatedAt time.Time
}

func (p DriverPresence) Position() models.Position {
	return models.Position{DriverID: p.DriverID, Loc: p.Loc, UpdatedAt: p.UpdatedAt}
}

// Registry is the set of reachable drivers plus a reverse index from
// connection to the drivers bound to it.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*DriverPresence
	byConn  map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]*DriverPresence),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Announce marks the driver reachable on connID. A supplied coordinate is
// stored; otherwise a previously known one is kept. The returned presence
// reports whether a coordinate is available to broadcast.
func (r *Registry) Announce(driverID, connID string, loc *models.Coord, at time.Time) DriverPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok {
		p = &DriverPresence{DriverID: driverID}
		r.drivers[driverID] = p
	}
	r.bindLocked(p, connID)
	if loc != nil {
		p.Loc = *loc
		p.HasCoord = true
		p.UpdatedAt = at
	}
	return *p
}

// Report stores a new location. An unknown driver is auto-registered on
// connID; the boolean result is true in that case. Reports older than the
// stored one are ignored (last write wins on timestamp) and the stored
// presence is returned unchanged.
func (r *Registry) Report(driverID, connID string, loc models.Coord, at time.Time) (DriverPresence, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	registered := false
	if !ok {
		p = &DriverPresence{DriverID: driverID}
		r.drivers[driverID] = p
		r.bindLocked(p, connID)
		registered = true
	}
	if p.HasCoord && at.Before(p.UpdatedAt) {
		return *p, registered, false
	}
	p.Loc = loc
	p.HasCoord = true
	p.UpdatedAt = at
	return *p, registered, true
}

// SignOff forgets the driver entirely: reachability, coordinate and binding.
func (r *Registry) SignOff(driverID string) (DriverPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return DriverPresence{}, false
	}
	r.removeLocked(p)
	return *p, true
}

// Disconnect signs off every driver bound to connID.
func (r *Registry) Disconnect(connID string) []DriverPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byConn[connID]
	out := make([]DriverPresence, 0, len(ids))
	for id := range ids {
		if p, ok := r.drivers[id]; ok {
			r.removeLocked(p)
			out = append(out, *p)
		}
	}
	delete(r.byConn, connID)
	return out
}

func (r *Registry) Lookup(driverID string) (DriverPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.drivers[driverID]
	if !ok {
		return DriverPresence{}, false
	}
	return *p, true
}

// Positions snapshots every reachable driver that has a coordinate.
func (r *Registry) Positions() []models.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Position, 0, len(r.drivers))
	for _, p := range r.drivers {
		if p.HasCoord {
			out = append(out, p.Position())
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers)
}

// bindLocked moves the driver to connID; the previous connection is not told.
func (r *Registry) bindLocked(p *DriverPresence, connID string) {
	if p.ConnID != "" && p.ConnID != connID {
		r.unindexLocked(p.DriverID, p.ConnID)
	}
	p.ConnID = connID
	set, ok := r.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[connID] = set
	}
	set[p.DriverID] = struct{}{}
}

func (r *Registry) removeLocked(p *DriverPresence) {
	delete(r.drivers, p.DriverID)
	r.unindexLocked(p.DriverID, p.ConnID)
}

func (r *Registry) unindexLocked(driverID, connID string) {
	set, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(set, driverID)
	if len(set) == 0 {
		delete(r.byConn, connID)
	}
}
