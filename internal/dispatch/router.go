package dispatch

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

// Conn is one live client connection.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Router maps drivers and audiences to live connections and delivers named
// events to them. Delivery is best-effort: an unknown target or a failed
// write is logged and otherwise ignored.
type Router struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	drivers map[string]string   // driverID -> connID
	bound   map[string][]string // connID -> driverIDs, oldest binding first
	rides   map[string]map[string]struct{}
	riders  map[string]map[string]struct{}
	joined  map[string][]audience // connID -> memberships, for cleanup
	logger  *slog.Logger
}

type audience struct {
	ride bool
	key  string
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		conns:   make(map[string]Conn),
		drivers: make(map[string]string),
		bound:   make(map[string][]string),
		rides:   make(map[string]map[string]struct{}),
		riders:  make(map[string]map[string]struct{}),
		joined:  make(map[string][]audience),
		logger:  logger,
	}
}

func (r *Router) Register(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	n := len(r.conns)
	r.mu.Unlock()
	observability.OpenConnections.Set(float64(n))
}

// Unregister drops the connection, its audience memberships and any driver
// still bound to it.
func (r *Router) Unregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	for _, driverID := range r.bound[connID] {
		if r.drivers[driverID] == connID {
			delete(r.drivers, driverID)
		}
	}
	delete(r.bound, connID)
	for _, a := range r.joined[connID] {
		set := r.riders
		if a.ride {
			set = r.rides
		}
		if members, ok := set[a.key]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(set, a.key)
			}
		}
	}
	delete(r.joined, connID)
	n := len(r.conns)
	r.mu.Unlock()
	observability.OpenConnections.Set(float64(n))
}

// BindDriver routes driverID to connID, replacing any earlier binding.
func (r *Router) BindDriver(driverID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.drivers[driverID]; ok {
		r.unboundLocked(prev, driverID)
	}
	r.drivers[driverID] = connID
	r.unboundLocked(connID, driverID)
	r.bound[connID] = append(r.bound[connID], driverID)
}

// UnbindDriver drops the binding only while driverID is still routed to
// connID, so a late cleanup for an old connection cannot undo a rebind.
func (r *Router) UnbindDriver(driverID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.drivers[driverID]; !ok || cur != connID {
		return false
	}
	delete(r.drivers, driverID)
	r.unboundLocked(connID, driverID)
	return true
}

// DriverFor resolves the driver identity bound to connID. When several
// drivers share a connection the most recently bound one wins.
func (r *Router) DriverFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.bound[connID]
	if len(ids) == 0 {
		return "", false
	}
	return ids[len(ids)-1], true
}

func (r *Router) unboundLocked(connID, driverID string) {
	ids := r.bound[connID]
	for i, id := range ids {
		if id == driverID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.bound, connID)
		return
	}
	r.bound[connID] = ids
}

func (r *Router) JoinRideAudience(connID, rideID string) bool {
	return r.join(connID, audience{ride: true, key: rideID})
}

func (r *Router) JoinRiderAudience(connID, riderID string) bool {
	return r.join(connID, audience{key: riderID})
}

func (r *Router) join(connID string, a audience) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return false
	}
	set := r.riders
	if a.ride {
		set = r.rides
	}
	members, ok := set[a.key]
	if !ok {
		members = make(map[string]struct{})
		set[a.key] = members
	}
	if _, dup := members[connID]; !dup {
		members[connID] = struct{}{}
		r.joined[connID] = append(r.joined[connID], a)
	}
	return true
}

// EmitToDriver reports whether the driver had a live connection.
func (r *Router) EmitToDriver(driverID, event string, payload any) bool {
	r.mu.RLock()
	c, ok := r.conns[r.drivers[driverID]]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.send(c, event, payload)
	return true
}

func (r *Router) EmitToConn(connID, event string, payload any) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.send(c, event, payload)
	return true
}

func (r *Router) EmitToRideAudience(rideID, event string, payload any) int {
	return r.emitTo(r.rides, rideID, event, payload)
}

func (r *Router) EmitToRiderAudience(riderID, event string, payload any) int {
	return r.emitTo(r.riders, riderID, event, payload)
}

func (r *Router) BroadcastToAll(event string, payload any) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		r.send(c, event, payload)
	}
	return len(targets)
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Router) emitTo(set map[string]map[string]struct{}, key, event string, payload any) int {
	r.mu.RLock()
	members := set[key]
	targets := make([]Conn, 0, len(members))
	for id := range members {
		if c, ok := r.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range targets {
		r.send(c, event, payload)
	}
	return len(targets)
}

func (r *Router) send(c Conn, event string, payload any) {
	if err := c.Send(event, payload); err != nil {
		r.logger.Debug("ws send failed", "conn_id", c.ID(), "event", event, "error", err)
	}
}
