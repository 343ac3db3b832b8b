// Package sessions keeps a short-lived in-memory shadow of rides that are
// underway, used only to route live driver locations to ride observers.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrDriverBusy is returned when a driver already has another ride in progress.
var ErrDriverBusy = errors.New("driver already has a ride in progress")

// Emitter delivers to a ride's observer audience.
type Emitter interface {
	EmitToRideAudience(rideID, event string, payload any) int
}

type Table struct {
	mu        sync.RWMutex
	sessions  map[string]*models.RideSession
	emitter   Emitter
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewTable builds a table that evicts completed sessions once they are older
// than retention. A zero retention evicts on the next sweep.
func NewTable(emitter Emitter, retention time.Duration, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		sessions:  make(map[string]*models.RideSession),
		emitter:   emitter,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Start creates or overwrites the session for rideID as in progress.
func (t *Table) Start(rideID, driverID, riderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		if id != rideID && s.DriverID == driverID && s.Status == models.SessionInProgress {
			return ErrDriverBusy
		}
	}
	t.sessions[rideID] = &models.RideSession{
		RideID:    rideID,
		DriverID:  driverID,
		RiderID:   riderID,
		Status:    models.SessionInProgress,
		StartedAt: t.now(),
	}
	return nil
}

// End marks the session completed. It reports false for unknown rides.
func (t *Table) End(rideID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[rideID]
	if !ok {
		return false
	}
	if s.Status != models.SessionCompleted {
		s.Status = models.SessionCompleted
		s.EndedAt = t.now()
	}
	return true
}

func (t *Table) Get(rideID string) (models.RideSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[rideID]
	if !ok {
		return models.RideSession{}, false
	}
	return *s, true
}

// ActiveRide returns the in-progress ride of driverID, if any.
func (t *Table) ActiveRide(driverID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, s := range t.sessions {
		if s.DriverID == driverID && s.Status == models.SessionInProgress {
			return id, true
		}
	}
	return "", false
}

// RouteLocationUpdate forwards pos to the observers of every in-progress ride
// driven by driverID and returns how many rides were addressed.
func (t *Table) RouteLocationUpdate(driverID string, pos models.Position) int {
	t.mu.RLock()
	var rides []string
	for id, s := range t.sessions {
		if s.DriverID == driverID && s.Status == models.SessionInProgress {
			rides = append(rides, id)
		}
	}
	t.mu.RUnlock()

	if t.emitter == nil {
		return len(rides)
	}
	for _, id := range rides {
		t.emitter.EmitToRideAudience(id, models.EventCarLocationUpdate, models.CarLocation{
			RideID:    id,
			DriverID:  driverID,
			Lat:       pos.Loc.Lat,
			Lon:       pos.Loc.Lon,
			UpdatedAt: pos.UpdatedAt,
		})
	}
	return len(rides)
}

// Sweep evicts completed sessions that ended before now minus retention.
func (t *Table) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, s := range t.sessions {
		if s.Status == models.SessionCompleted && now.Sub(s.EndedAt) >= t.retention {
			delete(t.sessions, id)
			evicted++
		}
	}
	return evicted
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Run sweeps on every tick until ctx is done.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				t.logger.Debug("ride sessions evicted", "count", n)
			}
		}
	}
}
