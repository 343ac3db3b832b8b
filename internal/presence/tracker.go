package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Router is the slice of the connection router presence needs.
type Router interface {
	BindDriver(driverID, connID string)
	UnbindDriver(driverID, connID string) bool
	BroadcastToAll(event string, payload any) int
}

// SessionRouter forwards a driver position to the rides it is driving.
type SessionRouter interface {
	RouteLocationUpdate(driverID string, pos models.Position) int
}

// LocationPublisher streams presence changes out of process. Optional.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ev models.LocationEvent) error
}

// Tracker applies presence changes to the Registry and fans them out.
type Tracker struct {
	registry  *Registry
	router    Router
	sessions  SessionRouter
	publisher LocationPublisher
	radiusKm  float64
	logger    *slog.Logger
	now       func() time.Time
}

type TrackerOptions struct {
	Publisher       LocationPublisher
	DefaultRadiusKm float64
	Logger          *slog.Logger
	Now             func() time.Time
}

func NewTracker(registry *Registry, router Router, sessions SessionRouter, opts TrackerOptions) *Tracker {
	t := &Tracker{
		registry:  registry,
		router:    router,
		sessions:  sessions,
		publisher: opts.Publisher,
		radiusKm:  opts.DefaultRadiusKm,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if t.radiusKm <= 0 {
		t.radiusKm = geo.DefaultRadiusKm
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Announce marks the driver reachable on connID. Any known coordinate, new
// or remembered, is broadcast right away so the driver does not vanish from
// riders' maps on reconnect.
func (t *Tracker) Announce(ctx context.Context, driverID, connID string, loc *models.Coord) {
	p := t.registry.Announce(driverID, connID, loc, t.now())
	t.router.BindDriver(driverID, connID)
	observability.DriversOnline.Set(float64(t.registry.Len()))
	t.logger.Info("driver online", "driver_id", driverID, "conn_id", connID, "has_location", p.HasCoord)
	if p.HasCoord {
		t.fanOut(ctx, p.Position())
	}
}

// ReportLocation stores a location update, auto-registering unknown drivers
// on the reporting connection.
func (t *Tracker) ReportLocation(ctx context.Context, driverID, connID string, loc models.Coord) {
	p, registered, applied := t.registry.Report(driverID, connID, loc, t.now())
	if registered {
		t.router.BindDriver(driverID, connID)
		observability.DriversOnline.Set(float64(t.registry.Len()))
		t.logger.Info("driver auto-registered", "driver_id", driverID, "conn_id", connID)
	}
	if !applied {
		return
	}
	pos := p.Position()
	t.fanOut(ctx, pos)
	t.sessions.RouteLocationUpdate(driverID, pos)
}

func (t *Tracker) SignOff(ctx context.Context, driverID string) bool {
	p, ok := t.registry.SignOff(driverID)
	if !ok {
		return false
	}
	t.router.UnbindDriver(driverID, p.ConnID)
	t.afterRemoval(ctx, driverID)
	t.logger.Info("driver offline", "driver_id", driverID)
	return true
}

// OnDisconnect signs off every driver bound to connID. A driver that has
// already re-announced on another connection keeps that binding.
func (t *Tracker) OnDisconnect(ctx context.Context, connID string) []string {
	gone := t.registry.Disconnect(connID)
	ids := make([]string, 0, len(gone))
	for _, p := range gone {
		t.router.UnbindDriver(p.DriverID, p.ConnID)
		t.afterRemoval(ctx, p.DriverID)
		ids = append(ids, p.DriverID)
	}
	if len(ids) > 0 {
		t.logger.Info("drivers dropped with connection", "conn_id", connID, "drivers", ids)
	}
	return ids
}

// Nearby answers a proximity query over the reachable drivers. A
// non-positive radius uses the configured default.
func (t *Tracker) Nearby(center models.Coord, radiusKm float64) map[string]models.NearbyDriver {
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()
	if radiusKm <= 0 {
		radiusKm = t.radiusKm
	}
	return geo.Nearby(center, radiusKm, t.registry.Positions())
}

// Position returns the last known location of a reachable driver.
func (t *Tracker) Position(driverID string) (models.Position, bool) {
	p, ok := t.registry.Lookup(driverID)
	if !ok || !p.HasCoord {
		return models.Position{}, false
	}
	return p.Position(), true
}

func (t *Tracker) Positions() []models.Position { return t.registry.Positions() }

func (t *Tracker) fanOut(ctx context.Context, pos models.Position) {
	t.router.BroadcastToAll(models.EventDriversUpdate, map[string]models.NearbyDriver{
		pos.DriverID: {Lat: pos.Loc.Lat, Lon: pos.Loc.Lon},
	})
	t.publish(ctx, models.LocationEvent{DriverID: pos.DriverID, Loc: pos.Loc, Online: true, At: pos.UpdatedAt})
}

func (t *Tracker) afterRemoval(ctx context.Context, driverID string) {
	observability.DriversOnline.Set(float64(t.registry.Len()))
	if _, back := t.registry.Lookup(driverID); back {
		return
	}
	t.publish(ctx, models.LocationEvent{DriverID: driverID, Online: false, At: t.now()})
}

func (t *Tracker) publish(ctx context.Context, ev models.LocationEvent) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.PublishLocation(ctx, ev); err != nil {
		t.logger.Warn("location publish failed", "driver_id", ev.DriverID, "error", err)
	}
}
