// Package realtime owns the dispatch core's in-memory state and routes inbound
// socket events to it.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/sessions"
	"github.com/example/ride-dispatch/internal/storage"
)

// Publisher streams presence changes and ride transitions out of process.
type Publisher interface {
	presence.LocationPublisher
	matcher.EventPublisher
}

type Options struct {
	ResponseWindow       time.Duration
	DefaultRadiusKm      float64
	SpeedMps             float64
	SessionRetention     time.Duration
	SessionSweepInterval time.Duration

	Publisher Publisher
	Payments  matcher.Payments
	Push      matcher.OfflineNotifier
	Logger    *slog.Logger
}

// Hub is one isolated dispatch core. Every registry it owns is built in New
// and torn down by Stop.
type Hub struct {
	store    storage.RideStore
	registry *presence.Registry
	router   *dispatch.Router
	table    *sessions.Table
	tracker  *presence.Tracker
	engine   *matcher.Engine
	sweep    time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store storage.RideStore, opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:    store,
		registry: presence.NewRegistry(),
		router:   dispatch.NewRouter(logger),
		sweep:    opts.SessionSweepInterval,
		logger:   logger,
	}
	h.table = sessions.NewTable(h.router, opts.SessionRetention, logger)

	var locPub presence.LocationPublisher
	var evPub matcher.EventPublisher
	if opts.Publisher != nil {
		locPub, evPub = opts.Publisher, opts.Publisher
	}
	h.tracker = presence.NewTracker(h.registry, h.router, h.table, presence.TrackerOptions{
		Publisher:       locPub,
		DefaultRadiusKm: opts.DefaultRadiusKm,
		Logger:          logger,
	})
	h.engine = matcher.NewEngine(store, h.router, h.table, matcher.Options{
		ResponseWindow: opts.ResponseWindow,
		SpeedMps:       opts.SpeedMps,
		Locator:        h.tracker,
		Payments:       opts.Payments,
		Events:         evPub,
		Push:           opts.Push,
		Logger:         logger,
	})
	return h
}

// Start runs the session sweeper and re-arms response windows for rides a
// previous process left pending.
func (h *Hub) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)
	if h.sweep > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.table.Run(ctx, h.sweep)
		}()
	}
	n, err := h.engine.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		h.logger.Info("re-armed pending rides", "count", n)
	}
	return nil
}

func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.engine.Stop()
}

func (h *Hub) Engine() *matcher.Engine    { return h.engine }
func (h *Hub) Tracker() *presence.Tracker { return h.tracker }

// Connect registers a live connection so it can be addressed by audiences.
func (h *Hub) Connect(c dispatch.Conn) {
	h.router.Register(c)
	h.logger.Debug("connection opened", "conn_id", c.ID())
}

// Disconnect signs off every driver bound to the connection before it is
// removed from the router.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.tracker.OnDisconnect(ctx, connID)
	h.router.Unregister(connID)
	h.logger.Debug("connection closed", "conn_id", connID)
}

// Handle dispatches one inbound event. Unknown events, undecodable payloads
// and failed actions are never reported back to the sender.
func (h *Hub) Handle(ctx context.Context, connID, event string, data json.RawMessage) {
	fn, ok := handlers[event]
	if !ok {
		observability.DroppedMessages.WithLabelValues("unknown").Inc()
		h.logger.Debug("unknown event", "conn_id", connID, "event", event)
		return
	}
	observability.InboundMessages.WithLabelValues(event).Inc()
	if err := fn(ctx, h, connID, data); err != nil {
		if isDrop(err) {
			observability.DroppedMessages.WithLabelValues(event).Inc()
		}
		h.logger.Debug("event not applied", "conn_id", connID, "event", event, "error", err)
	}
}

// replayPosition sends the last known position of the ride's driver to a
// connection that just joined the ride's audience.
func (h *Hub) replayPosition(ctx context.Context, connID, rideID string) {
	driverID := ""
	if s, ok := h.table.Get(rideID); ok {
		driverID = s.DriverID
	} else if r, err := h.store.FindByID(ctx, rideID); err == nil {
		driverID = r.AssignedDriver
	}
	if driverID == "" {
		return
	}
	pos, ok := h.tracker.Position(driverID)
	if !ok {
		return
	}
	h.router.EmitToConn(connID, models.EventCarLocationUpdate, models.CarLocation{
		RideID:    rideID,
		DriverID:  driverID,
		Lat:       pos.Loc.Lat,
		Lon:       pos.Loc.Lon,
		UpdatedAt: pos.UpdatedAt,
	})
}
