// Package matcher drives rides through the booking protocol: offers to a
// specific driver, the bounded response window, accept/decline, trip start
// and end, and rider cancellation.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/sessions"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidState   = errors.New("invalid ride state for this action")
	ErrNotAssigned    = errors.New("actor is not a party to this ride")
	ErrDriverDeclined = errors.New("driver already declined this ride")
	ErrDriverBusy     = sessions.ErrDriverBusy
)

// DefaultResponseWindow is how long a booked driver has to answer.
const DefaultResponseWindow = 30 * time.Second

type Notifier interface {
	EmitToDriver(driverID, event string, payload any) bool
	EmitToRideAudience(rideID, event string, payload any) int
	EmitToRiderAudience(riderID, event string, payload any) int
}

type Sessions interface {
	Start(rideID, driverID, riderID string) error
	End(rideID string) bool
	ActiveRide(driverID string) (string, bool)
}

// Locator gives the last known position of a reachable driver.
type Locator interface {
	Position(driverID string) (models.Position, bool)
}

type Payments interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type EventPublisher interface {
	PublishRideEvent(ctx context.Context, ev models.RideTransition) error
}

// OfflineNotifier reaches drivers that have no live connection.
type OfflineNotifier interface {
	Notify(ctx context.Context, driverID, event string, payload any) error
}

type Options struct {
	ResponseWindow time.Duration
	SpeedMps       float64
	Locator        Locator
	Payments       Payments
	Events         EventPublisher
	Push           OfflineNotifier
	Logger         *slog.Logger
	Now            func() time.Time
}

type Engine struct {
	store    storage.RideStore
	notify   Notifier
	sessions Sessions
	timers   *Scheduler
	window   time.Duration
	speedMps float64
	locator  Locator
	payments Payments
	events   EventPublisher
	push     OfflineNotifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(store storage.RideStore, notify Notifier, sess Sessions, opts Options) *Engine {
	e := &Engine{
		store:    store,
		notify:   notify,
		sessions: sess,
		timers:   NewScheduler(),
		window:   opts.ResponseWindow,
		speedMps: opts.SpeedMps,
		locator:  opts.Locator,
		payments: opts.Payments,
		events:   opts.Events,
		push:     opts.Push,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if e.window <= 0 {
		e.window = DefaultResponseWindow
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Stop cancels every pending response window.
func (e *Engine) Stop() { e.timers.Stop() }

// Recover re-arms response windows for rides left pending by a previous
// process, so none of them stays pending forever.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	pending, err := e.store.ListByStatus(ctx, models.RidePending)
	if err != nil {
		return 0, err
	}
	for _, r := range pending {
		e.armWindow(r.ID, r.AssignedDriver)
	}
	return len(pending), nil
}

func (e *Engine) Ride(ctx context.Context, rideID string) (*models.Ride, error) {
	return e.store.FindByID(ctx, rideID)
}

// RequestAssignment lets a driver take an open ride directly.
func (e *Engine) RequestAssignment(ctx context.Context, rideID, driverID string) error {
	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RideOpen {
		return ErrInvalidState
	}
	if r.HasDeclined(driverID) {
		return ErrDriverDeclined
	}
	from := r.Status
	r.AssignedDriver = driverID
	r.Status = models.RideAccepted
	if err := e.save(ctx, r, from); err != nil {
		return err
	}
	e.notifyRider(r, models.EventRideAccepted, driverID)
	return nil
}

// Book offers an open ride to one driver and starts its response window.
func (e *Engine) Book(ctx context.Context, rideID, driverID string) error {
	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RideOpen {
		return ErrInvalidState
	}
	if r.HasDeclined(driverID) {
		return ErrDriverDeclined
	}
	from := r.Status
	r.AssignedDriver = driverID
	r.Status = models.RidePending
	if err := e.save(ctx, r, from); err != nil {
		return err
	}

	offer := e.offerFor(r, driverID)
	if !e.notify.EmitToDriver(driverID, models.EventRideRequest, offer) && e.push != nil {
		if err := e.push.Notify(ctx, driverID, models.EventRideRequest, offer); err != nil {
			e.logger.Warn("push fallback failed", "ride_id", rideID, "driver_id", driverID, "error", err)
		}
	}
	e.armWindow(rideID, driverID)
	return nil
}

// Accept is only honoured for the driver the ride is pending on.
func (e *Engine) Accept(ctx context.Context, rideID, driverID string) error {
	r, err := e.pendingFor(ctx, rideID, driverID)
	if err != nil {
		return err
	}
	r.Status = models.RideAccepted
	if err := e.save(ctx, r, models.RidePending); err != nil {
		return err
	}
	e.timers.Cancel(rideID)
	e.notifyRider(r, models.EventRideAccepted, driverID)
	return nil
}

func (e *Engine) Decline(ctx context.Context, rideID, driverID string) error {
	r, err := e.pendingFor(ctx, rideID, driverID)
	if err != nil {
		return err
	}
	reopen(r, driverID)
	if err := e.save(ctx, r, models.RidePending); err != nil {
		return err
	}
	e.timers.Cancel(rideID)
	e.notify.EmitToDriver(driverID, models.EventRideDeclineAck, models.RideEvent{RideID: rideID, Status: r.Status})
	e.notifyRider(r, models.EventRideDeclined, driverID)
	return nil
}

// expire is the response-window fire handler. It re-reads the ride and does
// nothing unless the ride is still pending on the same driver.
func (e *Engine) expire(rideID, driverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		e.logger.Error("response window: load ride", "ride_id", rideID, "error", err)
		observability.WindowExpirations.WithLabelValues("error").Inc()
		return
	}
	if r.Status != models.RidePending || r.AssignedDriver != driverID {
		observability.WindowExpirations.WithLabelValues("noop").Inc()
		return
	}
	reopen(r, driverID)
	if err := e.save(ctx, r, models.RidePending); err != nil {
		outcome := "error"
		if errors.Is(err, storage.ErrConflict) {
			outcome = "noop"
		}
		observability.WindowExpirations.WithLabelValues(outcome).Inc()
		return
	}
	observability.WindowExpirations.WithLabelValues("expired").Inc()
	e.logger.Info("ride request expired", "ride_id", rideID, "driver_id", driverID)
	e.notify.EmitToDriver(driverID, models.EventRideRequestTimeout, models.RideEvent{RideID: rideID, Status: r.Status})
	e.notifyRider(r, models.EventRideDeclined, driverID)
}

// ConfirmPayment is called once payment for an accepted ride clears; the
// trip starts.
func (e *Engine) ConfirmPayment(ctx context.Context, rideID string) error {
	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RideAccepted {
		return ErrInvalidState
	}
	if active, ok := e.sessions.ActiveRide(r.AssignedDriver); ok && active != rideID {
		return ErrDriverBusy
	}
	r.Status = models.RideInProgress
	if err := e.save(ctx, r, models.RideAccepted); err != nil {
		return err
	}
	if err := e.StartSession(ctx, r.ID, r.AssignedDriver, r.RiderID); err != nil {
		e.logger.Error("session start after payment", "ride_id", rideID, "error", err)
		return fmt.Errorf("start session for ride %s: %w", rideID, err)
	}
	return nil
}

// StartSession begins live-location routing for a ride and tells the
// driver to navigate and the ride's observers that the trip is underway.
func (e *Engine) StartSession(_ context.Context, rideID, driverID, riderID string) error {
	if err := e.sessions.Start(rideID, driverID, riderID); err != nil {
		return err
	}
	ev := models.RideEvent{RideID: rideID, DriverID: driverID, RiderID: riderID, Status: models.RideInProgress}
	e.notify.EmitToDriver(driverID, models.EventRideStarted, ev)
	e.notify.EmitToRideAudience(rideID, models.EventRideStarted, ev)
	return nil
}

func (e *Engine) End(ctx context.Context, rideID, driverID string) error {
	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RideInProgress {
		return ErrInvalidState
	}
	if r.AssignedDriver != driverID {
		return ErrNotAssigned
	}
	r.Status = models.RideCompleted
	if err := e.save(ctx, r, models.RideInProgress); err != nil {
		return err
	}
	e.sessions.End(rideID)
	if r.PaymentIntentID != "" && e.payments != nil {
		if err := e.payments.Capture(ctx, r.PaymentIntentID); err != nil {
			e.logger.Error("payment capture failed", "ride_id", rideID, "payment_intent", r.PaymentIntentID, "error", err)
		}
	}
	e.notifyRider(r, models.EventRideEnded, driverID)
	return nil
}

// Cancel is a rider action, valid while the ride is open or pending.
func (e *Engine) Cancel(ctx context.Context, rideID, riderID string) error {
	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RideOpen && r.Status != models.RidePending {
		return ErrInvalidState
	}
	if r.RiderID != riderID {
		return ErrNotAssigned
	}
	from, driverID := r.Status, r.AssignedDriver
	r.Status = models.RideCancelled
	if err := e.save(ctx, r, from); err != nil {
		return err
	}
	e.timers.Cancel(rideID)
	ev := models.RideEvent{RideID: rideID, DriverID: driverID, RiderID: riderID, Status: r.Status}
	if driverID != "" {
		e.notify.EmitToDriver(driverID, models.EventRideCancelled, ev)
	}
	e.notify.EmitToRideAudience(rideID, models.EventRideCancelled, ev)
	if r.PaymentIntentID != "" && e.payments != nil {
		if err := e.payments.Cancel(ctx, r.PaymentIntentID); err != nil {
			e.logger.Error("payment release failed", "ride_id", rideID, "payment_intent", r.PaymentIntentID, "error", err)
		}
	}
	return nil
}

// Available lists open rides the driver has not declined or timed out on.
func (e *Engine) Available(ctx context.Context, driverID string) ([]*models.Ride, error) {
	open, err := e.store.ListByStatus(ctx, models.RideOpen)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0, len(open))
	for _, r := range open {
		if !r.HasDeclined(driverID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) pendingFor(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := e.store.FindByID(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != models.RidePending {
		return nil, ErrInvalidState
	}
	if r.AssignedDriver != driverID {
		return nil, ErrNotAssigned
	}
	return r, nil
}

func (e *Engine) armWindow(rideID, driverID string) {
	e.timers.Schedule(rideID, e.window, func() { e.expire(rideID, driverID) })
}

func (e *Engine) save(ctx context.Context, r *models.Ride, from models.RideStatus) error {
	if err := e.store.Save(ctx, r); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.logger.Debug("ride changed concurrently", "ride_id", r.ID, "to", r.Status)
			return err
		}
		e.logger.Error("ride save failed", "ride_id", r.ID, "from", from, "to", r.Status, "error", err)
		return fmt.Errorf("save ride %s: %w", r.ID, err)
	}
	observability.Transitions.WithLabelValues(string(from), string(r.Status)).Inc()
	if e.events != nil {
		ev := models.RideTransition{RideID: r.ID, From: from, To: r.Status, DriverID: r.AssignedDriver, At: e.now()}
		if err := e.events.PublishRideEvent(ctx, ev); err != nil {
			e.logger.Warn("ride event publish failed", "ride_id", r.ID, "error", err)
		}
	}
	return nil
}

// notifyRider tells the ride's observers and the rider's personal audience.
// driverID is passed explicitly because a decline has already cleared it.
func (e *Engine) notifyRider(r *models.Ride, event, driverID string) {
	ev := models.RideEvent{RideID: r.ID, DriverID: driverID, RiderID: r.RiderID, Status: r.Status}
	e.notify.EmitToRideAudience(r.ID, event, ev)
	e.notify.EmitToRiderAudience(r.RiderID, event, ev)
}

func (e *Engine) offerFor(r *models.Ride, driverID string) models.RideOffer {
	offer := models.RideOffer{
		RideID:      r.ID,
		RiderID:     r.RiderID,
		Origin:      r.Origin,
		Destination: r.Destination,
		ExpiresAt:   e.now().Add(e.window),
	}
	if e.locator != nil {
		if pos, ok := e.locator.Position(driverID); ok {
			dist := geo.DistanceKm(pos.Loc, r.Origin)
			secs := eta.EstimateSeconds(pos.Loc, r.Origin, e.speedMps)
			offer.DistanceKm, offer.ETASeconds = &dist, &secs
		}
	}
	return offer
}

// reopen returns a pending ride to the open pool and remembers the driver
// so it is never offered this ride again.
func reopen(r *models.Ride, driverID string) {
	r.Status = models.RideOpen
	r.AssignedDriver = ""
	if !r.HasDeclined(driverID) {
		r.DeclinedDrivers = append(r.DeclinedDrivers, driverID)
	}
}
