package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Inbound event names.
const (
	EventDriverOnline         = "driverOnline"
	EventDriverOffline        = "driverOffline"
	EventDriverLocationUpdate = "driverLocationUpdate"
	EventRiderOnline          = "riderOnline"
	EventRequestNearby        = "requestNearbyDrivers"
	EventJoinRide             = "joinRide"
	EventStartRide            = "startRide"
	EventEndRide              = "endRide"
	EventAcceptRide           = "acceptRide"
	EventDeclineRide          = "declineRide"
)

var errMalformed = errors.New("malformed message")

func isDrop(err error) bool { return errors.Is(err, errMalformed) }

type handlerFunc func(ctx context.Context, h *Hub, connID string, data json.RawMessage) error

// handlers is built once and only read afterwards.
var handlers = map[string]handlerFunc{
	EventDriverOnline:         handleDriverOnline,
	EventDriverOffline:        handleDriverOffline,
	EventDriverLocationUpdate: handleLocationUpdate,
	EventRiderOnline:          handleRiderOnline,
	EventRequestNearby:        handleRequestNearby,
	EventJoinRide:             handleJoinRide,
	EventStartRide:            handleStartRide,
	EventEndRide:              handleEndRide,
	EventAcceptRide:           handleAcceptRide,
	EventDeclineRide:          handleDeclineRide,
}

// Coordinates are pointers so an explicit 0 is told apart from a missing
// field.
type driverPayload struct {
	DriverID  string   `json:"driverId"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

type riderPayload struct {
	RiderID string `json:"riderId"`
}

type nearbyPayload struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	RadiusKm  float64  `json:"radiusKm"`
}

type ridePayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
	RiderID  string `json:"riderId"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func handleDriverOnline(ctx context.Context, h *Hub, connID string, data json.RawMessage) error {
	var p driverPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.DriverID == "" {
		return errMalformed
	}
	var loc *models.Coord
	if p.Latitude != nil && p.Longitude != nil {
		loc = &models.Coord{Lat: *p.Latitude, Lon: *p.Longitude}
	}
	h.tracker.Announce(ctx, p.DriverID, connID, loc)
	return nil
}

func handleDriverOffline(ctx context.Context, h *Hub, _ string, data json.RawMessage) error {
	var p driverPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.DriverID == "" {
		return errMalformed
	}
	h.tracker.SignOff(ctx, p.DriverID)
	return nil
}

func handleLocationUpdate(ctx context.Context, h *Hub, connID string, data json.RawMessage) error {
	var p driverPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.DriverID == "" || p.Latitude == nil || p.Longitude == nil {
		return errMalformed
	}
	h.tracker.ReportLocation(ctx, p.DriverID, connID, models.Coord{Lat: *p.Latitude, Lon: *p.Longitude})
	return nil
}

func handleRiderOnline(_ context.Context, h *Hub, connID string, data json.RawMessage) error {
	var p riderPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RiderID == "" {
		return errMalformed
	}
	h.router.JoinRiderAudience(connID, p.RiderID)
	return nil
}

// handleRequestNearby replies only to the asking connection.
func handleRequestNearby(_ context.Context, h *Hub, connID string, data json.RawMessage) error {
	var p nearbyPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.Latitude == nil || p.Longitude == nil {
		return errMalformed
	}
	found := h.tracker.Nearby(models.Coord{Lat: *p.Latitude, Lon: *p.Longitude}, p.RadiusKm)
	h.router.EmitToConn(connID, models.EventDriversUpdate, found)
	return nil
}

func handleJoinRide(ctx context.Context, h *Hub, connID string, data json.RawMessage) error {
	var p ridePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RideID == "" {
		return errMalformed
	}
	if !h.router.JoinRideAudience(connID, p.RideID) {
		return nil
	}
	h.replayPosition(ctx, connID, p.RideID)
	return nil
}

func handleStartRide(ctx context.Context, h *Hub, _ string, data json.RawMessage) error {
	var p ridePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RideID == "" || p.DriverID == "" {
		return errMalformed
	}
	return h.engine.StartSession(ctx, p.RideID, p.DriverID, p.RiderID)
}

// Driver identity for the remaining events comes from the connection
// binding, never from the payload.

func handleEndRide(ctx context.Context, h *Hub, connID string, data json.RawMessage) error {
	rideID, driverID, err := driverAction(h, connID, data)
	if err != nil {
		return err
	}
	return h.engine.End(ctx, rideID, driverID)
}

func handleAcceptRide(ctx context.Context, h *Hub, connID string, data json.RawMessage) error {
	rideID, driverID, err := driverAction(h, connID, data)
	if err != nil {
		return err
	}
	return h.engine.Accept(ctx, rideID, driverID)
}

func handleDeclineRide(ctx context.Context, h *Hub, connID string, data json.RawMessage) error {
	rideID, driverID, err := driverAction(h, connID, data)
	if err != nil {
		return err
	}
	return h.engine.Decline(ctx, rideID, driverID)
}

var errUnboundConn = errors.New("connection has no driver bound")

func driverAction(h *Hub, connID string, data json.RawMessage) (string, string, error) {
	var p ridePayload
	if err := decode(data, &p); err != nil {
		return "", "", err
	}
	if p.RideID == "" {
		return "", "", errMalformed
	}
	driverID, ok := h.router.DriverFor(connID)
	if !ok {
		return "", "", errUnboundConn
	}
	return p.RideID, driverID, nil
}
