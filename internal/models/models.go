package models

import "time"

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Position is the last known coordinate of a reachable driver.
type Position struct {
	DriverID  string    `json:"driverId"`
	Loc       Coord     `json:"location"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NearbyDriver is one entry of a driversUpdate payload. DistanceKm is only
// set for proximity replies.
type NearbyDriver struct {
	Lat        float64  `json:"latitude"`
	Lon        float64  `json:"longitude"`
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}

type RideStatus string

const (
	RideOpen       RideStatus = "open"
	RidePending    RideStatus = "pending"
	RideAccepted   RideStatus = "accepted"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// Ride is the persisted ride record. Version is bumped on every successful
// save and guards concurrent transitions.
type Ride struct {
	ID              string     `json:"id"`
	RiderID         string     `json:"riderId"`
	AssignedDriver  string     `json:"assignedDriver,omitempty"`
	Status          RideStatus `json:"status"`
	DeclinedDrivers []string   `json:"declinedDrivers"`
	Origin          Coord      `json:"origin"`
	Destination     Coord      `json:"destination"`
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	Version         int        `json:"version"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (r *Ride) HasDeclined(driverID string) bool {
	for _, d := range r.DeclinedDrivers {
		if d == driverID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r *Ride) Clone() *Ride {
	c := *r
	c.DeclinedDrivers = append([]string(nil), r.DeclinedDrivers...)
	return &c
}

type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

type RideSession struct {
	RideID    string        `json:"rideId"`
	DriverID  string        `json:"driverId"`
	RiderID   string        `json:"riderId"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt,omitempty"`
}

// Outbound event names.
const (
	EventDriversUpdate      = "driversUpdate"
	EventCarLocationUpdate  = "carLocationUpdate"
	EventRideStarted        = "rideStarted"
	EventRideEnded          = "rideEnded"
	EventRideAccepted       = "rideAccepted"
	EventRideDeclined       = "rideDeclined"
	EventRideRequest        = "rideRequest"
	EventRideRequestTimeout = "rideRequestTimeout"
	EventRideDeclineAck     = "rideDeclineAck"
	EventRideCancelled      = "rideCancelled"
)

// RideEvent is the payload of rider/driver facing lifecycle notifications.
type RideEvent struct {
	RideID   string     `json:"rideId"`
	DriverID string     `json:"driverId,omitempty"`
	RiderID  string     `json:"riderId,omitempty"`
	Status   RideStatus `json:"status"`
}

// RideOffer is pushed to the driver a rider booked.
type RideOffer struct {
	RideID      string    `json:"rideId"`
	RiderID     string    `json:"riderId"`
	Origin      Coord     `json:"origin"`
	Destination Coord     `json:"destination"`
	DistanceKm  *float64  `json:"distanceKm,omitempty"`
	ETASeconds  *float64  `json:"etaSeconds,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type CarLocation struct {
	RideID    string    `json:"rideId"`
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LocationEvent is what the dispatch process streams to Kafka for every
// presence change.
type LocationEvent struct {
	DriverID string    `json:"driverId"`
	Loc      Coord     `json:"location"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

// RideTransition is streamed to Kafka for every persisted state change.
type RideTransition struct {
	RideID   string     `json:"rideId"`
	From     RideStatus `json:"from"`
	To       RideStatus `json:"to"`
	DriverID string     `json:"driverId,omitempty"`
	At       time.Time  `json:"at"`
}
