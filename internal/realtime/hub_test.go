package realtime

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch/dispatchtest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func newHub(t *testing.T) (*Hub, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	h := New(store, Options{ResponseWindow: 50 * time.Millisecond, SessionRetention: time.Minute})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h, store
}

func connect(h *Hub, id string) *dispatchtest.Conn {
	c := dispatchtest.NewConn(id)
	h.Connect(c)
	return c
}

func send(h *Hub, connID, event string, payload string) {
	h.Handle(context.Background(), connID, event, json.RawMessage(payload))
}

func TestNearbyScenario(t *testing.T) {
	h, _ := newHub(t)
	connect(h, "driver")
	rider := connect(h, "rider")

	send(h, "driver", EventDriverOnline, `{"driverId":"D1","latitude":59.91,"longitude":10.75}`)
	rider.Reset()
	send(h, "rider", EventRequestNearby, `{"latitude":59.92,"longitude":10.76,"radiusKm":5}`)

	got := rider.Events(models.EventDriversUpdate)
	if len(got) != 1 {
		t.Fatalf("expected one private reply, got %d", len(got))
	}
	found := got[0].(map[string]models.NearbyDriver)
	d1, ok := found["D1"]
	if !ok || d1.DistanceKm == nil || math.Abs(*d1.DistanceKm-1.2) > 0.1 {
		t.Fatalf("expected D1 at ~1.2km, got %+v", found)
	}
}

func TestNearbyReplyIsPrivate(t *testing.T) {
	h, _ := newHub(t)
	asker := connect(h, "asker")
	other := connect(h, "other")
	send(h, "asker", EventRequestNearby, `{"latitude":1,"longitude":1}`)
	if len(asker.Events(models.EventDriversUpdate)) != 1 || len(other.Frames()) != 0 {
		t.Fatal("proximity reply must go only to the asking connection")
	}
}

func TestMalformedLocationUpdatesDropped(t *testing.T) {
	h, _ := newHub(t)
	watcher := connect(h, "watcher")
	connect(h, "driver")

	send(h, "driver", EventDriverLocationUpdate, `{"latitude":1,"longitude":2}`)
	send(h, "driver", EventDriverLocationUpdate, `{"driverId":"D1","latitude":1}`)
	send(h, "driver", EventDriverLocationUpdate, `{"driverId":"D1","latitude":null,"longitude":2}`)
	send(h, "driver", EventDriverLocationUpdate, `not json`)
	send(h, "driver", "somethingElse", `{}`)
	if len(watcher.Frames()) != 0 || len(h.Tracker().Positions()) != 0 {
		t.Fatal("malformed updates must change nothing")
	}

	send(h, "driver", EventDriverLocationUpdate, `{"driverId":"D1","latitude":0,"longitude":0}`)
	if _, ok := h.Tracker().Position("D1"); !ok {
		t.Fatal("zero coordinate is a valid update")
	}
}

func TestDisconnectDropsDriver(t *testing.T) {
	h, _ := newHub(t)
	connect(h, "driver")
	send(h, "driver", EventDriverOnline, `{"driverId":"D1","latitude":59.91,"longitude":10.75}`)

	h.Disconnect(context.Background(), "driver")
	if len(h.Tracker().Nearby(models.Coord{Lat: 59.91, Lon: 10.75}, 5)) != 0 {
		t.Fatal("dropped driver must not be found")
	}
	if h.router.Len() != 0 {
		t.Fatal("connection must be unregistered")
	}
}

func seedRide(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	r := &models.Ride{ID: id, RiderID: "U1", Status: models.RideOpen}
	if err := store.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptUsesConnectionBinding(t *testing.T) {
	h, store := newHub(t)
	ctx := context.Background()
	driver := connect(h, "driver")
	impostor := connect(h, "impostor")
	rider := connect(h, "rider")
	seedRide(t, store, "R1")

	send(h, "driver", EventDriverOnline, `{"driverId":"D1"}`)
	send(h, "impostor", EventDriverOnline, `{"driverId":"D2"}`)
	send(h, "rider", EventRiderOnline, `{"riderId":"U1"}`)
	if err := h.Engine().Book(ctx, "R1", "D1"); err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(driver.Events(models.EventRideRequest)) != 1 {
		t.Fatal("driver must receive the offer")
	}

	// payload driver id is ignored
	send(h, "impostor", EventAcceptRide, `{"rideId":"R1","driverId":"D1"}`)
	if r, _ := store.FindByID(ctx, "R1"); r.Status != models.RidePending {
		t.Fatalf("impostor must not accept, got %s", r.Status)
	}
	if len(impostor.Events(models.EventRideRequest)) != 0 {
		t.Fatal("offer must not leak to other drivers")
	}

	send(h, "driver", EventAcceptRide, `{"rideId":"R1"}`)
	if r, _ := store.FindByID(ctx, "R1"); r.Status != models.RideAccepted {
		t.Fatalf("expected accepted, got %s", r.Status)
	}
	if len(rider.Events(models.EventRideAccepted)) != 1 {
		t.Fatal("rider must be told")
	}
}

func TestDeclineFromUnboundConnectionIgnored(t *testing.T) {
	h, store := newHub(t)
	ctx := context.Background()
	connect(h, "anon")
	seedRide(t, store, "R1")
	_ = h.Engine().Book(ctx, "R1", "D1")

	send(h, "anon", EventDeclineRide, `{"rideId":"R1"}`)
	if r, _ := store.FindByID(ctx, "R1"); r.Status != models.RidePending {
		t.Fatalf("unbound decline must be ignored, got %s", r.Status)
	}
}

func TestJoinRideReplaysPosition(t *testing.T) {
	h, store := newHub(t)
	ctx := context.Background()
	connect(h, "driver")
	seedRide(t, store, "R1")
	send(h, "driver", EventDriverOnline, `{"driverId":"D1","latitude":59.91,"longitude":10.75}`)
	_ = h.Engine().RequestAssignment(ctx, "R1", "D1")

	// no session yet: the persisted assignment is used
	early := connect(h, "early")
	send(h, "early", EventJoinRide, `{"rideId":"R1"}`)
	if len(early.Events(models.EventCarLocationUpdate)) != 1 {
		t.Fatal("joiner must get the assigned driver's position")
	}

	send(h, "driver", EventStartRide, `{"rideId":"R1","driverId":"D1","riderId":"U1"}`)
	observer := connect(h, "observer")
	send(h, "observer", EventJoinRide, `{"rideId":"R1"}`)
	got := observer.Events(models.EventCarLocationUpdate)
	if len(got) != 1 {
		t.Fatalf("expected replay, got %d", len(got))
	}
	if loc := got[0].(models.CarLocation); loc.DriverID != "D1" || loc.Lat != 59.91 {
		t.Fatalf("unexpected replay %+v", loc)
	}

	send(h, "driver", EventDriverLocationUpdate, `{"driverId":"D1","latitude":59.915,"longitude":10.751}`)
	if n := len(observer.Events(models.EventCarLocationUpdate)); n != 2 {
		t.Fatalf("live update must reach the ride audience, got %d", n)
	}
}

func TestJoinRideWithoutDriverIsQuiet(t *testing.T) {
	h, store := newHub(t)
	seedRide(t, store, "R1")
	c := connect(h, "c")
	send(h, "c", EventJoinRide, `{"rideId":"R1"}`)
	send(h, "c", EventJoinRide, `{"rideId":"unknown"}`)
	if len(c.Frames()) != 0 {
		t.Fatal("nothing to replay")
	}
}

func TestEndRideBySocket(t *testing.T) {
	h, store := newHub(t)
	ctx := context.Background()
	driver := connect(h, "driver")
	rider := connect(h, "rider")
	seedRide(t, store, "R1")
	send(h, "driver", EventDriverOnline, `{"driverId":"D1"}`)
	send(h, "rider", EventRiderOnline, `{"riderId":"U1"}`)
	_ = h.Engine().RequestAssignment(ctx, "R1", "D1")
	if err := h.Engine().ConfirmPayment(ctx, "R1"); err != nil {
		t.Fatal(err)
	}
	if len(driver.Events(models.EventRideStarted)) != 1 {
		t.Fatal("driver must be told to navigate")
	}

	send(h, "driver", EventEndRide, `{"rideId":"R1"}`)
	if r, _ := store.FindByID(ctx, "R1"); r.Status != models.RideCompleted {
		t.Fatalf("expected completed, got %s", r.Status)
	}
	if len(rider.Events(models.EventRideEnded)) != 1 {
		t.Fatal("rider must be told the ride ended")
	}
}

func TestStartRecoversPendingRides(t *testing.T) {
	store := storage.NewMemoryStore()
	r := &models.Ride{ID: "R1", RiderID: "U1", Status: models.RidePending, AssignedDriver: "D1"}
	if err := store.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	h := New(store, Options{ResponseWindow: 20 * time.Millisecond})
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := store.FindByID(context.Background(), "R1"); got.Status == models.RideOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending ride from a previous process never expired")
}
