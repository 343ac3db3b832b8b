package sessions

import (
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type emitted struct {
	rideID string
	event  string
	loc    models.CarLocation
}

type fakeEmitter struct {
	mu  sync.Mutex
	out []emitted
}

func (f *fakeEmitter) EmitToRideAudience(rideID, event string, payload any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, _ := payload.(models.CarLocation)
	f.out = append(f.out, emitted{rideID, event, loc})
	return 1
}

func TestRouteLocationUpdateOnlyInProgress(t *testing.T) {
	em := &fakeEmitter{}
	tbl := NewTable(em, time.Minute, nil)
	if err := tbl.Start("r1", "d1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Start("r2", "d2", "u2"); err != nil {
		t.Fatal(err)
	}
	tbl.End("r2")

	pos := models.Position{DriverID: "d1", Loc: models.Coord{Lat: 0, Lon: 0}, UpdatedAt: time.Now()}
	if n := tbl.RouteLocationUpdate("d1", pos); n != 1 {
		t.Fatalf("expected 1 routed ride, got %d", n)
	}
	if n := tbl.RouteLocationUpdate("d2", pos); n != 0 {
		t.Fatalf("completed session must not receive updates, got %d", n)
	}
	if len(em.out) != 1 || em.out[0].rideID != "r1" || em.out[0].event != models.EventCarLocationUpdate {
		t.Fatalf("unexpected emits: %+v", em.out)
	}
	if em.out[0].loc.DriverID != "d1" {
		t.Fatalf("payload driver mismatch: %+v", em.out[0].loc)
	}
}

func TestStartRejectsSecondActiveRide(t *testing.T) {
	tbl := NewTable(nil, time.Minute, nil)
	if err := tbl.Start("r1", "d1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Start("r2", "d1", "u2"); err != ErrDriverBusy {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
	// restarting the same ride overwrites
	if err := tbl.Start("r1", "d1", "u1"); err != nil {
		t.Fatalf("overwrite of same ride should succeed: %v", err)
	}
	tbl.End("r1")
	if err := tbl.Start("r2", "d1", "u2"); err != nil {
		t.Fatalf("driver free after completion: %v", err)
	}
	if id, ok := tbl.ActiveRide("d1"); !ok || id != "r2" {
		t.Fatalf("expected active r2, got %q %v", id, ok)
	}
}

func TestSweepEvictsCompletedAfterRetention(t *testing.T) {
	tbl := NewTable(nil, 10*time.Minute, nil)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return base }
	_ = tbl.Start("r1", "d1", "u1")
	_ = tbl.Start("r2", "d2", "u2")
	tbl.End("r1")

	if n := tbl.Sweep(base.Add(5 * time.Minute)); n != 0 {
		t.Fatalf("evicted too early: %d", n)
	}
	if n := tbl.Sweep(base.Add(10 * time.Minute)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, ok := tbl.Get("r1"); ok {
		t.Fatalf("r1 should be gone")
	}
	if s, ok := tbl.Get("r2"); !ok || s.Status != models.SessionInProgress {
		t.Fatalf("in-progress session must survive sweeps")
	}
}

func TestEndUnknownRide(t *testing.T) {
	tbl := NewTable(nil, 0, nil)
	if tbl.End("nope") {
		t.Fatal("expected false for unknown ride")
	}
}
