package dispatch

import (
	"testing"

	"github.com/example/ride-dispatch/internal/dispatch/dispatchtest"
)

func TestEmitToDriverFollowsLatestBinding(t *testing.T) {
	r := NewRouter(nil)
	old, cur := dispatchtest.NewConn("c1"), dispatchtest.NewConn("c2")
	r.Register(old)
	r.Register(cur)
	r.BindDriver("d1", "c1")
	r.BindDriver("d1", "c2")

	if !r.EmitToDriver("d1", "rideRequest", "x") {
		t.Fatal("expected delivery")
	}
	if len(old.Frames()) != 0 || len(cur.Frames()) != 1 {
		t.Fatalf("stale connection must not receive: old=%d cur=%d", len(old.Frames()), len(cur.Frames()))
	}
	if r.EmitToDriver("ghost", "rideRequest", "x") {
		t.Fatal("unknown driver is a no-op")
	}
}

func TestAudiencesAndUnregister(t *testing.T) {
	r := NewRouter(nil)
	a, b := dispatchtest.NewConn("a"), dispatchtest.NewConn("b")
	r.Register(a)
	r.Register(b)
	r.JoinRideAudience("a", "ride1")
	r.JoinRideAudience("a", "ride1")
	r.JoinRideAudience("b", "ride1")
	r.JoinRiderAudience("b", "rider1")
	r.BindDriver("d1", "a")

	if n := r.EmitToRideAudience("ride1", "rideStarted", nil); n != 2 {
		t.Fatalf("expected 2 recipients, got %d", n)
	}
	if len(a.Events("rideStarted")) != 1 {
		t.Fatalf("duplicate join must not duplicate delivery")
	}
	if n := r.EmitToRiderAudience("rider1", "rideAccepted", nil); n != 1 {
		t.Fatalf("expected 1 rider recipient, got %d", n)
	}

	r.Unregister("a")
	if _, ok := r.DriverFor("a"); ok {
		t.Fatal("driver binding must be dropped with its connection")
	}
	if n := r.EmitToRideAudience("ride1", "rideEnded", nil); n != 1 {
		t.Fatalf("expected 1 recipient after unregister, got %d", n)
	}
	if r.JoinRideAudience("a", "ride2") {
		t.Fatal("unknown connection cannot join")
	}
}

func TestBroadcastIgnoresFailedConn(t *testing.T) {
	r := NewRouter(nil)
	bad, good := dispatchtest.NewConn("bad"), dispatchtest.NewConn("good")
	bad.Fail = true
	r.Register(bad)
	r.Register(good)
	if n := r.BroadcastToAll("driversUpdate", 1); n != 2 {
		t.Fatalf("expected 2 targets, got %d", n)
	}
	if len(good.Frames()) != 1 {
		t.Fatal("healthy connection must still receive")
	}
}

func TestUnbindIgnoresStaleConnection(t *testing.T) {
	r := NewRouter(nil)
	r.Register(dispatchtest.NewConn("c1"))
	r.Register(dispatchtest.NewConn("c2"))
	r.BindDriver("d1", "c1")
	r.BindDriver("d1", "c2")

	if r.UnbindDriver("d1", "c1") {
		t.Fatal("unbinding from the old connection must be a no-op")
	}
	if !r.EmitToDriver("d1", "rideRequest", nil) {
		t.Fatal("rebind to c2 must survive")
	}
	if _, ok := r.DriverFor("c1"); ok {
		t.Fatal("c1 no longer carries d1")
	}
	r.Unregister("c1")
	if id, ok := r.DriverFor("c2"); !ok || id != "d1" {
		t.Fatalf("c2 must still resolve d1, got %q", id)
	}
	if !r.UnbindDriver("d1", "c2") || r.EmitToDriver("d1", "rideRequest", nil) {
		t.Fatal("unbinding the current connection must drop the route")
	}
}

func TestDriverForIsDeterministic(t *testing.T) {
	r := NewRouter(nil)
	r.Register(dispatchtest.NewConn("c"))
	r.BindDriver("d1", "c")
	r.BindDriver("d2", "c")
	for i := 0; i < 20; i++ {
		if id, _ := r.DriverFor("c"); id != "d2" {
			t.Fatalf("latest binding must win, got %q", id)
		}
	}
	r.UnbindDriver("d2", "c")
	if id, ok := r.DriverFor("c"); !ok || id != "d1" {
		t.Fatalf("expected fallback to d1, got %q ok=%v", id, ok)
	}
	r.BindDriver("d1", "c")
	r.BindDriver("d2", "c")
	r.BindDriver("d1", "c")
	if id, _ := r.DriverFor("c"); id != "d1" {
		t.Fatalf("rebinding moves d1 to the front, got %q", id)
	}
}
