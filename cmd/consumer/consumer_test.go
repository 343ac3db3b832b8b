package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeMirror implements Mirror for tests
type fakeMirror struct {
	failUpsert  int // number of times to fail Upsert before succeeding
	failRemove  int
	upsertCalls int
	removeCalls int
	last        models.Coord
}

func (f *fakeMirror) Upsert(ctx context.Context, driverID string, loc models.Coord, at time.Time) error {
	f.upsertCalls++
	if f.upsertCalls <= f.failUpsert {
		return errors.New("geo fail")
	}
	f.last = loc
	return nil
}

func (f *fakeMirror) Remove(ctx context.Context, driverID string) error {
	f.removeCalls++
	if f.removeCalls <= f.failRemove {
		return errors.New("remove fail")
	}
	return nil
}

func TestMirrorWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeMirror{failUpsert: 2}
	ev := models.LocationEvent{DriverID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Online: true, At: time.Now()}
	start := time.Now()
	if err := mirrorWithRetry(context.Background(), f, ev, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.upsertCalls != 3 || f.removeCalls != 0 {
		t.Fatalf("expected 3 upserts, got upsert=%d remove=%d", f.upsertCalls, f.removeCalls)
	}
	if f.last.Lat != 1 || f.last.Lon != 2 {
		t.Fatalf("unexpected location %+v", f.last)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff")
	}
}

func TestMirrorWithRetry_OfflineRemoves(t *testing.T) {
	f := &fakeMirror{failRemove: 1}
	ev := models.LocationEvent{DriverID: "d1", Online: false}
	if err := mirrorWithRetry(context.Background(), f, ev, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.removeCalls != 2 || f.upsertCalls != 0 {
		t.Fatalf("expected remove only, got upsert=%d remove=%d", f.upsertCalls, f.removeCalls)
	}
}

func TestMirrorWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeMirror{failUpsert: 5}
	ev := models.LocationEvent{DriverID: "d1", Online: true}
	if err := mirrorWithRetry(context.Background(), f, ev, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upsertCalls)
	}
}

func TestMirrorWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeMirror{failUpsert: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := mirrorWithRetry(ctx, f, models.LocationEvent{DriverID: "d1", Online: true}, 3, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.upsertCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.upsertCalls)
	}
}
