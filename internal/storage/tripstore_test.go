package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreOptimisticSave(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &models.Ride{ID: "r1", RiderID: "u1", Status: models.RideOpen}
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if r.Version != 1 {
		t.Fatalf("expected version 1, got %d", r.Version)
	}
	if err := s.Save(ctx, &models.Ride{ID: "r1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate insert must conflict, got %v", err)
	}

	a, _ := s.FindByID(ctx, "r1")
	b, _ := s.FindByID(ctx, "r1")
	a.Status = models.RidePending
	b.Status = models.RideCancelled
	if err := s.Save(ctx, a); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if err := s.Save(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale writer must conflict, got %v", err)
	}
	got, _ := s.FindByID(ctx, "r1")
	if got.Status != models.RidePending || got.Version != 2 {
		t.Fatalf("unexpected stored ride: %+v", got)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Save(ctx, &models.Ride{ID: "r1", Status: models.RideOpen})
	r, _ := s.FindByID(ctx, "r1")
	r.DeclinedDrivers = append(r.DeclinedDrivers, "d1")
	r.Status = models.RideCancelled
	again, _ := s.FindByID(ctx, "r1")
	if again.Status != models.RideOpen || len(again.DeclinedDrivers) != 0 {
		t.Fatalf("store state leaked through returned pointer: %+v", again)
	}
	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Save(ctx, &models.Ride{ID: "r1", Status: models.RidePending})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	base, _ := s.FindByID(ctx, "r1")
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := base.Clone()
			r.Status = models.RideAccepted
			if err := s.Save(ctx, r); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Save(ctx, &models.Ride{ID: "a", Status: models.RideOpen})
	_ = s.Save(ctx, &models.Ride{ID: "b", Status: models.RidePending})
	_ = s.Save(ctx, &models.Ride{ID: "c", Status: models.RideOpen})
	open, err := s.ListByStatus(ctx, models.RideOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open rides, got %d", len(open))
	}
}
