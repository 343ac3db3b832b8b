package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	// ErrConflict means the ride changed since it was read.
	ErrConflict = errors.New("ride version conflict")
)

// RideStore is the persisted-ride collaborator. Save is optimistic: a ride
// with Version 0 is inserted, otherwise it is written only when the stored
// version still matches. On success r.Version is bumped.
type RideStore interface {
	FindByID(ctx context.Context, id string) (*models.Ride, error)
	Save(ctx context.Context, r *models.Ride) error
	ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.rides[r.ID]
	switch {
	case r.Version == 0 && exists:
		return ErrConflict
	case r.Version != 0 && (!exists || cur.Version != r.Version):
		return ErrConflict
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Version++
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
