package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, rider_id, assigned_driver, status, declined_drivers, origin_lat, origin_lon, dest_lat, dest_lon, payment_intent_id, version, created_at, updated_at`

func (p *PostgresStore) FindByID(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Save(ctx context.Context, r *models.Ride) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	var (
		res sql.Result
		err error
	)
	if r.Version == 0 {
		res, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11,$12) ON CONFLICT (id) DO NOTHING`,
			r.ID, r.RiderID, nullable(r.AssignedDriver), string(r.Status), pq.Array(declined(r)),
			r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, nullable(r.PaymentIntentID), r.CreatedAt, now)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE rides SET assigned_driver=$1, status=$2, declined_drivers=$3, payment_intent_id=$4, version=version+1, updated_at=$5 WHERE id=$6 AND version=$7`,
			nullable(r.AssignedDriver), string(r.Status), pq.Array(declined(r)), nullable(r.PaymentIntentID), now, r.ID, r.Version)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	r.Version++
	r.UpdatedAt = now
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		r        models.Ride
		status   string
		assigned sql.NullString
		intent   sql.NullString
	)
	err := s.Scan(&r.ID, &r.RiderID, &assigned, &status, pq.Array(&r.DeclinedDrivers),
		&r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon, &intent, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.AssignedDriver = assigned.String
	r.PaymentIntentID = intent.String
	return &r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// a nil slice would be written as NULL
func declined(r *models.Ride) []string {
	if r.DeclinedDrivers == nil {
		return []string{}
	}
	return r.DeclinedDrivers
}
