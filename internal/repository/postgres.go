package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/lorawan-telemetry-hub/internal/db"
)

// PostgresStore handles database operations against PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new Postgres-backed store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InTx runs fn inside a single transaction
func (r *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// Migrate applies db.PostgresSchema
func (r *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range db.PostgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return unavailable("apply schema", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable
func (r *PostgresStore) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) EnsureDevice(ctx context.Context, deviceID string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO devices (device_id) VALUES ($1) ON CONFLICT DO NOTHING`,
		deviceID,
	)
	if err != nil {
		return unavailable("ensure device", err)
	}
	return nil
}

func (t *pgTx) UpsertGatewayPosition(ctx context.Context, gatewayID string, lat, lon *float64, at time.Time) error {
	if !hasPosition(gatewayID, lat, lon) {
		return nil
	}

	query := `
		INSERT INTO gateways (gateway_id, lat, lon, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (gateway_id) DO UPDATE
		SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = EXCLUDED.updated_at
	`
	if _, err := t.tx.Exec(ctx, query, gatewayID, *lat, *lon, at.UTC()); err != nil {
		return unavailable("upsert gateway", err)
	}
	return nil
}

func (t *pgTx) InsertReadingIfNew(ctx context.Context, reading *db.Reading) (bool, error) {
	query := `
		INSERT INTO readings (
			device_id, f_cnt, ts, temperature_c, pressure_bar, rssi, snr, gateway_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, f_cnt) DO NOTHING
	`

	tag, err := t.tx.Exec(ctx, query,
		reading.DeviceID,
		reading.FCnt,
		reading.Ts.UTC(),
		reading.TemperatureC,
		reading.PressureBar,
		reading.RSSI,
		reading.SNR,
		reading.GatewayID,
	)
	if err != nil {
		return false, unavailable("insert reading", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListDevices returns all known devices ordered by id
func (r *PostgresStore) ListDevices(ctx context.Context) ([]db.Device, error) {
	rows, err := r.pool.Query(ctx, `SELECT device_id FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, unavailable("query devices", err)
	}
	defer rows.Close()

	devices := []db.Device{}
	for rows.Next() {
		var d db.Device
		if err := rows.Scan(&d.DeviceID); err != nil {
			return nil, unavailable("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows iteration", err)
	}
	return devices, nil
}

const pgReadingColumns = `device_id, f_cnt, ts, temperature_c, pressure_bar, rssi, snr, gateway_id`

// ListReadings returns the newest readings of a device first
func (r *PostgresStore) ListReadings(ctx context.Context, deviceID string, limit int) ([]db.Reading, error) {
	query := `SELECT ` + pgReadingColumns + `
		FROM readings
		WHERE device_id = $1
		ORDER BY ts DESC, f_cnt DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, deviceID, ClampLimit(limit))
	if err != nil {
		return nil, unavailable("query readings", err)
	}
	defer rows.Close()

	readings := []db.Reading{}
	for rows.Next() {
		reading, err := scanPgReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows iteration", err)
	}
	return readings, nil
}

// LatestReading returns the newest reading of a device or nil when it has none
func (r *PostgresStore) LatestReading(ctx context.Context, deviceID string) (*db.Reading, error) {
	query := `SELECT ` + pgReadingColumns + `
		FROM readings
		WHERE device_id = $1
		ORDER BY ts DESC, f_cnt DESC
		LIMIT 1`

	reading, err := scanPgReading(r.pool.QueryRow(ctx, query, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return reading, err
}

// ListGateways returns up to limit gateways
func (r *PostgresStore) ListGateways(ctx context.Context, limit int) ([]db.Gateway, error) {
	if limit <= 0 {
		limit = DefaultGatewaysLimit
	}

	rows, err := r.pool.Query(ctx,
		`SELECT gateway_id, lat, lon, updated_at FROM gateways ORDER BY gateway_id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, unavailable("query gateways", err)
	}
	defer rows.Close()

	gateways := []db.Gateway{}
	for rows.Next() {
		var g db.Gateway
		if err := rows.Scan(&g.GatewayID, &g.Lat, &g.Lon, &g.UpdatedAt); err != nil {
			return nil, unavailable("scan gateway", err)
		}
		g.UpdatedAt = g.UpdatedAt.UTC()
		gateways = append(gateways, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows iteration", err)
	}
	return gateways, nil
}

func scanPgReading(row pgx.Row) (*db.Reading, error) {
	var reading db.Reading
	err := row.Scan(
		&reading.DeviceID,
		&reading.FCnt,
		&reading.Ts,
		&reading.TemperatureC,
		&reading.PressureBar,
		&reading.RSSI,
		&reading.SNR,
		&reading.GatewayID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("scan reading", err)
	}
	reading.Ts = reading.Ts.UTC()
	return &reading, nil
}
