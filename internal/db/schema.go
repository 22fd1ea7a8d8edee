package db

// PostgresSchema creates the tables used by the Postgres store.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS gateways (
		gateway_id TEXT PRIMARY KEY,
		lat DOUBLE PRECISION NOT NULL,
		lon DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		device_id TEXT NOT NULL REFERENCES devices(device_id),
		f_cnt BIGINT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		temperature_c DOUBLE PRECISION,
		pressure_bar DOUBLE PRECISION,
		rssi DOUBLE PRECISION,
		snr DOUBLE PRECISION,
		gateway_id TEXT,
		PRIMARY KEY (device_id, f_cnt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, ts DESC)`,
}

// SQLiteSchema mirrors PostgresSchema for the embedded store. Timestamps are
// stored as fixed-width UTC text (see timeparser.StorageLayout).
var SQLiteSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY
	);`,
	`CREATE TABLE IF NOT EXISTS gateways (
		gateway_id TEXT PRIMARY KEY,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS readings (
		device_id TEXT NOT NULL REFERENCES devices(device_id),
		f_cnt INTEGER NOT NULL,
		ts TEXT NOT NULL,
		temperature_c REAL,
		pressure_bar REAL,
		rssi REAL,
		snr REAL,
		gateway_id TEXT,
		PRIMARY KEY (device_id, f_cnt)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, ts);`,
}
