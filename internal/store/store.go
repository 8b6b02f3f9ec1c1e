// Package store is the SQLite-backed datastore for devices, motors,
// telemetry rows, run-time sessions, and event/activity logs. All session
// read-modify-write cycles happen inside one transaction so two
// near-simultaneous messages for the same key can never both observe "no
// open session" and double-insert.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/agrolinq/pumpfleet/pkg/models"
)

// Store wraps the SQLite database. All methods are safe for concurrent use;
// the database is opened in WAL mode with a single writer connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs the schema
// migration. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One writer connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS devices (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    mac            TEXT    NOT NULL UNIQUE,
    pcb_serial     TEXT    NOT NULL DEFAULT '',
    provisioned    INTEGER NOT NULL DEFAULT 0,
    power          INTEGER NOT NULL DEFAULT 0,
    signal_quality INTEGER NOT NULL DEFAULT 0,
    network_type   TEXT    NOT NULL DEFAULT '',
    device_status  TEXT    NOT NULL DEFAULT 'offline',
    config_pending INTEGER NOT NULL DEFAULT 0,
    config_json    TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS motors (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    starter_id    INTEGER NOT NULL REFERENCES devices(id),
    location_id   INTEGER NOT NULL DEFAULT 0,
    owner_user_id INTEGER NOT NULL DEFAULT 0,
    motor_state   INTEGER NOT NULL DEFAULT 0,
    mode          TEXT    NOT NULL DEFAULT 'manual'
);
CREATE INDEX IF NOT EXISTS idx_motors_starter ON motors (starter_id);
CREATE TABLE IF NOT EXISTS telemetry (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    starter_id       INTEGER NOT NULL,
    motor_id         INTEGER NOT NULL,
    group_key        TEXT    NOT NULL,
    payload_version  REAL    NOT NULL,
    voltage_r        REAL NOT NULL, voltage_y REAL NOT NULL, voltage_b REAL NOT NULL,
    current_r        REAL NOT NULL, current_y REAL NOT NULL, current_b REAL NOT NULL,
    voltage_avg      REAL    NOT NULL,
    current_avg      REAL    NOT NULL,
    power            INTEGER NOT NULL,
    motor_state      INTEGER NOT NULL,
    motor_mode       INTEGER NOT NULL,
    alert_code       INTEGER NOT NULL,
    fault_code       INTEGER NOT NULL,
    capture_time     TEXT    NOT NULL,
    is_valid         INTEGER NOT NULL,
    errors           TEXT    NOT NULL,
    raw_json         TEXT    NOT NULL,
    received_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_starter_received
    ON telemetry (starter_id, received_at_unix DESC);
CREATE TABLE IF NOT EXISTS alert_fault_events (
    id          TEXT PRIMARY KEY,
    starter_id  INTEGER NOT NULL,
    motor_id    INTEGER NOT NULL,
    kind        TEXT    NOT NULL,
    code        INTEGER NOT NULL,
    description TEXT    NOT NULL,
    at_unix     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS motor_sessions (
    id             TEXT PRIMARY KEY,
    starter_id     INTEGER NOT NULL,
    motor_id       INTEGER NOT NULL,
    start_ms       INTEGER NOT NULL,
    end_ms         INTEGER,
    motor_state    INTEGER NOT NULL,
    motor_mode     TEXT    NOT NULL,
    power_start_ms INTEGER NOT NULL,
    power_end_ms   INTEGER,
    power_state    INTEGER NOT NULL,
    duration       TEXT,
    power_duration TEXT,
    time_stamp_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_motor_sessions_open
    ON motor_sessions (starter_id, motor_id) WHERE end_ms IS NULL;
CREATE TABLE IF NOT EXISTS device_sessions (
    id          TEXT PRIMARY KEY,
    starter_id  INTEGER NOT NULL,
    start_ms    INTEGER NOT NULL,
    end_ms      INTEGER,
    power_state INTEGER NOT NULL,
    duration    TEXT
);
CREATE INDEX IF NOT EXISTS idx_device_sessions_open
    ON device_sessions (starter_id) WHERE end_ms IS NULL;
CREATE TABLE IF NOT EXISTS activity_log (
    id        TEXT PRIMARY KEY,
    motor_id  INTEGER NOT NULL,
    field     TEXT    NOT NULL,
    old_value TEXT    NOT NULL,
    new_value TEXT    NOT NULL,
    at_unix   INTEGER NOT NULL
);
`)
	return err
}

// Ping returns nil if the database is reachable.
func (s *Store) Ping() error { return s.db.Ping() }

// Close releases all database resources.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside one transaction, committing on nil and rolling back
// on error. Reconciliation for one telemetry message happens entirely inside
// a single WithTx call so partial application is impossible.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ResolveDevice looks a starter box up by its hardware MAC together with its
// currently assigned motor. Returns (nil, nil) for an unknown address; a
// known device with no bound motor has a nil Motor.
func (s *Store) ResolveDevice(ctx context.Context, mac string) (*models.DeviceContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.mac, d.pcb_serial, d.provisioned, d.power,
		       d.signal_quality, d.network_type, d.device_status,
		       d.config_pending, d.config_json,
		       m.id, m.location_id, m.owner_user_id, m.motor_state, m.mode
		FROM devices d
		LEFT JOIN motors m ON m.starter_id = d.id
		WHERE d.mac = ?
		ORDER BY m.id LIMIT 1`, mac)

	var (
		dc          models.DeviceContext
		provisioned int
		pending     int
		motorID     sql.NullInt64
		locationID  sql.NullInt64
		ownerID     sql.NullInt64
		motorState  sql.NullInt64
		mode        sql.NullString
	)
	err := row.Scan(
		&dc.Device.StarterID, &dc.Device.MAC, &dc.Device.PCBSerial, &provisioned,
		&dc.Device.Power, &dc.Device.SignalQuality, &dc.Device.NetworkType,
		&dc.Device.DeviceStatus, &pending, &dc.Device.ConfigJSON,
		&motorID, &locationID, &ownerID, &motorState, &mode,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve device %q: %w", mac, err)
	}
	dc.Device.Provisioned = provisioned != 0
	dc.Device.ConfigPending = pending != 0
	if motorID.Valid {
		dc.Motor = &models.MotorSnapshot{
			MotorID:     motorID.Int64,
			StarterID:   dc.Device.StarterID,
			LocationID:  locationID.Int64,
			OwnerUserID: ownerID.Int64,
			MotorState:  int(motorState.Int64),
			Mode:        mode.String,
		}
	}
	return &dc, nil
}

// PendingConfig returns the queued configuration payload for a starter box,
// together with whether one is pending.
func (s *Store) PendingConfig(ctx context.Context, starterID int64) (string, bool, error) {
	var pending int
	var cfg string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_pending, config_json FROM devices WHERE id = ?`,
		starterID).Scan(&pending, &cfg)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return cfg, pending != 0, nil
}

// QueueConfig stores a configuration payload to be pushed on the next
// opportunity and marks it pending.
func (s *Store) QueueConfig(ctx context.Context, starterID int64, configJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET config_pending = 1, config_json = ? WHERE id = ?`,
		configJSON, starterID)
	return err
}

// ClearPendingConfig marks the queued configuration as delivered.
func (s *Store) ClearPendingConfig(ctx context.Context, starterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET config_pending = 0 WHERE id = ?`, starterID)
	return err
}

// TelemetryRow is what the ops API returns for recent-telemetry queries.
type TelemetryRow struct {
	ID         int64   `json:"id"`
	StarterID  int64   `json:"starter_id"`
	GroupKey   string  `json:"group_key"`
	Power      int     `json:"power"`
	MotorState int     `json:"motor_state"`
	VoltageAvg float64 `json:"voltage_avg"`
	CurrentAvg float64 `json:"current_avg"`
	FaultCode  int     `json:"fault_code"`
	IsValid    bool    `json:"is_valid"`
	ReceivedAt int64   `json:"received_at_unix"`
}

// RecentTelemetry returns the newest limit rows for a starter box, newest
// first.
func (s *Store) RecentTelemetry(ctx context.Context, starterID int64, limit int) ([]TelemetryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, starter_id, group_key, power, motor_state,
		       voltage_avg, current_avg, fault_code, is_valid, received_at_unix
		FROM telemetry WHERE starter_id = ?
		ORDER BY received_at_unix DESC, id DESC LIMIT ?`, starterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TelemetryRow
	for rows.Next() {
		var r TelemetryRow
		var valid int
		if err := rows.Scan(&r.ID, &r.StarterID, &r.GroupKey, &r.Power, &r.MotorState,
			&r.VoltageAvg, &r.CurrentAvg, &r.FaultCode, &valid, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.IsValid = valid != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClosedSessionDurations returns the duration strings of all closed run-time
// sessions for a (starter, motor) pair, for aggregate run-on-time queries.
func (s *Store) ClosedSessionDurations(ctx context.Context, starterID, motorID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duration FROM motor_sessions
		WHERE starter_id = ? AND motor_id = ? AND end_ms IS NOT NULL AND duration IS NOT NULL`,
		starterID, motorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateDevice inserts a starter box record and returns its id. Used by
// provisioning glue and tests; the message path never creates devices.
func (s *Store) CreateDevice(ctx context.Context, mac, pcbSerial string, provisioned bool) (int64, error) {
	p := 0
	if provisioned {
		p = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (mac, pcb_serial, provisioned) VALUES (?, ?, ?)`,
		mac, pcbSerial, p)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateMotor binds a motor to a starter box and returns its id.
func (s *Store) CreateMotor(ctx context.Context, starterID, locationID, ownerUserID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO motors (starter_id, location_id, owner_user_id) VALUES (?, ?, ?)`,
		starterID, locationID, ownerUserID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// marshalErrors flattens the codec error list for the errors column.
func marshalErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return strings.Join(errs, "; ")
}

// rawJSON re-serializes the validated record for the audit column.
func rawJSON(v models.ValidatedTelemetry) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
