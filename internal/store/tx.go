package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/agrolinq/pumpfleet/pkg/models"
)

// Tx exposes the write operations available inside one reconciliation
// transaction. Handed out only by Store.WithTx.
type Tx struct {
	tx *sql.Tx
}

// InsertTelemetry persists one validated record for audit and analytics,
// valid or not.
func (t *Tx) InsertTelemetry(ctx context.Context, starterID, motorID int64, v models.ValidatedTelemetry, receivedAt int64) error {
	valid := 0
	if v.IsValid {
		valid = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO telemetry
		    (starter_id, motor_id, group_key, payload_version,
		     voltage_r, voltage_y, voltage_b, current_r, current_y, current_b,
		     voltage_avg, current_avg, power, motor_state, motor_mode,
		     alert_code, fault_code, capture_time, is_valid, errors, raw_json,
		     received_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		starterID, motorID, v.GroupKey, v.PayloadVersion,
		v.Voltages[0], v.Voltages[1], v.Voltages[2],
		v.Currents[0], v.Currents[1], v.Currents[2],
		v.VoltageAvg, v.CurrentAvg, v.PowerPresent, v.MotorStateCode, v.MotorModeCode,
		v.AlertCode, v.FaultCode, v.CaptureTime, valid, marshalErrors(v.Errors), rawJSON(v),
		receivedAt,
	)
	return err
}

func (t *Tx) SetDevicePower(ctx context.Context, starterID int64, power int) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE devices SET power = ? WHERE id = ?`, power, starterID)
	return err
}

func (t *Tx) SetDeviceSignal(ctx context.Context, starterID int64, signal int) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE devices SET signal_quality = ? WHERE id = ?`, signal, starterID)
	return err
}

func (t *Tx) SetDeviceNetwork(ctx context.Context, starterID int64, network string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE devices SET network_type = ? WHERE id = ?`, network, starterID)
	return err
}

func (t *Tx) SetDeviceStatus(ctx context.Context, starterID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE devices SET device_status = ? WHERE id = ?`, status, starterID)
	return err
}

func (t *Tx) SetMotorState(ctx context.Context, motorID int64, state int) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE motors SET motor_state = ? WHERE id = ?`, state, motorID)
	return err
}

func (t *Tx) SetMotorMode(ctx context.Context, motorID int64, mode string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE motors SET mode = ? WHERE id = ?`, mode, motorID)
	return err
}

// InsertAlertFault records one alert or fault event row. kind is "alert" or
// "fault".
func (t *Tx) InsertAlertFault(ctx context.Context, starterID, motorID int64, kind string, code int, description string, atUnix int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO alert_fault_events (id, starter_id, motor_id, kind, code, description, at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), starterID, motorID, kind, code, description, atUnix)
	return err
}

// InsertActivity records an old→new value change on a motor field.
func (t *Tx) InsertActivity(ctx context.Context, motorID int64, field, oldValue, newValue string, atUnix int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO activity_log (id, motor_id, field, old_value, new_value, at_unix)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), motorID, field, oldValue, newValue, atUnix)
	return err
}

// CurrentMotorSession returns the one open session for a (starter, motor)
// pair, or (nil, nil) when none is open. Must be called inside the same
// transaction that closes or opens sessions, so the lookup and the write are
// atomic.
func (t *Tx) CurrentMotorSession(ctx context.Context, starterID, motorID int64) (*models.RunTimeSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, starter_id, motor_id, start_ms, end_ms, motor_state, motor_mode,
		       power_start_ms, power_end_ms, power_state, duration, power_duration, time_stamp_ms
		FROM motor_sessions
		WHERE starter_id = ? AND motor_id = ? AND end_ms IS NULL`,
		starterID, motorID)

	var (
		s        models.RunTimeSession
		endMS    sql.NullInt64
		powerEnd sql.NullInt64
		duration sql.NullString
		powerDur sql.NullString
	)
	err := row.Scan(&s.ID, &s.StarterID, &s.MotorID, &s.StartTime, &endMS,
		&s.MotorState, &s.MotorMode, &s.PowerStart, &powerEnd, &s.PowerState,
		&duration, &powerDur, &s.TimeStamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current motor session: %w", err)
	}
	if endMS.Valid {
		s.EndTime = &endMS.Int64
	}
	if powerEnd.Valid {
		s.PowerEnd = &powerEnd.Int64
	}
	s.Duration = duration.String
	s.PowerDuration = powerDur.String
	return &s, nil
}

// OpenMotorSession inserts a fresh open session row. The caller supplies the
// id (a UUID) so the tracker can report what it opened.
func (t *Tx) OpenMotorSession(ctx context.Context, s models.RunTimeSession) error {
	var powerEnd sql.NullInt64
	if s.PowerEnd != nil {
		powerEnd = sql.NullInt64{Int64: *s.PowerEnd, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO motor_sessions
		    (id, starter_id, motor_id, start_ms, end_ms, motor_state, motor_mode,
		     power_start_ms, power_end_ms, power_state, duration, power_duration, time_stamp_ms)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		s.ID, s.StarterID, s.MotorID, s.StartTime, s.MotorState, s.MotorMode,
		s.PowerStart, powerEnd, s.PowerState, s.TimeStamp)
	return err
}

// CloseMotorSession stamps end time and duration on an open session. The
// power sub-interval columns are only touched when powerEnd is valid; an
// unchanged power sub-interval carries forward into the next session
// unmodified.
func (t *Tx) CloseMotorSession(ctx context.Context, id string, endMS int64, duration string, powerEnd sql.NullInt64, powerDuration sql.NullString, tsMS int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE motor_sessions
		SET end_ms = ?, duration = ?,
		    power_end_ms = COALESCE(?, power_end_ms),
		    power_duration = COALESCE(?, power_duration),
		    time_stamp_ms = ?
		WHERE id = ?`,
		endMS, duration, powerEnd, powerDuration, tsMS, id)
	return err
}

// TouchMotorSession refreshes the timestamp and mode text on an open session
// without closing anything.
func (t *Tx) TouchMotorSession(ctx context.Context, id string, tsMS int64, mode string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE motor_sessions SET time_stamp_ms = ?, motor_mode = ? WHERE id = ?`,
		tsMS, mode, id)
	return err
}

// CurrentDeviceSession returns the open power-on-time session for a starter
// box, or (nil, nil).
func (t *Tx) CurrentDeviceSession(ctx context.Context, starterID int64) (*models.DeviceSession, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, starter_id, start_ms, end_ms, power_state, duration
		FROM device_sessions WHERE starter_id = ? AND end_ms IS NULL`,
		starterID)

	var (
		s        models.DeviceSession
		endMS    sql.NullInt64
		duration sql.NullString
	)
	err := row.Scan(&s.ID, &s.StarterID, &s.StartTime, &endMS, &s.PowerState, &duration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current device session: %w", err)
	}
	if endMS.Valid {
		s.EndTime = &endMS.Int64
	}
	s.Duration = duration.String
	return &s, nil
}

// OpenDeviceSession inserts a fresh open device power session.
func (t *Tx) OpenDeviceSession(ctx context.Context, s models.DeviceSession) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO device_sessions (id, starter_id, start_ms, end_ms, power_state, duration)
		VALUES (?, ?, ?, NULL, ?, NULL)`,
		s.ID, s.StarterID, s.StartTime, s.PowerState)
	return err
}

// CloseDeviceSession stamps end time and duration on an open device session.
func (t *Tx) CloseDeviceSession(ctx context.Context, id string, endMS int64, duration string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE device_sessions SET end_ms = ?, duration = ? WHERE id = ?`,
		endMS, duration, id)
	return err
}
