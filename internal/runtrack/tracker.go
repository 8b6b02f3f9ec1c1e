// Package runtrack maintains run-time accounting sessions for motors and
// devices. The state machine per key is Closed/Open with independent motor
// and power sub-states; every read-modify-write of the open session happens
// inside the transaction the caller supplies.
package runtrack

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agrolinq/pumpfleet/internal/store"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

var (
	motorSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_motor_sessions_opened_total",
		Help: "Total motor run-time sessions opened.",
	})
	motorSessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_motor_sessions_closed_total",
		Help: "Total motor run-time sessions closed.",
	})
	deviceSessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_device_sessions_opened_total",
		Help: "Total device power-on-time sessions opened.",
	})
	deviceSessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_device_sessions_closed_total",
		Help: "Total device power-on-time sessions closed.",
	})
)

// Observation is one decoded reading of the tracked states for a
// (starter, motor) key.
type Observation struct {
	MotorState int
	PowerState int
	Mode       string
	At         time.Time
}

// Tracker opens, splits, and closes accounting sessions. It holds no state
// of its own; the open-session row in the store is the state machine.
type Tracker struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// TrackMotor advances the session state machine for one (starter, motor)
// key. Transitions:
//   - no open session: open one capturing both current states;
//   - motor state changed: close (stamping duration), reopen for the new
//     state; the power sub-interval carries forward untouched unless power
//     also changed;
//   - only power changed: close the power sub-interval and the row, reopen
//     with the same motor state and a fresh power sub-interval — the
//     motor-state interval is logically continuous across this split;
//   - nothing changed: refresh timestamp and mode text in place.
func (tr *Tracker) TrackMotor(ctx context.Context, tx *store.Tx, starterID, motorID int64, obs Observation) error {
	now := obs.At.UnixMilli()

	cur, err := tx.CurrentMotorSession(ctx, starterID, motorID)
	if err != nil {
		return err
	}

	if cur == nil {
		s := models.RunTimeSession{
			ID:         uuid.NewString(),
			StarterID:  starterID,
			MotorID:    motorID,
			StartTime:  now,
			MotorState: obs.MotorState,
			MotorMode:  obs.Mode,
			PowerStart: now,
			PowerState: obs.PowerState,
			TimeStamp:  now,
		}
		if err := tx.OpenMotorSession(ctx, s); err != nil {
			return err
		}
		motorSessionsOpened.Inc()
		tr.logger.Info("opened motor session",
			"starter_id", starterID, "motor_id", motorID,
			"motor_state", obs.MotorState, "power_state", obs.PowerState)
		return nil
	}

	motorChanged := cur.MotorState != obs.MotorState
	powerChanged := cur.PowerState != obs.PowerState

	if !motorChanged && !powerChanged {
		return tx.TouchMotorSession(ctx, cur.ID, now, obs.Mode)
	}

	var powerEnd sql.NullInt64
	var powerDur sql.NullString
	if powerChanged {
		powerEnd = sql.NullInt64{Int64: now, Valid: true}
		powerDur = sql.NullString{String: FormatDuration(now - cur.PowerStart), Valid: true}
	}
	duration := FormatDuration(now - cur.StartTime)
	if err := tx.CloseMotorSession(ctx, cur.ID, now, duration, powerEnd, powerDur, now); err != nil {
		return err
	}
	motorSessionsClosed.Inc()

	next := models.RunTimeSession{
		ID:         uuid.NewString(),
		StarterID:  starterID,
		MotorID:    motorID,
		StartTime:  now,
		MotorState: obs.MotorState,
		MotorMode:  obs.Mode,
		PowerStart: now,
		PowerState: obs.PowerState,
		TimeStamp:  now,
	}
	if !powerChanged {
		// The still-open power sub-interval continues into the new row.
		next.PowerStart = cur.PowerStart
		next.PowerState = cur.PowerState
	}
	if err := tx.OpenMotorSession(ctx, next); err != nil {
		return err
	}
	motorSessionsOpened.Inc()

	tr.logger.Info("split motor session",
		"starter_id", starterID, "motor_id", motorID,
		"motor_changed", motorChanged, "power_changed", powerChanged,
		"closed_duration", duration)
	return nil
}

// TrackDevice advances the device power-on-time machine, keyed by starter
// alone and transitioning solely on power-state change.
func (tr *Tracker) TrackDevice(ctx context.Context, tx *store.Tx, starterID int64, power int, at time.Time) error {
	now := at.UnixMilli()

	cur, err := tx.CurrentDeviceSession(ctx, starterID)
	if err != nil {
		return err
	}

	if cur == nil {
		s := models.DeviceSession{
			ID:         uuid.NewString(),
			StarterID:  starterID,
			StartTime:  now,
			PowerState: power,
		}
		if err := tx.OpenDeviceSession(ctx, s); err != nil {
			return err
		}
		deviceSessionsOpened.Inc()
		return nil
	}

	if cur.PowerState == power {
		return nil
	}

	if err := tx.CloseDeviceSession(ctx, cur.ID, now, FormatDuration(now-cur.StartTime)); err != nil {
		return err
	}
	deviceSessionsClosed.Inc()

	next := models.DeviceSession{
		ID:         uuid.NewString(),
		StarterID:  starterID,
		StartTime:  now,
		PowerState: power,
	}
	if err := tx.OpenDeviceSession(ctx, next); err != nil {
		return err
	}
	deviceSessionsOpened.Inc()

	tr.logger.Info("split device session", "starter_id", starterID, "power_state", power)
	return nil
}
