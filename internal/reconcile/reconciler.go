// Package reconcile compares freshly decoded telemetry against the
// last-known snapshot for the same device and motor, applies the deltas, and
// produces the run-time tracking and notification side effects. All writes
// for one message share a single store transaction; notifications are handed
// to the sink only after that transaction commits, so a rolled-back write
// never notifies anyone.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agrolinq/pumpfleet/internal/notify"
	"github.com/agrolinq/pumpfleet/internal/runtrack"
	"github.com/agrolinq/pumpfleet/internal/store"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

var (
	telemetryApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_telemetry_applied_total",
		Help: "Telemetry messages reconciled, by group key.",
	}, []string{"group"})
	unresolvedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_unresolved_dropped_total",
		Help: "Messages dropped because the hardware address or motor binding did not resolve.",
	})
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_reconcile_duration_seconds",
		Help:    "Wall time of one reconciliation transaction.",
		Buckets: prometheus.DefBuckets,
	})
	sideEffectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_side_effect_failures_total",
		Help: "Post-commit notification or event deliveries that returned an error.",
	})
)

// HeartbeatHook is invoked after a heartbeat commits, with the resolved
// device context. The daemon wires it to the settings push manager so queued
// configuration is delivered opportunistically. It runs on its own goroutine
// because a push can block for the full retry window.
type HeartbeatHook func(ctx context.Context, dc models.DeviceContext)

// Reconciler owns the resolve → diff → apply → log path for every inbound
// message kind.
type Reconciler struct {
	store   *store.Store
	tracker *runtrack.Tracker
	sink    notify.Sink
	logger  *slog.Logger

	heartbeatHook HeartbeatHook

	now func() time.Time
}

func New(st *store.Store, tracker *runtrack.Tracker, sink notify.Sink, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		tracker: tracker,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
}

// SetHeartbeatHook installs the opportunistic config-push trigger.
func (r *Reconciler) SetHeartbeatHook(hook HeartbeatHook) {
	r.heartbeatHook = hook
}

// sideEffects accumulates the notifications and events prepared inside the
// transaction, for delivery after commit.
type sideEffects struct {
	notifications []models.Notification
	events        []notify.Event
}

func (fx *sideEffects) notifyOwner(motor *models.MotorSnapshot, title, message string) {
	if motor == nil || motor.OwnerUserID == 0 {
		return
	}
	fx.notifications = append(fx.notifications, models.Notification{
		UserID:  motor.OwnerUserID,
		Title:   title,
		Message: message,
		MotorID: motor.MotorID,
	})
}

func (fx *sideEffects) event(e notify.Event) {
	fx.events = append(fx.events, e)
}

// deliver hands the accumulated side effects to the sink. Failures are
// logged and counted, never propagated: the transaction is already
// committed and the broker's redelivery cannot help here.
func (r *Reconciler) deliver(ctx context.Context, fx *sideEffects) {
	for _, n := range fx.notifications {
		if err := r.sink.Notify(ctx, n); err != nil {
			sideEffectFailures.Inc()
			r.logger.Error("notification delivery failed", "user_id", n.UserID, "error", err)
		}
	}
	for _, e := range fx.events {
		if err := r.sink.Publish(ctx, e); err != nil {
			sideEffectFailures.Inc()
			r.logger.Error("event publish failed", "starter_id", e.StarterID, "error", err)
		}
	}
}

// resolve fetches the device context for a hardware address, treating an
// unknown address or missing motor binding as an expected steady-state
// condition: logged, counted, and reported as (nil, nil).
func (r *Reconciler) resolve(ctx context.Context, mac string, needMotor bool) (*models.DeviceContext, error) {
	dc, err := r.store.ResolveDevice(ctx, mac)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		unresolvedDropped.Inc()
		r.logger.Warn("unknown hardware address, message dropped", "mac", mac)
		return nil, nil
	}
	if needMotor && dc.Motor == nil {
		unresolvedDropped.Inc()
		r.logger.Warn("device has no bound motor, message dropped", "mac", mac)
		return nil, nil
	}
	return dc, nil
}

// HandleTelemetry applies one decoded telemetry record. Group variants
// G02–G04 run reduced subsets of the same logic; G04 carries power and mode
// only.
func (r *Reconciler) HandleTelemetry(ctx context.Context, mac string, v models.ValidatedTelemetry) error {
	dc, err := r.resolve(ctx, mac, true)
	if err != nil || dc == nil {
		return err
	}
	device, motor := dc.Device, dc.Motor
	now := r.now()
	start := now

	var fx sideEffects
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertTelemetry(ctx, device.StarterID, motor.MotorID, v, now.Unix()); err != nil {
			return fmt.Errorf("insert telemetry: %w", err)
		}
		if v.GroupKey == "" {
			return nil // undecodable payload is stored for audit, nothing to apply
		}

		powerChanged := validBinary(v.PowerPresent) && v.PowerPresent != device.Power
		stateChanged := v.HasMotorFields() &&
			validBinary(v.MotorStateCode) && v.MotorStateCode != motor.MotorState

		if powerChanged {
			if err := tx.SetDevicePower(ctx, device.StarterID, v.PowerPresent); err != nil {
				return fmt.Errorf("set device power: %w", err)
			}
			if err := r.tracker.TrackDevice(ctx, tx, device.StarterID, v.PowerPresent, now); err != nil {
				return fmt.Errorf("track device: %w", err)
			}
			fx.event(notify.Event{
				StarterID: device.StarterID, MotorID: motor.MotorID, Kind: "power-change",
				Old: strconv.Itoa(device.Power), New: strconv.Itoa(v.PowerPresent), At: now,
			})
		}

		if stateChanged {
			if err := tx.SetMotorState(ctx, motor.MotorID, v.MotorStateCode); err != nil {
				return fmt.Errorf("set motor state: %w", err)
			}
			if err := tx.InsertActivity(ctx, motor.MotorID, "motor_state",
				strconv.Itoa(motor.MotorState), strconv.Itoa(v.MotorStateCode), now.Unix()); err != nil {
				return fmt.Errorf("log state change: %w", err)
			}
			fx.notifyOwner(motor, "Motor "+onOff(v.MotorStateCode),
				fmt.Sprintf("Motor turned %s (%s)", onOff(v.MotorStateCode), v.LastOnText))
			fx.event(notify.Event{
				StarterID: device.StarterID, MotorID: motor.MotorID, Kind: "state-change",
				Old: strconv.Itoa(motor.MotorState), New: strconv.Itoa(v.MotorStateCode), At: now,
			})
		}

		mode := models.ModeText(v.MotorModeCode)
		modeChanged := models.WritableMode(mode) && mode != motor.Mode
		if modeChanged {
			if err := tx.SetMotorMode(ctx, motor.MotorID, mode); err != nil {
				return fmt.Errorf("set motor mode: %w", err)
			}
			if err := tx.InsertActivity(ctx, motor.MotorID, "mode", motor.Mode, mode, now.Unix()); err != nil {
				return fmt.Errorf("log mode change: %w", err)
			}
			fx.notifyOwner(motor, "Mode changed", "Motor mode changed to "+mode)
			fx.event(notify.Event{
				StarterID: device.StarterID, MotorID: motor.MotorID, Kind: "mode-change",
				Old: motor.Mode, New: mode, At: now,
			})
		}

		// Motor run-time accounting reacts to state, power, and mode together:
		// the power sub-interval splits correctly even when only power
		// flipped, and a mode-only change refreshes the mode text on the open
		// session so a later close stamps the mode that was actually running.
		if v.HasMotorFields() && (stateChanged || powerChanged || modeChanged) {
			obs := runtrack.Observation{
				MotorState: motor.MotorState,
				PowerState: v.PowerPresent,
				Mode:       motor.Mode,
				At:         now,
			}
			if stateChanged {
				obs.MotorState = v.MotorStateCode
			}
			if !validBinary(v.PowerPresent) {
				obs.PowerState = device.Power
			}
			if models.WritableMode(mode) {
				obs.Mode = mode
			}
			if err := r.tracker.TrackMotor(ctx, tx, device.StarterID, motor.MotorID, obs); err != nil {
				return fmt.Errorf("track motor: %w", err)
			}
		}

		if v.AlertCode > 0 {
			if err := tx.InsertAlertFault(ctx, device.StarterID, motor.MotorID,
				"alert", v.AlertCode, v.AlertText, now.Unix()); err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
			fx.notifyOwner(motor, "Alert", v.AlertText)
			fx.event(notify.Event{
				StarterID: device.StarterID, MotorID: motor.MotorID, Kind: "alert",
				Detail: v.AlertText, At: now,
			})
		}
		if v.FaultCode > 0 {
			if err := tx.InsertAlertFault(ctx, device.StarterID, motor.MotorID,
				"fault", v.FaultCode, v.FaultText, now.Unix()); err != nil {
				return fmt.Errorf("insert fault: %w", err)
			}
			fx.notifyOwner(motor, "Fault", v.FaultText)
			fx.event(notify.Event{
				StarterID: device.StarterID, MotorID: motor.MotorID, Kind: "fault",
				Detail: v.FaultText, At: now,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	telemetryApplied.WithLabelValues(labelGroup(v.GroupKey)).Inc()
	reconcileDuration.Observe(time.Since(start).Seconds())

	r.deliver(ctx, &fx)
	return nil
}

func validBinary(v int) bool { return v == 0 || v == 1 }

func onOff(state int) string {
	if state == models.MotorOn {
		return "on"
	}
	return "off"
}

// labelGroup keeps the metric label set closed.
func labelGroup(key string) string {
	switch key {
	case "G01", "G02", "G03", "G04":
		return key
	}
	return "invalid"
}
