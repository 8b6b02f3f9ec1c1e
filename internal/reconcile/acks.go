package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agrolinq/pumpfleet/internal/notify"
	"github.com/agrolinq/pumpfleet/internal/runtrack"
	"github.com/agrolinq/pumpfleet/internal/store"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

var acksApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fleet_acks_applied_total",
	Help: "Device acknowledgements applied, by kind.",
}, []string{"kind"})

// HandleControlAck applies a motor-control acknowledgement: the data field
// carries the confirmed run state and is written only when valid (0/1) and
// different from the snapshot.
func (r *Reconciler) HandleControlAck(ctx context.Context, mac string, env models.Envelope) error {
	state, ok := env.DataInt()
	if !ok || !validBinary(state) {
		r.logger.Warn("control ack with invalid state dropped", "mac", mac)
		return nil
	}

	dc, err := r.resolve(ctx, mac, true)
	if err != nil || dc == nil {
		return err
	}
	motor := dc.Motor
	if state == motor.MotorState {
		return nil
	}

	now := r.now()
	var fx sideEffects
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.SetMotorState(ctx, motor.MotorID, state); err != nil {
			return fmt.Errorf("set motor state: %w", err)
		}
		if err := tx.InsertActivity(ctx, motor.MotorID, "motor_state",
			strconv.Itoa(motor.MotorState), strconv.Itoa(state), now.Unix()); err != nil {
			return fmt.Errorf("log state change: %w", err)
		}
		obs := runtrack.Observation{
			MotorState: state,
			PowerState: dc.Device.Power,
			Mode:       motor.Mode,
			At:         now,
		}
		if err := r.tracker.TrackMotor(ctx, tx, dc.Device.StarterID, motor.MotorID, obs); err != nil {
			return fmt.Errorf("track motor: %w", err)
		}
		fx.notifyOwner(motor, "Motor "+onOff(state), "Motor command confirmed: "+onOff(state))
		fx.event(notify.Event{
			StarterID: dc.Device.StarterID, MotorID: motor.MotorID, Kind: "state-change",
			Old: strconv.Itoa(motor.MotorState), New: strconv.Itoa(state), At: now,
		})
		return nil
	})
	if err != nil {
		return err
	}

	acksApplied.WithLabelValues("motor-control").Inc()
	r.deliver(ctx, &fx)
	return nil
}

// HandleModeAck applies a mode-change acknowledgement. Codes beyond
// manual/auto ("already-requested", "invalid") are protocol outcomes: logged
// and never written to motor state.
func (r *Reconciler) HandleModeAck(ctx context.Context, mac string, env models.Envelope) error {
	code, ok := env.DataInt()
	if !ok {
		r.logger.Warn("mode ack without numeric data dropped", "mac", mac)
		return nil
	}
	mode := models.ModeText(code)
	if mode == "" {
		r.logger.Warn("mode ack with unrecognized code dropped", "mac", mac, "code", code)
		return nil
	}
	if !models.WritableMode(mode) {
		r.logger.Info("mode ack reported protocol outcome", "mac", mac, "outcome", mode)
		return nil
	}

	dc, err := r.resolve(ctx, mac, true)
	if err != nil || dc == nil {
		return err
	}
	motor := dc.Motor
	if mode == motor.Mode {
		return nil
	}

	now := r.now()
	var fx sideEffects
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.SetMotorMode(ctx, motor.MotorID, mode); err != nil {
			return fmt.Errorf("set motor mode: %w", err)
		}
		if err := tx.InsertActivity(ctx, motor.MotorID, "mode", motor.Mode, mode, now.Unix()); err != nil {
			return fmt.Errorf("log mode change: %w", err)
		}
		fx.notifyOwner(motor, "Mode changed", "Motor mode changed to "+mode)
		fx.event(notify.Event{
			StarterID: dc.Device.StarterID, MotorID: motor.MotorID, Kind: "mode-change",
			Old: motor.Mode, New: mode, At: now,
		})
		return nil
	})
	if err != nil {
		return err
	}

	acksApplied.WithLabelValues("mode-change").Inc()
	r.deliver(ctx, &fx)
	return nil
}

// Signal quality is a 0–31 RSSI bucket; anything else is firmware noise.
const maxSignalQuality = 31

var knownNetworks = map[string]bool{"2G": true, "4G": true, "NB": true}

// HandleHeartbeat updates signal quality and network type, each validated
// independently, then fires the opportunistic config-push hook. A heartbeat
// does not require a motor binding.
func (r *Reconciler) HandleHeartbeat(ctx context.Context, mac string, env models.Envelope) error {
	dc, err := r.resolve(ctx, mac, false)
	if err != nil || dc == nil {
		return err
	}

	obj, ok := env.DataObject()
	if !ok {
		r.logger.Warn("heartbeat without data object dropped", "mac", mac)
		return nil
	}

	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		if raw, present := obj["sig"]; present {
			if f, isNum := raw.(float64); isNum {
				sig := int(f)
				if sig >= 0 && sig <= maxSignalQuality {
					if err := tx.SetDeviceSignal(ctx, dc.Device.StarterID, sig); err != nil {
						return fmt.Errorf("set signal: %w", err)
					}
				}
			}
		}
		if raw, present := obj["net"]; present {
			if net, isStr := raw.(string); isStr && knownNetworks[net] {
				if err := tx.SetDeviceNetwork(ctx, dc.Device.StarterID, net); err != nil {
					return fmt.Errorf("set network: %w", err)
				}
			}
		}
		return tx.SetDeviceStatus(ctx, dc.Device.StarterID, "online")
	})
	if err != nil {
		return err
	}

	acksApplied.WithLabelValues("heartbeat").Inc()

	if r.heartbeatHook != nil && dc.Device.ConfigPending {
		go r.heartbeatHook(context.WithoutCancel(ctx), *dc)
	}
	return nil
}
