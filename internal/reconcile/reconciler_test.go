package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agrolinq/pumpfleet/internal/codec"
	"github.com/agrolinq/pumpfleet/internal/notify"
	"github.com/agrolinq/pumpfleet/internal/runtrack"
	"github.com/agrolinq/pumpfleet/internal/store"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

// captureSink records side effects for assertions. Deliveries happen on the
// calling goroutine after commit, so no locking is needed.
type captureSink struct {
	notifications []models.Notification
	events        []notify.Event
}

func (c *captureSink) Notify(_ context.Context, n models.Notification) error {
	c.notifications = append(c.notifications, n)
	return nil
}

func (c *captureSink) Publish(_ context.Context, e notify.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) eventKinds() []string {
	var kinds []string
	for _, e := range c.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *captureSink) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &captureSink{}
	r := New(st, runtrack.New(logger), sink, logger)
	r.now = func() time.Time { return time.Unix(1700000000, 0) }
	return r, st, sink
}

// seedDevice creates a provisioned device with one bound motor and returns
// both ids.
func seedDevice(t *testing.T, st *store.Store, mac string) (int64, int64) {
	t.Helper()
	ctx := context.Background()
	starterID, err := st.CreateDevice(ctx, mac, "PCB-0042", true)
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	motorID, err := st.CreateMotor(ctx, starterID, 3, 17)
	if err != nil {
		t.Fatalf("CreateMotor: %v", err)
	}
	return starterID, motorID
}

func decodeTelemetry(t *testing.T, raw string) models.ValidatedTelemetry {
	t.Helper()
	env, err := models.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	return codec.Decode(env)
}

func openMotorSession(t *testing.T, st *store.Store, starterID, motorID int64) *models.RunTimeSession {
	t.Helper()
	var cur *models.RunTimeSession
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		cur, err = tx.CurrentMotorSession(context.Background(), starterID, motorID)
		return err
	})
	if err != nil {
		t.Fatalf("CurrentMotorSession: %v", err)
	}
	return cur
}

func TestHandleTelemetryAppliesDeltas(t *testing.T) {
	r, st, sink := newTestReconciler(t)
	ctx := context.Background()
	starterID, motorID := seedDevice(t, st, "a4cf12bd90ee")

	// Power off→on, motor off→on, mode manual→auto, all in one reading.
	v := decodeTelemetry(t, `{"T":11,"D":{"G01":{
		"v":2,"vln":[230.1,231.2,229.8],"cur":[3.2,3.1,3.3],
		"pwr":1,"state":1,"mode":1,"alt":0,"flt":0,"lon":2,"lof":0}}}`)
	if !v.IsValid {
		t.Fatalf("fixture did not decode cleanly: %v", v.Errors)
	}

	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry: %v", err)
	}

	dc, err := st.ResolveDevice(ctx, "a4cf12bd90ee")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if dc.Device.Power != 1 {
		t.Errorf("device power = %d, want 1", dc.Device.Power)
	}
	if dc.Motor.MotorState != 1 {
		t.Errorf("motor state = %d, want 1", dc.Motor.MotorState)
	}
	if dc.Motor.Mode != "auto" {
		t.Errorf("motor mode = %q, want auto", dc.Motor.Mode)
	}

	ses := openMotorSession(t, st, starterID, motorID)
	if ses == nil {
		t.Fatal("no open motor session after first reading")
	}
	if ses.MotorState != 1 || ses.PowerState != 1 || ses.MotorMode != "auto" {
		t.Errorf("open session = %+v, want state=1 power=1 mode=auto", ses)
	}

	rows, err := st.RecentTelemetry(ctx, starterID, 10)
	if err != nil {
		t.Fatalf("RecentTelemetry: %v", err)
	}
	if len(rows) != 1 || !rows[0].IsValid {
		t.Errorf("telemetry rows = %+v, want one valid row", rows)
	}

	wantKinds := []string{"power-change", "state-change", "mode-change"}
	gotKinds := sink.eventKinds()
	if len(gotKinds) != len(wantKinds) {
		t.Fatalf("event kinds = %v, want %v", gotKinds, wantKinds)
	}
	for i := range wantKinds {
		if gotKinds[i] != wantKinds[i] {
			t.Errorf("event[%d] = %q, want %q", i, gotKinds[i], wantKinds[i])
		}
	}
	// State and mode changes notify the owner; a bare power flip does not.
	if len(sink.notifications) != 2 {
		t.Fatalf("notifications = %+v, want 2", sink.notifications)
	}
	for _, n := range sink.notifications {
		if n.UserID != 17 {
			t.Errorf("notification user = %d, want 17", n.UserID)
		}
	}
}

func TestHandleTelemetrySplitsExistingSession(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	starterID, motorID := seedDevice(t, st, "a4cf12bd90ee")

	// An earlier reading already opened a session for the off/off state.
	v := decodeTelemetry(t, `{"T":11,"D":{"G03":{"v":2,"pwr":1,"state":0,"mode":0}}}`)
	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry first: %v", err)
	}
	first := openMotorSession(t, st, starterID, motorID)
	if first == nil {
		t.Fatal("no open session after first reading")
	}

	r.now = func() time.Time { return time.Unix(1700000045, 0) }
	v = decodeTelemetry(t, `{"T":11,"D":{"G03":{"v":2,"pwr":1,"state":1,"mode":0}}}`)
	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry second: %v", err)
	}

	next := openMotorSession(t, st, starterID, motorID)
	if next == nil || next.ID == first.ID {
		t.Fatalf("state change must close and reopen, got %+v", next)
	}
	if next.MotorState != 1 {
		t.Errorf("reopened session state = %d, want 1", next.MotorState)
	}
	durations, err := st.ClosedSessionDurations(ctx, starterID, motorID)
	if err != nil {
		t.Fatalf("ClosedSessionDurations: %v", err)
	}
	if len(durations) != 1 || durations[0] != "0 h 0 m 45 sec" {
		t.Errorf("closed durations = %v, want one 45s row", durations)
	}
}

func TestHandleTelemetryModeOnlyChangeRefreshesSession(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	starterID, motorID := seedDevice(t, st, "a4cf12bd90ee")

	v := decodeTelemetry(t, `{"T":11,"D":{"G03":{"v":2,"pwr":0,"state":1,"mode":0}}}`)
	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry first: %v", err)
	}
	first := openMotorSession(t, st, starterID, motorID)
	if first == nil || first.MotorMode != "manual" {
		t.Fatalf("open session = %+v, want mode manual", first)
	}

	// Only the mode flips. The motor record, the activity log, and the open
	// session must all see it; the session is touched in place, not split.
	r.now = func() time.Time { return time.Unix(1700000030, 0) }
	v = decodeTelemetry(t, `{"T":11,"D":{"G03":{"v":2,"pwr":0,"state":1,"mode":1}}}`)
	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry second: %v", err)
	}

	dc, err := st.ResolveDevice(ctx, "a4cf12bd90ee")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if dc.Motor.Mode != "auto" {
		t.Errorf("motor mode = %q, want auto", dc.Motor.Mode)
	}

	same := openMotorSession(t, st, starterID, motorID)
	if same == nil {
		t.Fatal("no open session after mode-only change")
	}
	if same.ID != first.ID {
		t.Errorf("mode-only change split the session: %s -> %s", first.ID, same.ID)
	}
	if same.MotorMode != "auto" {
		t.Errorf("open session mode = %q, want auto", same.MotorMode)
	}
	if same.TimeStamp != time.Unix(1700000030, 0).UnixMilli() {
		t.Errorf("time_stamp = %d, want refreshed", same.TimeStamp)
	}

	durations, err := st.ClosedSessionDurations(ctx, starterID, motorID)
	if err != nil {
		t.Fatalf("ClosedSessionDurations: %v", err)
	}
	if len(durations) != 0 {
		t.Errorf("closed sessions = %v, want none for a mode-only change", durations)
	}
}

func TestHandleTelemetryNoChangeNoSideEffects(t *testing.T) {
	r, st, sink := newTestReconciler(t)
	ctx := context.Background()
	starterID, _ := seedDevice(t, st, "a4cf12bd90ee")

	// Matches the seeded snapshot exactly: power 0, state 0, mode manual.
	v := decodeTelemetry(t, `{"T":41,"D":{"G03":{"v":2,"pwr":0,"state":0,"mode":0}}}`)
	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry: %v", err)
	}

	if len(sink.events) != 0 || len(sink.notifications) != 0 {
		t.Errorf("side effects on no-op reading: events=%v notifications=%v",
			sink.events, sink.notifications)
	}
	// The record is still persisted for audit.
	rows, err := st.RecentTelemetry(ctx, starterID, 10)
	if err != nil {
		t.Fatalf("RecentTelemetry: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("telemetry rows = %d, want 1", len(rows))
	}
}

func TestHandleTelemetryUnknownDevice(t *testing.T) {
	r, _, sink := newTestReconciler(t)

	v := decodeTelemetry(t, `{"T":11,"D":{"G04":{"v":2,"pwr":1,"mode":0}}}`)
	if err := r.HandleTelemetry(context.Background(), "ffffffffffff", v); err != nil {
		t.Fatalf("HandleTelemetry on unknown mac: %v, want nil (drop)", err)
	}
	if len(sink.events) != 0 {
		t.Errorf("events for unknown device: %v", sink.events)
	}
}

func TestHandleTelemetryFaultRecorded(t *testing.T) {
	r, st, sink := newTestReconciler(t)
	ctx := context.Background()
	seedDevice(t, st, "a4cf12bd90ee")

	// Dry Run (0x01) + Overload (0x02) with nothing else changing.
	v := decodeTelemetry(t, `{"T":11,"D":{"G01":{
		"v":2,"vln":[0,0,0],"cur":[0,0,0],
		"pwr":0,"state":0,"mode":0,"alt":0,"flt":3,"lon":0,"lof":2}}}`)
	if err := r.HandleTelemetry(ctx, "a4cf12bd90ee", v); err != nil {
		t.Fatalf("HandleTelemetry: %v", err)
	}

	if len(sink.events) != 1 || sink.events[0].Kind != "fault" {
		t.Fatalf("events = %+v, want one fault event", sink.events)
	}
	if sink.events[0].Detail != "Dry Run Fault, Overload Fault" {
		t.Errorf("fault detail = %q", sink.events[0].Detail)
	}
	if len(sink.notifications) != 1 || sink.notifications[0].Title != "Fault" {
		t.Errorf("notifications = %+v, want one Fault notification", sink.notifications)
	}
}

func TestHandleControlAck(t *testing.T) {
	r, st, sink := newTestReconciler(t)
	ctx := context.Background()
	starterID, motorID := seedDevice(t, st, "a4cf12bd90ee")

	env, _ := models.ParseEnvelope([]byte(`{"T":31,"D":1}`))
	if err := r.HandleControlAck(ctx, "a4cf12bd90ee", env); err != nil {
		t.Fatalf("HandleControlAck: %v", err)
	}

	dc, err := st.ResolveDevice(ctx, "a4cf12bd90ee")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if dc.Motor.MotorState != 1 {
		t.Errorf("motor state = %d, want 1 after ack", dc.Motor.MotorState)
	}
	if ses := openMotorSession(t, st, starterID, motorID); ses == nil || ses.MotorState != 1 {
		t.Errorf("open session = %+v, want state=1", ses)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != "state-change" {
		t.Errorf("events = %+v, want one state-change", sink.events)
	}

	// Same state again is a no-op.
	sink.events = nil
	if err := r.HandleControlAck(ctx, "a4cf12bd90ee", env); err != nil {
		t.Fatalf("HandleControlAck repeat: %v", err)
	}
	if len(sink.events) != 0 {
		t.Errorf("events on repeated ack: %v", sink.events)
	}

	// Out-of-range data is dropped without touching anything.
	bad, _ := models.ParseEnvelope([]byte(`{"T":31,"D":5}`))
	if err := r.HandleControlAck(ctx, "a4cf12bd90ee", bad); err != nil {
		t.Fatalf("HandleControlAck invalid: %v", err)
	}
	dc, _ = st.ResolveDevice(ctx, "a4cf12bd90ee")
	if dc.Motor.MotorState != 1 {
		t.Errorf("motor state = %d after invalid ack, want unchanged 1", dc.Motor.MotorState)
	}
}

func TestHandleModeAck(t *testing.T) {
	r, st, sink := newTestReconciler(t)
	ctx := context.Background()
	seedDevice(t, st, "a4cf12bd90ee")

	tests := []struct {
		name     string
		raw      string
		wantMode string
		events   int
	}{
		{name: "auto applied", raw: `{"T":32,"D":1}`, wantMode: "auto", events: 1},
		{name: "already requested is an outcome", raw: `{"T":32,"D":2}`, wantMode: "auto", events: 0},
		{name: "invalid is an outcome", raw: `{"T":32,"D":3}`, wantMode: "auto", events: 0},
		{name: "unrecognized dropped", raw: `{"T":32,"D":9}`, wantMode: "auto", events: 0},
		{name: "back to manual", raw: `{"T":32,"D":0}`, wantMode: "manual", events: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink.events = nil
			env, err := models.ParseEnvelope([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseEnvelope: %v", err)
			}
			if err := r.HandleModeAck(ctx, "a4cf12bd90ee", env); err != nil {
				t.Fatalf("HandleModeAck: %v", err)
			}
			dc, err := st.ResolveDevice(ctx, "a4cf12bd90ee")
			if err != nil {
				t.Fatalf("ResolveDevice: %v", err)
			}
			if dc.Motor.Mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", dc.Motor.Mode, tt.wantMode)
			}
			if len(sink.events) != tt.events {
				t.Errorf("events = %v, want %d", sink.events, tt.events)
			}
		})
	}
}

func TestHandleHeartbeat(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	seedDevice(t, st, "a4cf12bd90ee")

	env, _ := models.ParseEnvelope([]byte(`{"T":40,"D":{"sig":20,"net":"4G"}}`))
	if err := r.HandleHeartbeat(ctx, "a4cf12bd90ee", env); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}

	dc, err := st.ResolveDevice(ctx, "a4cf12bd90ee")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if dc.Device.SignalQuality != 20 || dc.Device.NetworkType != "4G" {
		t.Errorf("device = %+v, want sig=20 net=4G", dc.Device)
	}
	if dc.Device.DeviceStatus != "online" {
		t.Errorf("status = %q, want online", dc.Device.DeviceStatus)
	}

	// Out-of-range signal and unknown network are each ignored independently;
	// the heartbeat itself still counts as seeing the device.
	env, _ = models.ParseEnvelope([]byte(`{"T":40,"D":{"sig":99,"net":"5G"}}`))
	if err := r.HandleHeartbeat(ctx, "a4cf12bd90ee", env); err != nil {
		t.Fatalf("HandleHeartbeat invalid fields: %v", err)
	}
	dc, _ = st.ResolveDevice(ctx, "a4cf12bd90ee")
	if dc.Device.SignalQuality != 20 || dc.Device.NetworkType != "4G" {
		t.Errorf("invalid heartbeat fields overwrote state: %+v", dc.Device)
	}
}

func TestHeartbeatFiresConfigPushHook(t *testing.T) {
	r, st, _ := newTestReconciler(t)
	ctx := context.Background()
	starterID, _ := seedDevice(t, st, "a4cf12bd90ee")

	if err := st.QueueConfig(ctx, starterID, `{"dry_run_limit":4}`); err != nil {
		t.Fatalf("QueueConfig: %v", err)
	}

	fired := make(chan models.DeviceContext, 1)
	r.SetHeartbeatHook(func(_ context.Context, dc models.DeviceContext) {
		fired <- dc
	})

	env, _ := models.ParseEnvelope([]byte(`{"T":40,"D":{"sig":12,"net":"NB"}}`))
	if err := r.HandleHeartbeat(ctx, "a4cf12bd90ee", env); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}

	select {
	case dc := <-fired:
		if dc.Device.StarterID != starterID {
			t.Errorf("hook got starter %d, want %d", dc.Device.StarterID, starterID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat hook never fired with config pending")
	}

	// No config pending: the hook must stay quiet.
	if err := st.ClearPendingConfig(ctx, starterID); err != nil {
		t.Fatalf("ClearPendingConfig: %v", err)
	}
	if err := r.HandleHeartbeat(ctx, "a4cf12bd90ee", env); err != nil {
		t.Fatalf("HandleHeartbeat: %v", err)
	}
	select {
	case <-fired:
		t.Fatal("hook fired with no config pending")
	case <-time.After(100 * time.Millisecond):
	}
}
