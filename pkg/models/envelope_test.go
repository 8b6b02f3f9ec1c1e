package models

import "testing"

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		typ     int
		seq     int // -1 means absent
	}{
		{name: "telemetry", raw: `{"T":11,"D":{"G01":{}}}`, typ: 11, seq: -1},
		{name: "ack with sequence", raw: `{"T":36,"S":7,"D":1}`, typ: 36, seq: 7},
		{name: "heartbeat", raw: `{"T":40,"D":{"sig":20,"net":"4G"}}`, typ: 40, seq: -1},
		{name: "not an object", raw: `[1,2,3]`, wantErr: true},
		{name: "truncated", raw: `{"T":11`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseEnvelope(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEnvelope(%q): %v", tt.raw, err)
			}
			if env.Type != tt.typ {
				t.Errorf("Type = %d, want %d", env.Type, tt.typ)
			}
			if got := env.SequenceOr(-1); got != tt.seq {
				t.Errorf("SequenceOr(-1) = %d, want %d", got, tt.seq)
			}
		})
	}
}

func TestDataInt(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
		ok   bool
	}{
		{name: "zero", raw: `{"T":31,"D":0}`, want: 0, ok: true},
		{name: "one", raw: `{"T":31,"D":1}`, want: 1, ok: true},
		{name: "fractional", raw: `{"T":31,"D":1.5}`, ok: false},
		{name: "string", raw: `{"T":31,"D":"1"}`, ok: false},
		{name: "object", raw: `{"T":31,"D":{"v":1}}`, ok: false},
		{name: "absent", raw: `{"T":31}`, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseEnvelope: %v", err)
			}
			got, ok := env.DataInt()
			if ok != tt.ok {
				t.Fatalf("DataInt() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("DataInt() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDataObject(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"T":40,"D":{"sig":20,"net":"4G"}}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	obj, ok := env.DataObject()
	if !ok {
		t.Fatal("DataObject() ok = false, want true")
	}
	if obj["net"] != "4G" {
		t.Errorf(`obj["net"] = %v, want "4G"`, obj["net"])
	}

	env, err = ParseEnvelope([]byte(`{"T":31,"D":1}`))
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if _, ok := env.DataObject(); ok {
		t.Error("DataObject() on scalar data: ok = true, want false")
	}
}

func TestHardwareFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"sbox/a4cf12bd90ee/data", "a4cf12bd90ee", true},
		{"sbox/a4cf12bd90ee/status", "a4cf12bd90ee", true},
		{"sbox/a4cf12bd90ee", "a4cf12bd90ee", true},
		{"other/a4cf12bd90ee/data", "", false},
		{"sbox//data", "", false},
		{"sbox", "", false},
	}
	for _, tt := range tests {
		got, ok := HardwareFromTopic("sbox", tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("HardwareFromTopic(%q) = (%q, %v), want (%q, %v)",
				tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCommandTargets(t *testing.T) {
	provisioned := DeviceSnapshot{MAC: "a4cf12bd90ee", PCBSerial: "PCB-0042", Provisioned: true}
	if got := provisioned.CommandTargets(); len(got) != 2 || got[0] != "PCB-0042" || got[1] != "a4cf12bd90ee" {
		t.Errorf("provisioned CommandTargets() = %v, want [PCB-0042 a4cf12bd90ee]", got)
	}

	fresh := DeviceSnapshot{MAC: "a4cf12bd90ee"}
	if got := fresh.CommandTargets(); len(got) != 1 || got[0] != "a4cf12bd90ee" {
		t.Errorf("unprovisioned CommandTargets() = %v, want [a4cf12bd90ee]", got)
	}
}

func TestModeText(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{ModeManual, "manual"},
		{ModeAuto, "auto"},
		{ModeAlreadyRequested, "already-requested"},
		{ModeInvalid, "invalid"},
		{9, ""},
	}
	for _, tt := range tests {
		if got := ModeText(tt.code); got != tt.want {
			t.Errorf("ModeText(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
	if !WritableMode("manual") || !WritableMode("auto") {
		t.Error("manual and auto must be writable")
	}
	if WritableMode("already-requested") || WritableMode("invalid") || WritableMode("") {
		t.Error("protocol outcomes must not be writable")
	}
}
