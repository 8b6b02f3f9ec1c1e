package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope is the raw wire unit exchanged with starter boxes. The data field
// is kept raw because its shape depends on the packet type: an object of
// telemetry groups for data packets, a bare 0/1 integer for most
// acknowledgements.
type Envelope struct {
	Type     int             `json:"T"`
	Sequence *int            `json:"S,omitempty"`
	Data     json.RawMessage `json:"D,omitempty"`
}

// ParseEnvelope decodes raw bytes into an Envelope. The root must be a JSON
// object; anything else is an error, never a panic.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return e, nil
}

// DataObject returns the data field as a generic field bag. ok is false when
// the data field is absent or not a JSON object.
func (e Envelope) DataObject() (map[string]any, bool) {
	if len(e.Data) == 0 {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(e.Data, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// DataInt returns the data field as a bare integer. ok is false when the data
// field is absent, not a number, or not integral.
func (e Envelope) DataInt() (int, bool) {
	if len(e.Data) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(e.Data, &f); err != nil {
		return 0, false
	}
	n := int(f)
	if float64(n) != f {
		return 0, false
	}
	return n, true
}

// SequenceOr returns the envelope sequence number, or def when absent.
func (e Envelope) SequenceOr(def int) int {
	if e.Sequence == nil {
		return def
	}
	return *e.Sequence
}

// ErrNoSequence reports an acknowledgement that arrived without a sequence
// number and therefore cannot be correlated to any outstanding command.
var ErrNoSequence = errors.New("envelope has no sequence number")
