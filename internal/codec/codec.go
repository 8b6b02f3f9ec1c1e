// Package codec decodes the raw telemetry envelope into a ValidatedTelemetry
// record. Decoding never fails outright: malformed fields are defaulted to
// zero and recorded as error strings so the record can still be persisted
// for audit, flagged invalid.
package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agrolinq/pumpfleet/internal/faultcode"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

// groupSchema declares the required fields of one telemetry group and which
// of them are 3-element phase arrays. The four groups form a fixed, versioned
// schema table of decreasing richness; a message carries exactly one of them.
type groupSchema struct {
	fields []string
	phase  map[string]bool
}

var threePhase = map[string]bool{"vln": true, "cur": true}

var groupSchemas = map[string]groupSchema{
	"G01": {
		fields: []string{"v", "vln", "cur", "pwr", "state", "mode", "alt", "flt", "lon", "lof"},
		phase:  threePhase,
	},
	"G02": {
		fields: []string{"v", "vln", "cur", "pwr", "state", "mode"},
		phase:  threePhase,
	},
	"G03": {
		fields: []string{"v", "pwr", "state", "mode"},
	},
	"G04": {
		fields: []string{"v", "pwr", "mode"},
	},
}

// groupOrder fixes the selection order when scanning the data object.
var groupOrder = []string{"G01", "G02", "G03", "G04"}

// fieldAliases maps legacy firmware field names onto canonical ones. Aliases
// fold onto the canonical key only when the canonical key is absent.
var fieldAliases = map[string]string{
	"vl": "vln",
}

// Decode turns an envelope into a fully-populated ValidatedTelemetry. It
// always returns a usable record plus the list of errors encountered;
// callers decide whether to flag the row for inspection, never whether to
// store it.
func Decode(env models.Envelope) models.ValidatedTelemetry {
	var v models.ValidatedTelemetry

	obj, ok := env.DataObject()
	if !ok {
		v.Errors = append(v.Errors, "payload has no data object")
		return finish(v)
	}

	groupKey, bag := selectGroup(obj)
	if groupKey == "" {
		v.Errors = append(v.Errors, "no valid group in payload")
		return finish(v)
	}
	v.GroupKey = groupKey

	if ct, ok := obj["ct"].(string); ok {
		v.CaptureTime = ct
	}

	normalizeAliases(bag)

	schema := groupSchemas[groupKey]
	for _, field := range schema.fields {
		raw, present := bag[field]
		if !present {
			v.Errors = append(v.Errors, fmt.Sprintf("missing key %s in %s", field, groupKey))
			continue // zero default already in place
		}
		if schema.phase[field] {
			triple, ok := cleanPhase(raw)
			if !ok {
				v.Errors = append(v.Errors, fmt.Sprintf("field %s in %s is not an array", field, groupKey))
			}
			assignPhase(&v, field, triple)
			continue
		}
		f, ok := numericValue(raw)
		if !ok {
			v.Errors = append(v.Errors, fmt.Sprintf("invalid numeric value for %s in %s", field, groupKey))
			f = 0
		}
		assignScalar(&v, field, f)
	}

	if schema.phase != nil {
		v.VoltageAvg = round2(v.Voltages.Avg())
		v.CurrentAvg = round2(v.Currents.Avg())
	}

	return finish(v)
}

// finish stamps the derived description fields and the validity flag.
func finish(v models.ValidatedTelemetry) models.ValidatedTelemetry {
	v.AlertText = faultcode.Alerts(v.AlertCode)
	v.FaultText = faultcode.Faults(v.FaultCode)
	v.LastOnText = faultcode.Reason(v.LastOnCode)
	v.LastOffText = faultcode.Reason(v.LastOffCode)
	v.IsValid = len(v.Errors) == 0
	return v
}

// selectGroup returns the one recognized group key present in the data
// object, richest first, together with its field bag.
func selectGroup(obj map[string]any) (string, map[string]any) {
	for _, key := range groupOrder {
		if bag, ok := obj[key].(map[string]any); ok {
			return key, bag
		}
	}
	return "", nil
}

func normalizeAliases(bag map[string]any) {
	for alias, canonical := range fieldAliases {
		if _, ok := bag[canonical]; ok {
			continue
		}
		if val, ok := bag[alias]; ok {
			bag[canonical] = val
		}
	}
}

func assignScalar(v *models.ValidatedTelemetry, field string, f float64) {
	switch field {
	case "v":
		v.PayloadVersion = f
	case "pwr":
		v.PowerPresent = int(f)
	case "state":
		v.MotorStateCode = int(f)
	case "mode":
		v.MotorModeCode = int(f)
	case "alt":
		v.AlertCode = int(f)
	case "flt":
		v.FaultCode = int(f)
	case "lon":
		v.LastOnCode = int(f)
	case "lof":
		v.LastOffCode = int(f)
	}
}

func assignPhase(v *models.ValidatedTelemetry, field string, p models.Phase) {
	switch field {
	case "vln":
		v.Voltages = p
	case "cur":
		v.Currents = p
	}
}

// cleanPhase coerces a raw value to a fixed-length triple of 2-decimal
// numbers. Non-array input yields the zero triple with ok=false; arrays are
// truncated or zero-padded to exactly 3 elements, and non-numeric elements
// default to zero.
func cleanPhase(raw any) (models.Phase, bool) {
	arr, ok := raw.([]any)
	if !ok {
		return models.Phase{}, false
	}
	var out models.Phase
	for i := 0; i < 3 && i < len(arr); i++ {
		if f, ok := numericValue(arr[i]); ok {
			out[i] = round2(f)
		}
	}
	return out, true
}

// numericValue accepts a value that is already a finite number, or a string
// whose round-trip through numeric parsing reproduces the trimmed original.
// "12" and 12 pass; "12abc", "1e3" and "12.50" do not (the round-trip form
// of the latter two differs from the input). The accept/reject behavior is
// inherited from firmware-facing history and is deliberately not widened.
func numericValue(raw any) (float64, bool) {
	switch val := raw.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		s := strings.TrimSpace(val)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		if strconv.FormatFloat(f, 'f', -1, 64) != s {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
