// Package faultcode decodes the fault and alert bitmasks reported by starter
// boxes into human-readable descriptions.
package faultcode

import "strings"

type bit struct {
	mask int
	name string
}

// The bit tables are fixed by firmware; order here is the order names are
// joined in when multiple conditions are set.
var faultBits = []bit{
	{0x001, "Dry Run Fault"},
	{0x002, "Overload Fault"},
	{0x004, "Locked Rotor Fault"},
	{0x008, "Current Imbalance Fault"},
	{0x010, "Frequent Start Fault"},
	{0x020, "Phase Failure Fault"},
	{0x040, "Low Voltage Fault"},
	{0x080, "High Voltage Fault"},
	{0x100, "Voltage Imbalance Fault"},
	{0x200, "Phase Reversal Fault"},
	{0x400, "Frequency Deviation Fault"},
	{0x800, "Output Phase Fault"},
}

var alertBits = []bit{
	{0x001, "Dry Run Alert"},
	{0x002, "Overload Alert"},
	{0x004, "Locked Rotor Alert"},
	{0x008, "Current Imbalance Alert"},
	{0x010, "Frequent Start Alert"},
	{0x020, "Phase Failure Alert"},
	{0x040, "Low Voltage Alert"},
	{0x080, "High Voltage Alert"},
	{0x100, "Voltage Imbalance Alert"},
	{0x200, "Phase Reversal Alert"},
	{0x400, "Frequency Deviation Alert"},
	{0x800, "Output Phase Alert"},
}

// Faults returns the comma-joined names of all fault bits set in code.
// Zero means no fault; a nonzero code matching no bits is unknown.
func Faults(code int) string {
	return describe(code, faultBits, "No Fault", "Unknown Fault")
}

// Alerts is the alert-table counterpart of Faults.
func Alerts(code int) string {
	return describe(code, alertBits, "No Alert", "Unknown Alert")
}

func describe(code int, bits []bit, none, unknown string) string {
	if code == 0 {
		return none
	}
	var names []string
	for _, b := range bits {
		if code&b.mask != 0 {
			names = append(names, b.name)
		}
	}
	if len(names) == 0 {
		return unknown
	}
	return strings.Join(names, ", ")
}

// Last-on/off reason codes reported in the G01 lon/lof fields.
var reasonNames = map[int]string{
	0: "None",
	1: "Manual Command",
	2: "Auto Schedule",
	3: "Dry Run Protection",
	4: "Overload Protection",
	5: "Voltage Protection",
	6: "Power Failure",
	7: "Remote Command",
}

// Reason describes a last-on or last-off code.
func Reason(code int) string {
	if name, ok := reasonNames[code]; ok {
		return name
	}
	return "Unknown"
}
