package models

// Phase holds one 3-phase reading in R/Y/B order.
type Phase [3]float64

// Avg returns the mean of the three phase values.
func (p Phase) Avg() float64 {
	return (p[0] + p[1] + p[2]) / 3
}

// ValidatedTelemetry is the decoded form of one telemetry message. It is the
// shared contract between the codec and the state reconciler. Missing or
// malformed fields are defaulted to zero and recorded in Errors; the record
// is still persisted for audit, with IsValid reflecting whether any error
// occurred. Created once per inbound message and never mutated afterwards.
type ValidatedTelemetry struct {
	PayloadVersion float64 `json:"payload_version"`

	Voltages   Phase   `json:"voltages"`
	Currents   Phase   `json:"currents"`
	VoltageAvg float64 `json:"voltage_avg"`
	CurrentAvg float64 `json:"current_avg"`

	PowerPresent   int `json:"power_present"`
	MotorStateCode int `json:"motor_state_code"`
	MotorModeCode  int `json:"motor_mode_code"`

	AlertCode int    `json:"alert_code"`
	FaultCode int    `json:"fault_code"`
	AlertText string `json:"alert_text"`
	FaultText string `json:"fault_text"`

	LastOnCode  int    `json:"last_on_code"`
	LastOffCode int    `json:"last_off_code"`
	LastOnText  string `json:"last_on_text"`
	LastOffText string `json:"last_off_text"`

	CaptureTime string `json:"capture_time"`
	GroupKey    string `json:"group_key"`

	Errors  []string `json:"errors"`
	IsValid bool     `json:"is_valid"`
}

// HasMotorFields reports whether the group this record came from carries
// motor run-state information. G04 carries power and mode only.
func (v ValidatedTelemetry) HasMotorFields() bool {
	return v.GroupKey != "" && v.GroupKey != "G04"
}

// HasPhaseFields reports whether the group carries 3-phase electrical data.
func (v ValidatedTelemetry) HasPhaseFields() bool {
	return v.GroupKey == "G01" || v.GroupKey == "G02"
}
