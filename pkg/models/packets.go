package models

// Packet type codes carried in the envelope T field. Requests 1–10 originate
// from the platform; a device answers request N with acknowledgement N+30.
// Live data (telemetry groups) arrives unsolicited as type 11 or, on newer
// firmware, 41.
const (
	TypeMotorControl    = 1
	TypeModeChange      = 2
	TypeScheduling      = 3
	TypeCalibration     = 4
	TypeLiveDataRequest = 5
	TypeConfigRequest   = 6
	TypeSchedulingData  = 7
	TypePowerInfo       = 8
	TypeDeviceInfo      = 10

	TypeLiveData    = 11
	TypeLiveDataAlt = 41

	AckOffset             = 30
	TypeMotorControlAck   = TypeMotorControl + AckOffset
	TypeModeChangeAck     = TypeModeChange + AckOffset
	TypeSchedulingAck     = TypeScheduling + AckOffset
	TypeCalibrationAck    = TypeCalibration + AckOffset
	TypeLiveDataAck       = TypeLiveDataRequest + AckOffset
	TypeConfigAck         = TypeConfigRequest + AckOffset
	TypeSchedulingDataAck = TypeSchedulingData + AckOffset
	TypePowerInfoAck      = TypePowerInfo + AckOffset

	TypeHeartbeat = 40
)

// Motor state codes.
const (
	MotorOff = 0
	MotorOn  = 1
)

// Mode codes as reported in telemetry and mode-change acknowledgements.
// Only manual and auto are ever written to a motor record; the other two are
// protocol outcomes that get logged and dropped.
const (
	ModeManual           = 0
	ModeAuto             = 1
	ModeAlreadyRequested = 2
	ModeInvalid          = 3
)

// ModeText maps a numeric mode code to its textual form, or "" when the code
// is not recognized.
func ModeText(code int) string {
	switch code {
	case ModeManual:
		return "manual"
	case ModeAuto:
		return "auto"
	case ModeAlreadyRequested:
		return "already-requested"
	case ModeInvalid:
		return "invalid"
	}
	return ""
}

// WritableMode reports whether the textual mode may be written to a motor
// record.
func WritableMode(mode string) bool {
	return mode == "manual" || mode == "auto"
}
