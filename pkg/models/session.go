package models

// RunTimeSession is one open-or-closed accounting interval for a
// (starter, motor) pair. At most one session per pair has a nil EndTime at
// any instant; the store enforces this by doing the open-session lookup and
// the insert inside one transaction.
//
// The power sub-interval (PowerStart/PowerEnd/PowerState) tracks device
// power independently of the motor state: a power flip closes and reopens
// the row while the motor-state interval stays logically continuous.
type RunTimeSession struct {
	ID        string `json:"id"`
	StarterID int64  `json:"starter_id"`
	MotorID   int64  `json:"motor_id"`

	StartTime int64  `json:"start_time"` // unix ms
	EndTime   *int64 `json:"end_time"`   // nil while open

	MotorState int    `json:"motor_state"`
	MotorMode  string `json:"motor_mode"`

	PowerStart int64  `json:"power_start"` // unix ms
	PowerEnd   *int64 `json:"power_end"`   // nil while power sub-interval open
	PowerState int    `json:"power_state"`

	Duration      string `json:"duration"`       // stamped on close, "H h M m S sec"
	PowerDuration string `json:"power_duration"` // stamped when the power sub-interval closes

	TimeStamp int64 `json:"time_stamp"` // unix ms of last observation
}

// Open reports whether the session interval is still accumulating.
func (s RunTimeSession) Open() bool { return s.EndTime == nil }

// DeviceSession is one power-on-time accounting interval for a starter box,
// independent of any motor. Same Closed/Open shape as RunTimeSession, keyed
// by starter alone and transitioning solely on power-state change.
type DeviceSession struct {
	ID         string `json:"id"`
	StarterID  int64  `json:"starter_id"`
	StartTime  int64  `json:"start_time"`
	EndTime    *int64 `json:"end_time"`
	PowerState int    `json:"power_state"`
	Duration   string `json:"duration"`
}
