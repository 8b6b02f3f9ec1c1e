package models

// DeviceSnapshot is the last-known external state of a starter box, supplied
// by the store on each reconciliation. The core only computes deltas against
// it; ownership stays with the store.
type DeviceSnapshot struct {
	StarterID     int64  `json:"starter_id"`
	MAC           string `json:"mac"`
	PCBSerial     string `json:"pcb_serial"`
	Provisioned   bool   `json:"provisioned"`
	Power         int    `json:"power"`
	SignalQuality int    `json:"signal_quality"`
	NetworkType   string `json:"network_type"`
	DeviceStatus  string `json:"device_status"`
	ConfigPending bool   `json:"config_pending"`
	ConfigJSON    string `json:"-"`
}

// CommandTargets returns the identifiers the device may answer on, in the
// order a settings push should address them. A provisioned device listens on
// its PCB serial; the MAC is kept as a fallback for boxes mid-provisioning.
func (d DeviceSnapshot) CommandTargets() []string {
	if d.Provisioned && d.PCBSerial != "" {
		return []string{d.PCBSerial, d.MAC}
	}
	return []string{d.MAC}
}

// MotorSnapshot is the last-known state of the motor bound to a starter box.
type MotorSnapshot struct {
	MotorID     int64  `json:"motor_id"`
	StarterID   int64  `json:"starter_id"`
	LocationID  int64  `json:"location_id"`
	OwnerUserID int64  `json:"owner_user_id"`
	MotorState  int    `json:"motor_state"`
	Mode        string `json:"mode"`
}

// DeviceContext pairs a resolved device with its currently assigned motor.
// Motor is nil when no motor is bound — an expected steady-state condition
// for freshly provisioned boxes, not an error.
type DeviceContext struct {
	Device DeviceSnapshot
	Motor  *MotorSnapshot
}

// Notification is a user-facing message prepared during reconciliation and
// delivered strictly after the containing store transaction commits.
type Notification struct {
	UserID  int64  `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	MotorID int64  `json:"motor_id"`
}
