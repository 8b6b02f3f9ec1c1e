// Package notify delivers the side effects a committed reconciliation
// produces: user-facing notifications and a state-change event stream for
// downstream consumers. Delivery is fire-and-forget and happens strictly
// after the store transaction commits.
package notify

import (
	"context"
	"time"

	"github.com/agrolinq/pumpfleet/pkg/models"
)

// Event is one committed reconciliation outcome published to the event
// stream, keyed by starter id.
type Event struct {
	StarterID int64     `json:"starter_id"`
	MotorID   int64     `json:"motor_id"`
	Kind      string    `json:"kind"` // power-change, state-change, mode-change, alert, fault
	Old       string    `json:"old,omitempty"`
	New       string    `json:"new,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Sink accepts post-commit side effects.
type Sink interface {
	Notify(ctx context.Context, n models.Notification) error
	Publish(ctx context.Context, e Event) error
}
