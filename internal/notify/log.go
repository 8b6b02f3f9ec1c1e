package notify

import (
	"context"
	"log/slog"

	"github.com/agrolinq/pumpfleet/pkg/models"
)

// LogSink logs side effects instead of delivering them. Used when no Kafka
// brokers are configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Notify(_ context.Context, n models.Notification) error {
	l.Logger.Info("notification (no sink configured)",
		"user_id", n.UserID, "title", n.Title, "message", n.Message, "motor_id", n.MotorID)
	return nil
}

func (l LogSink) Publish(_ context.Context, e Event) error {
	l.Logger.Info("event (no sink configured)",
		"starter_id", e.StarterID, "kind", e.Kind, "old", e.Old, "new", e.New)
	return nil
}
