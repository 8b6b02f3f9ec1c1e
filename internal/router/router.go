// Package router inspects an inbound broker message's topic and packet type
// and dispatches it to the matching handler. Unknown packet types and
// unparseable topics are dropped with a log line, never raised: firmware in
// the field sends things this platform does not speak.
package router

import (
	"context"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agrolinq/pumpfleet/internal/codec"
	"github.com/agrolinq/pumpfleet/internal/reconcile"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

var (
	messagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_messages_received_total",
		Help: "Total broker messages received.",
	})
	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_messages_dropped_total",
		Help: "Messages dropped before reconciliation, by reason.",
	}, []string{"reason"})
	telemetryInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_telemetry_invalid_total",
		Help: "Telemetry records that decoded with errors (still persisted).",
	})
	handlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_handler_errors_total",
		Help: "Handler invocations that returned an error (transient I/O).",
	})
)

// action is the logical handler a packet type maps to.
type action int

const (
	actionTelemetry action = iota
	actionControlAck
	actionModeAck
	actionHeartbeat
	actionConfigAck
	actionUnknown
)

// The packet-type table is fixed by the wire protocol. Configuration acks
// (36) are matched by the settings push protocol's own listener; the router
// only observes strays that arrive with no push outstanding.
var actions = map[int]action{
	models.TypeLiveData:        actionTelemetry,
	models.TypeLiveDataAlt:     actionTelemetry,
	models.TypeMotorControlAck: actionControlAck,
	models.TypeModeChangeAck:   actionModeAck,
	models.TypeConfigAck:       actionConfigAck,
	models.TypeHeartbeat:       actionHeartbeat,
}

// Router dispatches broker messages. Processing is deliberately inline and
// sequential per subscription: one message is fully routed, decoded, and
// reconciled before the next, which preserves broker-delivery order per
// device.
type Router struct {
	prefix     string
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	ackWaiting func() bool
}

func New(prefix string, reconciler *reconcile.Reconciler, logger *slog.Logger) *Router {
	return &Router{prefix: prefix, reconciler: reconciler, logger: logger}
}

// SetAckWaiting installs the settings-push liveness check consulted before a
// config ack is counted as stray.
func (r *Router) SetAckWaiting(fn func() bool) {
	r.ackWaiting = fn
}

// HandleMessage routes one raw broker message.
func (r *Router) HandleMessage(ctx context.Context, topic string, payload []byte) {
	messagesReceived.Inc()

	mac, ok := models.HardwareFromTopic(r.prefix, topic)
	if !ok {
		messagesDropped.WithLabelValues("bad_topic").Inc()
		r.logger.Error("topic has no hardware address segment, message dropped", "topic", topic)
		return
	}

	env, err := models.ParseEnvelope(payload)
	if err != nil {
		messagesDropped.WithLabelValues("bad_envelope").Inc()
		r.logger.Warn("unparseable envelope dropped", "mac", mac, "error", err)
		return
	}

	switch actionFor(env.Type) {
	case actionTelemetry:
		v := codec.Decode(env)
		if !v.IsValid {
			telemetryInvalid.Inc()
			r.logger.Warn("telemetry decoded with errors",
				"mac", mac, "group", v.GroupKey, "errors", v.Errors)
		}
		r.report(r.reconciler.HandleTelemetry(ctx, mac, v), "telemetry", mac)

	case actionControlAck:
		r.report(r.reconciler.HandleControlAck(ctx, mac, env), "control_ack", mac)

	case actionModeAck:
		r.report(r.reconciler.HandleModeAck(ctx, mac, env), "mode_ack", mac)

	case actionHeartbeat:
		r.report(r.reconciler.HandleHeartbeat(ctx, mac, env), "heartbeat", mac)

	case actionConfigAck:
		// Config acks are matched by the push protocol's own subscription.
		// While a push is waiting, the broker also delivers the ack on this
		// wildcard route; only count a stray when no push is outstanding
		// (late duplicate or reboot echo).
		if r.ackWaiting != nil && r.ackWaiting() {
			r.logger.Debug("config ack on shared route during push", "mac", mac, "seq", env.SequenceOr(-1))
			return
		}
		messagesDropped.WithLabelValues("stray_config_ack").Inc()
		r.logger.Info("config ack with no outstanding push", "mac", mac, "seq", env.SequenceOr(-1))

	default:
		messagesDropped.WithLabelValues("unknown_type").Inc()
		r.logger.Warn("unknown packet type dropped", "mac", mac, "type", env.Type)
	}
}

func actionFor(packetType int) action {
	if a, ok := actions[packetType]; ok {
		return a
	}
	return actionUnknown
}

func (r *Router) report(err error, kind, mac string) {
	if err != nil {
		handlerErrors.Inc()
		r.logger.Error("handler failed", "kind", kind, "mac", mac, "error", err)
	}
}

// MQTTHandler adapts the router to a paho message handler. The payload is
// copied immediately because paho reuses the underlying buffer.
func (r *Router) MQTTHandler(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		data := make([]byte, len(payload))
		copy(data, payload)
		r.HandleMessage(ctx, msg.Topic(), data)
	}
}
