// Package push implements the sequence-numbered configuration push protocol:
// publish a command, race a status-topic subscription against a per-attempt
// timeout, retry a fixed number of times with escalating timeouts. The
// acknowledgement wait is the one place in the system where a timer and a
// message listener genuinely race; a settle-at-most-once guard keeps a late
// duplicate ack or a stale timer from having any visible effect.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agrolinq/pumpfleet/pkg/models"
)

var (
	pushAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_push_attempts_total",
		Help: "Individual settings-push publish attempts.",
	})
	pushAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_push_acked_total",
		Help: "Settings pushes that received a matching acknowledgement, by device verdict.",
	}, []string{"verdict"})
	pushExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_push_exhausted_total",
		Help: "Settings pushes that ran out of attempts without an acknowledgement.",
	})
)

const (
	tokenWait = 5 * time.Second
	qos       = 1
)

// defaultTimeouts escalate across the three attempts.
var defaultTimeouts = []time.Duration{3 * time.Second, 5 * time.Second, 5 * time.Second}

// Manager publishes configuration commands and waits for their
// acknowledgements. Safe for concurrent use; each Push call owns its own
// subscription handler and sequence numbers come from one shared counter.
type Manager struct {
	client   mqtt.Client
	prefix   string
	timeouts []time.Duration
	logger   *slog.Logger
	seq      atomic.Uint32

	waiting atomic.Int32
}

func NewManager(client mqtt.Client, prefix string, logger *slog.Logger) *Manager {
	m := &Manager{
		client:   client,
		prefix:   prefix,
		timeouts: defaultTimeouts,
		logger:   logger,
	}
	// Seed so sequence numbers do not restart at the same value after every
	// process restart; only uniqueness within the outstanding-ack window
	// matters.
	m.seq.Store(uint32(time.Now().UnixNano() & 0x7FFF))
	return m
}

// AckWaiting reports whether any Push call is currently waiting for an
// acknowledgement. The router uses it to tell a genuinely stray config ack
// from one that the broker also delivered on the shared wildcard route.
func (m *Manager) AckWaiting() bool {
	return m.waiting.Load() > 0
}

// nextSequence returns a fresh wire-field-sized sequence number, never 0.
func (m *Manager) nextSequence() int {
	for {
		s := int(m.seq.Add(1) & 0xFFFF)
		if s != 0 {
			return s
		}
	}
}

// matchesAck reports whether a status envelope settles the push with
// sequence number seq. The packet type must be the configuration ack, the
// sequence must match exactly, and the data field must be exactly 0 or 1
// (device reject/accept verdict).
func matchesAck(env models.Envelope, seq int) (verdict int, ok bool) {
	if env.Type != models.TypeConfigAck {
		return 0, false
	}
	if env.Sequence == nil || *env.Sequence != seq {
		return 0, false
	}
	d, ok := env.DataInt()
	if !ok || (d != 0 && d != 1) {
		return 0, false
	}
	return d, true
}

// Push publishes configPayload to every target's command topic and waits for
// a matching acknowledgement on the targets' status topics. It returns true
// as soon as a matching ack arrives (whatever the device's accept/reject
// verdict) and false when all attempts are exhausted or ctx is done. The
// listener is deregistered and the topics unsubscribed on every path.
func (m *Manager) Push(ctx context.Context, configPayload json.RawMessage, targets []string) bool {
	if len(targets) == 0 {
		m.logger.Error("settings push with no targets")
		return false
	}

	for attempt, timeout := range m.timeouts {
		if ctx.Err() != nil {
			return false
		}
		verdict, acked := m.attempt(ctx, configPayload, targets, timeout)
		if acked {
			pushAcked.WithLabelValues(verdictLabel(verdict)).Inc()
			m.logger.Info("settings push acknowledged",
				"targets", targets, "attempt", attempt+1, "verdict", verdict)
			return true
		}
	}

	pushExhausted.Inc()
	m.logger.Error("settings push exhausted all attempts",
		"targets", targets, "attempts", len(m.timeouts))
	return false
}

// attempt runs one publish/wait cycle with a fresh sequence number.
func (m *Manager) attempt(ctx context.Context, configPayload json.RawMessage, targets []string, timeout time.Duration) (verdict int, acked bool) {
	pushAttempts.Inc()
	m.waiting.Add(1)
	defer m.waiting.Add(-1)

	seq := m.nextSequence()
	env := models.Envelope{Type: models.TypeConfigRequest, Sequence: &seq, Data: configPayload}
	raw, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("marshal config envelope", "error", err)
		return 0, false
	}

	ackCh := make(chan int, 1)
	var settled atomic.Bool
	listener := func(_ mqtt.Client, msg mqtt.Message) {
		ackEnv, err := models.ParseEnvelope(msg.Payload())
		if err != nil {
			return
		}
		v, ok := matchesAck(ackEnv, seq)
		if !ok {
			return
		}
		if settled.CompareAndSwap(false, true) {
			ackCh <- v
		}
	}

	statusTopics := make([]string, len(targets))
	for i, target := range targets {
		statusTopics[i] = models.TopicStatus(m.prefix, target)
	}
	subscribed := make([]string, 0, len(statusTopics))
	defer func() {
		// Unsubscribing also removes the listener route; late acks after this
		// point go to the router's stray counter instead.
		if len(subscribed) > 0 {
			m.client.Unsubscribe(subscribed...).WaitTimeout(tokenWait)
		}
	}()
	for _, topic := range statusTopics {
		tok := m.client.Subscribe(topic, qos, listener)
		if !tok.WaitTimeout(tokenWait) || tok.Error() != nil {
			m.logger.Warn("status subscribe failed", "topic", topic, "error", tok.Error())
			continue
		}
		subscribed = append(subscribed, topic)
	}
	if len(subscribed) == 0 {
		return 0, false
	}

	for _, target := range targets {
		tok := m.client.Publish(models.TopicCmd(m.prefix, target), qos, false, raw)
		if !tok.WaitTimeout(tokenWait) || tok.Error() != nil {
			m.logger.Warn("config publish failed",
				"target", target, "seq", seq, "error", tok.Error())
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ackCh:
		return v, true
	case <-timer.C:
		// Mark settled so an ack racing the timer is dropped by the listener
		// rather than leaking into a later attempt's channel.
		settled.Store(true)
		return 0, false
	case <-ctx.Done():
		settled.Store(true)
		return 0, false
	}
}

func verdictLabel(v int) string {
	if v == 1 {
		return "accepted"
	}
	return "rejected"
}
