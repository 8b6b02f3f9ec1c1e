// fleetd is the starter-box fleet daemon: it subscribes to device telemetry
// and status topics, reconciles state into the store, and pushes queued
// configuration to devices.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agrolinq/pumpfleet/internal/api"
	"github.com/agrolinq/pumpfleet/internal/config"
	"github.com/agrolinq/pumpfleet/internal/notify"
	"github.com/agrolinq/pumpfleet/internal/push"
	"github.com/agrolinq/pumpfleet/internal/reconcile"
	"github.com/agrolinq/pumpfleet/internal/router"
	"github.com/agrolinq/pumpfleet/internal/runtrack"
	"github.com/agrolinq/pumpfleet/internal/store"
	"github.com/agrolinq/pumpfleet/pkg/models"
)

var version = "dev"

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

var rootCmd = &cobra.Command{
	Use:     "fleetd",
	Short:   "Starter-box fleet daemon",
	Version: version,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("fleetd exited with error", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("starting fleetd", "version", version, "config", cfg.String())

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var sink notify.Sink
	if cfg.KafkaEnabled() {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotificationsTopic, cfg.KafkaEventsTopic)
		defer ks.Close()
		sink = ks
	} else {
		sink = notify.LogSink{Logger: logger}
	}

	tracker := runtrack.New(logger)
	reconciler := reconcile.New(st, tracker, sink, logger)
	rt := router.New(cfg.TopicPrefix, reconciler, logger)

	client, err := newMQTTClient(cfg, rt.MQTTHandler(ctx))
	if err != nil {
		return err
	}

	pusher := push.NewManager(client, cfg.TopicPrefix, logger)
	reconciler.SetHeartbeatHook(pushPendingConfig(st, pusher))
	rt.SetAckWaiting(pusher.AckWaiting)

	opsSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.New(st, logger).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "error", err)
		}
	}()
	metricsSrv := startMetricsServer(cfg.MetricsAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Disconnect first so no new messages arrive, with a short quiesce for
	// paho to deliver already-received QoS-1 messages.
	client.Disconnect(500)

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := opsSrv.Shutdown(shutCtx); err != nil {
		logger.Error("ops server shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)

	logger.Info("fleetd stopped")
	return nil
}

// pushPendingConfig is the heartbeat hook: deliver the queued configuration
// to the device that just checked in and clear the flag once acknowledged.
func pushPendingConfig(st *store.Store, pusher *push.Manager) reconcile.HeartbeatHook {
	return func(ctx context.Context, dc models.DeviceContext) {
		cfgJSON, pending, err := st.PendingConfig(ctx, dc.Device.StarterID)
		if err != nil {
			logger.Error("pending config lookup failed", "starter_id", dc.Device.StarterID, "error", err)
			return
		}
		if !pending {
			return
		}
		if !pusher.Push(ctx, json.RawMessage(cfgJSON), dc.Device.CommandTargets()) {
			return // next heartbeat will try again
		}
		if err := st.ClearPendingConfig(ctx, dc.Device.StarterID); err != nil {
			logger.Error("clear pending config failed", "starter_id", dc.Device.StarterID, "error", err)
		}
	}
}

// newMQTTClient dials the broker and returns a connected client. Both fleet
// subscriptions are re-established inside OnConnectHandler so they survive
// reconnects (paho's AutoReconnect does not restore subscriptions).
func newMQTTClient(cfg *config.Config, handler mqtt.MessageHandler) (mqtt.Client, error) {
	subscribe := func(c mqtt.Client, topic string) {
		tok := c.Subscribe(topic, 1, handler)
		if ok := tok.WaitTimeout(10 * time.Second); !ok {
			logger.Warn("subscribe timed out", "topic", topic)
			return
		}
		if err := tok.Error(); err != nil {
			logger.Error("subscribe failed", "topic", topic, "error", err)
			return
		}
		logger.Info("subscribed", "topic", topic)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Info("connected to MQTT broker", "broker", cfg.MQTTBroker)
			subscribe(c, cfg.TopicPrefix+"/+/data")
			subscribe(c, cfg.TopicPrefix+"/+/status")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost, will reconnect", "error", err)
		})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if ok := tok.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("MQTT connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect: %w", err)
	}
	return client, nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
