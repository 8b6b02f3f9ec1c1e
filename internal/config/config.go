// Package config collects the daemon's runtime settings from environment
// variables, with an optional YAML overlay file for deployments that prefer
// checked-in configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id"`
	TopicPrefix  string `yaml:"topic_prefix"`

	DBPath string `yaml:"db_path"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	KafkaBrokers            []string `yaml:"kafka_brokers"`
	KafkaNotificationsTopic string   `yaml:"kafka_notifications_topic"`
	KafkaEventsTopic        string   `yaml:"kafka_events_topic"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// Load builds the configuration from the environment, then overlays the YAML
// file named by FLEETD_CONFIG when set. YAML values win over environment
// values so a mounted config file is authoritative.
func Load() (*Config, error) {
	cfg := &Config{
		MQTTBroker:              getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:            getEnv("MQTT_CLIENT_ID", "fleetd"),
		TopicPrefix:             getEnv("TOPIC_PREFIX", "sbox"),
		DBPath:                  getEnv("FLEETD_DB_PATH", "/var/lib/fleetd/fleet.db"),
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:             getEnv("METRICS_ADDR", ":9091"),
		KafkaNotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "fleet-notifications"),
		KafkaEventsTopic:        getEnv("KAFKA_EVENTS_TOPIC", "fleet-events"),
		ShutdownTimeout:         getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if path := os.Getenv("FLEETD_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("mqtt broker must not be empty")
	}
	if c.TopicPrefix == "" || strings.Contains(c.TopicPrefix, "/") {
		return fmt.Errorf("topic prefix %q must be a single segment", c.TopicPrefix)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	return nil
}

// KafkaEnabled reports whether a side-effect sink should talk to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaBrokers[0] != ""
}

// String renders the config for the startup log line, one field per pair.
func (c *Config) String() string {
	return fmt.Sprintf("broker=%s prefix=%s db=%s http=%s metrics=%s kafka=%s",
		c.MQTTBroker, c.TopicPrefix, c.DBPath, c.HTTPAddr, c.MetricsAddr,
		strconv.FormatBool(c.KafkaEnabled()))
}
