/*Package config holds the configuration of the iotdatahub server

The configuration is resolved in three layers: built-in defaults, an optional
YAML file and finally the environment. An environment variable always wins.

	# iotdatahub.yaml
	tcp_addr: ":8442"
	idle_timeout: 60s
	devices:
	  - id: D1
	    name: greenhouse
	    token: secret-token

The devices list seeds the in-memory gateway, it is ignored when a Postgres
connection string is configured.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// StaticDevice is a device known to the in-memory gateway
type StaticDevice struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// Config holds the configuration for the server
type Config struct {
	TCPAddr string `yaml:"tcp_addr" env:"TCP_ADDR" description:"device TCP listen address"`
	WSAddr  string `yaml:"ws_addr" env:"WS_ADDR" description:"WebSocket and HTTP listen address"`
	WSPath  string `yaml:"ws_path" env:"WS_PATH" description:"WebSocket route"`

	IdleTimeout      time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT" description:"device idle timeout"`
	AuthTimeout      time.Duration `yaml:"auth_timeout" env:"AUTH_TIMEOUT" description:"credential lookup timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" description:"offline sweep period"`
	OfflineThreshold time.Duration `yaml:"offline_threshold" env:"OFFLINE_THRESHOLD" description:"last ping age after which a device is offline"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL" description:"state cache flush period"`

	MaxBodyLength   int     `yaml:"max_body_length" env:"MAX_BODY_LENGTH" description:"largest accepted frame body"`
	DeviceRateLimit float64 `yaml:"device_rate_limit" env:"DEVICE_RATE_LIMIT" description:"DATA frames per second per device, 0 disables"`
	DeviceRateBurst int     `yaml:"device_rate_burst" env:"DEVICE_RATE_BURST" description:"DATA frame burst per device"`

	SendQueueSize int           `yaml:"send_queue_size" env:"SEND_QUEUE_SIZE" description:"per subscriber outbound queue depth"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" description:"WebSocket write deadline"`

	PersistQueueSize  int `yaml:"persist_queue_size" env:"PERSIST_QUEUE_SIZE" description:"asynchronous gateway queue depth"`
	PersistWorkers    int `yaml:"persist_workers" env:"PERSIST_WORKERS" description:"asynchronous gateway workers"`
	PersistMaxRetries int `yaml:"persist_max_retries" env:"PERSIST_MAX_RETRIES" description:"retries per gateway task"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" description:"log verbosity"`

	Postgres             string `yaml:"postgres" env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword     string `yaml:"postgres_password" env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	PostgresSchema       string `yaml:"postgres_schema" env:"POSTGRES_SCHEMA" description:"database schema"`
	PostgresUpdateSchema bool   `yaml:"postgres_update_schema" env:"POSTGRES_UPDATE_SCHEMA" description:"create missing tables"`

	WSJWTSecret      string `yaml:"ws_jwt_secret" env:"WS_JWT_SECRET" description:"HMAC secret for WebSocket client tokens"`
	WSAllowedOrigins string `yaml:"ws_allowed_origins" env:"WS_ALLOWED_ORIGINS" description:"comma separated allowed origins"`

	MQTTAddr       string `yaml:"mqtt_addr" env:"MQTT_ADDR" description:"listen address of the MQTT mirror"`
	MQTTCertFile   string `yaml:"mqtt_cert_file" env:"MQTT_CERT_FILE" description:"TLS certificate of the MQTT mirror"`
	MQTTKeyFile    string `yaml:"mqtt_key_file" env:"MQTT_KEY_FILE" description:"TLS private key of the MQTT mirror"`
	MQTTCACertFile string `yaml:"mqtt_ca_cert_file" env:"MQTT_CA_CERT_FILE" description:"CA certificate for MQTT client certificates"`

	KafkaBrokers string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" description:"comma separated Kafka brokers"`
	KafkaTopic   string `yaml:"kafka_topic" env:"KAFKA_TOPIC" description:"Kafka topic for device updates"`

	Devices []StaticDevice `yaml:"devices"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		TCPAddr:           ":8442",
		WSAddr:            ":8080",
		WSPath:            "/ws",
		IdleTimeout:       60 * time.Second,
		AuthTimeout:       5 * time.Second,
		SweepInterval:     30 * time.Second,
		OfflineThreshold:  120 * time.Second,
		FlushInterval:     10 * time.Second,
		MaxBodyLength:     4096,
		DeviceRateBurst:   20,
		SendQueueSize:     64,
		WriteTimeout:      5 * time.Second,
		PersistQueueSize:  1024,
		PersistWorkers:    4,
		PersistMaxRetries: 3,
		LogLevel:          "info",
		PostgresSchema:    "public",
		WSAllowedOrigins:  "*",
		KafkaTopic:        "iotdatahub.device-updates",
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if len(path) > 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("cannot decode environment: %w", err)
	}
	return cfg, Validate(cfg)
}

// Validate checks a configuration for values the server cannot run with
func Validate(cfg Config) error {
	if cfg.TCPAddr == "" {
		return errors.New("config: tcp address required")
	}
	if cfg.WSAddr == "" {
		return errors.New("config: websocket address required")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		return fmt.Errorf("config: websocket path %q must start with /", cfg.WSPath)
	}
	durations := map[string]time.Duration{
		"idle_timeout":      cfg.IdleTimeout,
		"auth_timeout":      cfg.AuthTimeout,
		"sweep_interval":    cfg.SweepInterval,
		"offline_threshold": cfg.OfflineThreshold,
		"flush_interval":    cfg.FlushInterval,
		"write_timeout":     cfg.WriteTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be > 0", name)
		}
	}
	if cfg.MaxBodyLength <= 0 || cfg.MaxBodyLength > 0xffff {
		return fmt.Errorf("config: max_body_length must be within 1..65535")
	}
	if cfg.DeviceRateLimit < 0 {
		return errors.New("config: device_rate_limit must be >= 0")
	}
	if cfg.DeviceRateLimit > 0 && cfg.DeviceRateBurst <= 0 {
		return errors.New("config: device_rate_burst must be > 0 when rate limiting")
	}
	if cfg.SendQueueSize <= 0 || cfg.PersistQueueSize <= 0 || cfg.PersistWorkers <= 0 {
		return errors.New("config: queue sizes and worker counts must be > 0")
	}
	if cfg.PersistMaxRetries < 0 {
		return errors.New("config: persist_max_retries must be >= 0")
	}
	if (cfg.MQTTCertFile == "") != (cfg.MQTTKeyFile == "") {
		return errors.New("config: mqtt_cert_file and mqtt_key_file go together")
	}
	seen := map[string]bool{}
	for _, d := range cfg.Devices {
		if d.ID == "" || d.Token == "" {
			return errors.New("config: static devices need id and token")
		}
		if seen[d.Token] {
			return fmt.Errorf("config: duplicate token for device %s", d.ID)
		}
		seen[d.Token] = true
	}
	return nil
}

// List splits a comma separated setting, dropping empty entries
func List(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}
