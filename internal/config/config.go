// Package config loads pipeline configuration from defaults, an optional
// YAML file and MAGICSAAS_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"magicsaas-pipeline/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAGICSAAS_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/magicsaas/config.yaml",
}

// Config is the full service configuration.
type Config struct {
	Log       logging.Config  `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http" validate:"required"`
	Store     StoreConfig     `koanf:"store" validate:"required"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
	Zigbee    ZigbeeConfig    `koanf:"zigbee"`
	Occupancy OccupancyConfig `koanf:"occupancy"`
	Voice     VoiceConfig     `koanf:"voice"`
	Alexa     AlexaConfig     `koanf:"alexa"`
	Dictation DictationConfig `koanf:"dictation"`
}

// HTTPConfig configures the operator HTTP surface.
type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" validate:"gte=0"`
}

// StoreConfig configures the event store and its backend.
type StoreConfig struct {
	Backend        string        `koanf:"backend" validate:"required,oneof=memory postgres badger"`
	DSN            string        `koanf:"dsn" validate:"required_if=Backend postgres"`
	Table          string        `koanf:"table"`
	BadgerPath     string        `koanf:"badger_path" validate:"required_if=Backend badger"`
	FlushSize      int           `koanf:"flush_size" validate:"gte=1"`
	FlushInterval  time.Duration `koanf:"flush_interval" validate:"gt=0"`
	BufferWarnSize int           `koanf:"buffer_warn_size" validate:"gte=0"`
	FlushTimeout   time.Duration `koanf:"flush_timeout" validate:"gte=0"`
}

// MQTTConfig configures the broker connection and occupancy topics.
type MQTTConfig struct {
	Enabled              bool          `koanf:"enabled"`
	BrokerURL            string        `koanf:"broker_url" validate:"required_if=Enabled true"`
	ClientID             string        `koanf:"client_id"`
	Username             string        `koanf:"username"`
	Password             string        `koanf:"password"`
	Namespace            string        `koanf:"namespace" validate:"required"`
	Tenant               string        `koanf:"tenant" validate:"excludes=:"`
	QoS                  byte          `koanf:"qos" validate:"gte=1,lte=2"`
	ConnectTimeout       time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	MaxReconnectInterval time.Duration `koanf:"max_reconnect_interval" validate:"gt=0"`
	ConnectMaxElapsed    time.Duration `koanf:"connect_max_elapsed" validate:"gte=0"`
	OperationTimeout     time.Duration `koanf:"operation_timeout" validate:"gt=0"`
	QueueSize            int           `koanf:"queue_size" validate:"gte=1"`
	IngestTimeout        time.Duration `koanf:"ingest_timeout" validate:"gte=0"`
	Workers              int           `koanf:"workers" validate:"gte=1"`
	PublishState         bool          `koanf:"publish_state"`
}

// ZigbeeConfig configures the Zigbee2MQTT bridge.
type ZigbeeConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BaseTopic     string `koanf:"base_topic" validate:"required_if=Enabled true"`
	DeviceMap     string `koanf:"device_map" validate:"required_if=Enabled true"`
	DefaultTenant string `koanf:"default_tenant" validate:"excludes=:"`
}

// OccupancyConfig configures threshold detection.
type OccupancyConfig struct {
	Threshold  int            `koanf:"threshold" validate:"gte=1"`
	Mode       string         `koanf:"mode" validate:"oneof=gte gt"`
	Hysteresis int            `koanf:"hysteresis" validate:"gte=0,ltfield=Threshold"`
	Rooms      map[string]int `koanf:"rooms"`
}

// VoiceConfig configures the speech-to-text adapter.
type VoiceConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url" validate:"required_if=Enabled true"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	Language          string        `koanf:"language"`
	AttemptTimeout    time.Duration `koanf:"attempt_timeout" validate:"gt=0"`
	MaxElapsed        time.Duration `koanf:"max_elapsed" validate:"gt=0"`
	MaxRetries        uint64        `koanf:"max_retries"`
	BreakerFailures   uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerOpenPeriod time.Duration `koanf:"breaker_open_period" validate:"gt=0"`
}

// AlexaConfig configures the intent router.
type AlexaConfig struct {
	Enabled       bool   `koanf:"enabled"`
	ApplicationID string `koanf:"application_id"`
	SkillName     string `koanf:"skill_name"`
}

// DictationConfig configures chunk buffering.
type DictationConfig struct {
	Tenant        string        `koanf:"tenant" validate:"excludes=:"`
	Petala        string        `koanf:"petala"`
	MinChunkBytes int           `koanf:"min_chunk_bytes" validate:"gte=0"`
	MaxBufferAge  time.Duration `koanf:"max_buffer_age" validate:"gte=0"`
	SessionTTL    time.Duration `koanf:"session_ttl" validate:"gte=0"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Log: logging.Config{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    25 << 20,
		},
		Store: StoreConfig{
			Backend:        "memory",
			Table:          "system_events",
			FlushSize:      100,
			FlushInterval:  5 * time.Second,
			BufferWarnSize: 10000,
			FlushTimeout:   30 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:             "magicsaas-pipeline",
			Namespace:            "magicsaas",
			QoS:                  1,
			ConnectTimeout:       10 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
			ConnectMaxElapsed:    2 * time.Minute,
			OperationTimeout:     5 * time.Second,
			QueueSize:            1024,
			IngestTimeout:        2 * time.Second,
			Workers:              4,
			PublishState:         true,
		},
		Zigbee: ZigbeeConfig{
			BaseTopic: "zigbee2mqtt",
		},
		Occupancy: OccupancyConfig{
			Threshold:  10,
			Mode:       "gte",
			Hysteresis: 0,
		},
		Voice: VoiceConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "whisper-1",
			AttemptTimeout:    30 * time.Second,
			MaxElapsed:        2 * time.Minute,
			MaxRetries:        3,
			BreakerFailures:   5,
			BreakerOpenPeriod: 30 * time.Second,
		},
		Alexa: AlexaConfig{
			SkillName: "MagicSaaS",
		},
		Dictation: DictationConfig{
			MinChunkBytes: 64 << 10,
			MaxBufferAge:  10 * time.Second,
			SessionTTL:    30 * time.Minute,
		},
	}
}

// Load reads configuration from CONFIG_PATH or the default paths and env.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile reads configuration from path (optional) and env.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps MAGICSAAS_STORE__FLUSH_SIZE to store.flush_size.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
