package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProducerSimulated = "simulated"
	ProducerNMEA      = "nmea"
)

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Producer  ProducerConfig  `yaml:"producer"`
	Proximity ProximityConfig `yaml:"proximity"`
	Direct    DirectConfig    `yaml:"direct"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() (slog.Level, error) {
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("parsing log level '%s': %w", s.LogLevel, err)
	}
	return level, nil
}

// ProducerConfig selects and configures the fix source
type ProducerConfig struct {
	Type      string          `yaml:"type"`
	Simulated SimulatedConfig `yaml:"simulated"`
	NMEA      NMEAConfig      `yaml:"nmea"`
}

// SimulatedConfig configures the random-walk fix source
type SimulatedConfig struct {
	StartLatitude  float64 `yaml:"startLatitude"`
	StartLongitude float64 `yaml:"startLongitude"`
	SpeedMPS       float64 `yaml:"speed"`
	UpdateInterval float64 `yaml:"updateInterval"` // seconds
}

// NMEAConfig configures the serial GPS fix source
type NMEAConfig struct {
	SerialPort string `yaml:"serialPort"`
	BaudRate   uint   `yaml:"baudRate"`
}

// ProximityConfig configures the primary channel's broker session
type ProximityConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"brokerUrl"`
	ClientID    string `yaml:"clientId"`
	TopicPrefix string `yaml:"topicPrefix"`
	DeviceID    string `yaml:"deviceId"`
	PeerID      string `yaml:"peerId"`
	SpoolDir    string `yaml:"spoolDir"`
}

// DirectConfig configures the secondary channel's socket connection
type DirectConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	BearerToken  string  `yaml:"bearerToken"`
	InitialDelay float64 `yaml:"initialDelay"` // seconds
	MaxDelay     float64 `yaml:"maxDelay"`     // seconds
	MaxAttempts  int     `yaml:"maxAttempts"`
}

// InitialDelayDuration returns the configured first reconnect delay.
func (c DirectConfig) InitialDelayDuration() time.Duration {
	return time.Duration(c.InitialDelay * float64(time.Second))
}

// MaxDelayDuration returns the configured backoff cap.
func (c DirectConfig) MaxDelayDuration() time.Duration {
	return time.Duration(c.MaxDelay * float64(time.Second))
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration file: %w", err)
	}

	if err = validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateConfig(config *Config) error {
	switch config.Producer.Type {
	case ProducerSimulated:

	case ProducerNMEA:
		if config.Producer.NMEA.SerialPort == "" {
			return fmt.Errorf("producer: serial port required for type '%s'", ProducerNMEA)
		}

	default:
		return fmt.Errorf("producer: unknown type '%s'", config.Producer.Type)
	}

	if config.Proximity.Enabled {
		p := &config.Proximity
		if p.BrokerURL == "" || p.DeviceID == "" || p.PeerID == "" {
			return fmt.Errorf("proximity: brokerUrl, deviceId and peerId are required")
		}
	}

	if config.Direct.Enabled && config.Direct.Endpoint == "" {
		return fmt.Errorf("direct: endpoint required when enabled")
	}

	if !config.Proximity.Enabled && !config.Direct.Enabled {
		return fmt.Errorf("at least one of proximity or direct must be enabled")
	}

	return nil
}
