// Package config provides configuration management for the go-rvc bridge.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resident-x/go-rvc/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel         string `mapstructure:"log_level"`
	HeartbeatSeconds int    `mapstructure:"heartbeat_seconds"`

	// CAN bus settings
	CAN struct {
		Interface        string `mapstructure:"interface"`
		SourceAddresses  []int  `mapstructure:"source_addresses"`
		PrimarySource    int    `mapstructure:"primary_source"`
		RequestSource    int    `mapstructure:"request_source"`
		ManufacturerCode int    `mapstructure:"manufacturer_code"`
		DiscoverSources  bool   `mapstructure:"discover_sources"`
		QueueSize        int    `mapstructure:"queue_size"`
	} `mapstructure:"can"`

	// Startup request settings
	Handshake struct {
		Enabled      bool  `mapstructure:"enabled"`
		Requests     []int `mapstructure:"requests"`
		SendAttempts int   `mapstructure:"send_attempts"`
		RetryDelayMs int   `mapstructure:"retry_delay_ms"`
		SpacingMs    int   `mapstructure:"spacing_ms"`
	} `mapstructure:"handshake"`

	// State rule priority, by rule name
	State struct {
		InverterRules []string `mapstructure:"inverter_rules"`
		ChargerRules  []string `mapstructure:"charger_rules"`
	} `mapstructure:"state"`

	// Static device identity
	Device struct {
		ProductName     string `mapstructure:"product_name"`
		ProductID       int    `mapstructure:"product_id"`
		DeviceInstance  int    `mapstructure:"device_instance"`
		FirmwareVersion string `mapstructure:"firmware_version"`
		InverterName    string `mapstructure:"inverter_name"`
		ChargerName     string `mapstructure:"charger_name"`
	} `mapstructure:"device"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
		Metrics bool   `mapstructure:"metrics"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled             bool   `mapstructure:"enabled"`
		Host                string `mapstructure:"host"`
		Port                int    `mapstructure:"port"`
		Username            string `mapstructure:"username"`
		Password            string `mapstructure:"password"`
		Topic               string `mapstructure:"topic"`
		Retain              bool   `mapstructure:"retain"`
		OfflineAfterSeconds int    `mapstructure:"offline_after_seconds"`
		QueueSize           int    `mapstructure:"queue_size"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			DeviceModel        string `mapstructure:"device_model"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:         "info",
		HeartbeatSeconds: 5,
	}

	// Default CAN settings
	cfg.CAN.Interface = "can0"
	cfg.CAN.SourceAddresses = []int{0x42, 0xD0}
	cfg.CAN.PrimarySource = 0x42
	cfg.CAN.RequestSource = 0x99
	cfg.CAN.ManufacturerCode = 119
	cfg.CAN.DiscoverSources = false
	cfg.CAN.QueueSize = 256

	// Default handshake settings
	cfg.Handshake.Enabled = true
	cfg.Handshake.SendAttempts = 3
	cfg.Handshake.RetryDelayMs = 200
	cfg.Handshake.SpacingMs = 50

	// Default device identity
	cfg.Device.ProductName = "Xantrex Freedom XC"
	cfg.Device.ProductID = 0xB030
	cfg.Device.DeviceInstance = 0
	cfg.Device.InverterName = "Xantrex Inverter"
	cfg.Device.ChargerName = "Xantrex Charger"

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080
	cfg.API.Metrics = true

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "rvc/xantrex"
	cfg.MQTT.Retain = false
	cfg.MQTT.OfflineAfterSeconds = 30
	cfg.MQTT.QueueSize = 1024

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Xantrex Freedom XC"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Xantrex"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "Freedom XC"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables, e.g. RVC_CAN_INTERFACE
	v.SetEnvPrefix("RVC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks values that cannot be caught by decoding.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("heartbeat_seconds must be positive, got %d", c.HeartbeatSeconds)
	}

	if len(c.CAN.SourceAddresses) == 0 && !c.CAN.DiscoverSources {
		return errors.New("can.source_addresses is empty and discovery is disabled")
	}
	for _, a := range c.CAN.SourceAddresses {
		if err := checkAddress("can.source_addresses", a); err != nil {
			return err
		}
	}
	if err := checkAddress("can.primary_source", c.CAN.PrimarySource); err != nil {
		return err
	}
	if err := checkAddress("can.request_source", c.CAN.RequestSource); err != nil {
		return err
	}
	if c.CAN.ManufacturerCode < 0 || c.CAN.ManufacturerCode > 0x7FF {
		return fmt.Errorf("can.manufacturer_code %d does not fit 11 bits", c.CAN.ManufacturerCode)
	}

	for _, r := range c.Handshake.Requests {
		if r < 0 || r > 0x1FFFF {
			return fmt.Errorf("handshake.requests: 0x%X is not a DGN", r)
		}
	}

	if _, err := state.Machines(c.State.InverterRules, c.State.ChargerRules); err != nil {
		return fmt.Errorf("state: %w", err)
	}

	if c.API.Enabled {
		if err := checkPort("api.port", c.API.Port); err != nil {
			return err
		}
	}
	if c.MQTT.Enabled {
		if err := checkPort("mqtt.port", c.MQTT.Port); err != nil {
			return err
		}
		if c.MQTT.Topic == "" {
			return errors.New("mqtt.topic is empty")
		}
	}
	return nil
}

func checkAddress(key string, a int) error {
	if a < 0 || a > 0xFF {
		return fmt.Errorf("%s: address %d does not fit 8 bits", key, a)
	}
	return nil
}

func checkPort(key string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s: invalid port %d", key, p)
	}
	return nil
}

// Sources returns the configured source addresses.
func (c *Config) Sources() []uint8 {
	out := make([]uint8, 0, len(c.CAN.SourceAddresses))
	for _, a := range c.CAN.SourceAddresses {
		out = append(out, uint8(a))
	}
	return out
}

// HandshakeRequests returns the configured request DGNs.
func (c *Config) HandshakeRequests() []uint32 {
	out := make([]uint32, 0, len(c.Handshake.Requests))
	for _, r := range c.Handshake.Requests {
		out = append(out, uint32(r))
	}
	return out
}

// Heartbeat returns the heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-rvc Bridge Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Int("heartbeat_seconds", c.HeartbeatSeconds).Msg("Heartbeat")

	sources := make([]string, len(c.CAN.SourceAddresses))
	for i, a := range c.CAN.SourceAddresses {
		sources[i] = fmt.Sprintf("0x%02X", a)
	}
	logger.Info().
		Str("interface", c.CAN.Interface).
		Strs("sources", sources).
		Str("primary", fmt.Sprintf("0x%02X", c.CAN.PrimarySource)).
		Bool("discover_sources", c.CAN.DiscoverSources).
		Msg("CAN Bus")

	logger.Info().
		Bool("enabled", c.Handshake.Enabled).
		Int("send_attempts", c.Handshake.SendAttempts).
		Msg("Handshake")

	logger.Info().
		Strs("inverter_rules", c.State.InverterRules).
		Strs("charger_rules", c.State.ChargerRules).
		Msg("State Rules")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Bool("metrics", c.API.Metrics).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Int("offline_after_seconds", c.MQTT.OfflineAfterSeconds).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
