// Package config loads the process-wide configuration from the environment,
// with optional .env file support for development setups.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the service reads at startup. Values are fixed
// for the lifetime of the process.
type Config struct {
	DatabaseURL     string
	BindAddr        string
	PollInterval    time.Duration
	ModbusTimeout   time.Duration
	BufferThreshold int
	BufferMaxHold   time.Duration
	RetentionDays   int
	ConfigPIN       string
	LogLevel        string

	// MQTT telemetry bridge; empty broker disables it.
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string
}

// Defaults applied when a key is absent from the environment.
const (
	defaultBindAddr        = "0.0.0.0:8000"
	defaultPollInterval    = 5 * time.Second
	defaultModbusTimeout   = 5 * time.Second
	defaultBufferThreshold = 100
	defaultBufferMaxHold   = 5 * time.Second
	defaultRetentionDays   = 2
	defaultConfigPIN       = "1234"
	defaultLogLevel        = "info"
	defaultTopicPrefix     = "pyromon/readings"
)

// Load reads the configuration from the environment. A .env file in the
// working directory (or the path in PYROMON_ENV_PATH) is loaded first when
// present; real environment variables win over file values.
func Load() (*Config, error) {
	envPath := ".env"
	if p := os.Getenv("PYROMON_ENV_PATH"); p != "" {
		envPath = p
	}
	// Missing .env is fine; the environment alone may be complete.
	_ = godotenv.Load(envPath)

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		BindAddr:        defaultBindAddr,
		PollInterval:    defaultPollInterval,
		ModbusTimeout:   defaultModbusTimeout,
		BufferThreshold: defaultBufferThreshold,
		BufferMaxHold:   defaultBufferMaxHold,
		RetentionDays:   defaultRetentionDays,
		ConfigPIN:       defaultConfigPIN,
		LogLevel:        defaultLogLevel,
		MQTTBroker:      os.Getenv("MQTT_BROKER"),
		MQTTTopicPrefix: defaultTopicPrefix,
		MQTTClientID:    "pyromon",
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if v := os.Getenv("BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("CONFIG_PIN"); v != "" {
		cfg.ConfigPIN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}

	var err error
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.ModbusTimeout, err = durationEnv("MODBUS_TIMEOUT", cfg.ModbusTimeout); err != nil {
		return nil, err
	}
	if cfg.BufferMaxHold, err = durationEnv("BUFFER_MAX_HOLD", cfg.BufferMaxHold); err != nil {
		return nil, err
	}
	if cfg.BufferThreshold, err = intEnv("BUFFER_THRESHOLD", cfg.BufferThreshold); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = intEnv("RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, err
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	if cfg.ModbusTimeout <= 0 {
		return nil, fmt.Errorf("MODBUS_TIMEOUT must be positive, got %s", cfg.ModbusTimeout)
	}
	if cfg.BufferThreshold <= 0 {
		return nil, fmt.Errorf("BUFFER_THRESHOLD must be positive, got %d", cfg.BufferThreshold)
	}

	return cfg, nil
}

// durationEnv parses either a Go duration ("5s", "250ms") or a bare number
// of seconds, matching how the original deployment wrote its env file.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return n, nil
}
