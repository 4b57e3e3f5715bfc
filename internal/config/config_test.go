package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "readings.sqlite")
	t.Setenv("PYROMON_ENV_PATH", "/nonexistent/.env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.BufferThreshold != 100 {
		t.Fatalf("BufferThreshold = %d", cfg.BufferThreshold)
	}
	if cfg.ConfigPIN != "1234" {
		t.Fatalf("ConfigPIN = %q", cfg.ConfigPIN)
	}
	if cfg.BindAddr != "0.0.0.0:8000" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.RetentionDays != 2 {
		t.Fatalf("RetentionDays = %d", cfg.RetentionDays)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "readings.sqlite")
	t.Setenv("PYROMON_ENV_PATH", "/nonexistent/.env")
	t.Setenv("POLL_INTERVAL", "10")
	t.Setenv("MODBUS_TIMEOUT", "250ms")
	t.Setenv("BUFFER_THRESHOLD", "50")
	t.Setenv("BIND_ADDR", "127.0.0.1:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("bare-seconds PollInterval = %s", cfg.PollInterval)
	}
	if cfg.ModbusTimeout != 250*time.Millisecond {
		t.Fatalf("ModbusTimeout = %s", cfg.ModbusTimeout)
	}
	if cfg.BufferThreshold != 50 {
		t.Fatalf("BufferThreshold = %d", cfg.BufferThreshold)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PYROMON_ENV_PATH", "/nonexistent/.env")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatalf("missing DATABASE_URL accepted")
	}

	t.Setenv("DATABASE_URL", "readings.sqlite")
	t.Setenv("POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatalf("unparseable POLL_INTERVAL accepted")
	}

	t.Setenv("POLL_INTERVAL", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("zero POLL_INTERVAL accepted")
	}
}
