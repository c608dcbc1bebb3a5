package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the host-facing configuration for a duel deployment.
type AppConfig struct {
	RedisURL    string
	DatabaseURL string

	TimeControlSec  int
	SessionTTLSec   int
	ClockResyncSec  int
	ClockFlagFall   bool
	SessionIDPrefix string

	AssistURL         string
	AssistMaxAttempts int
	AssistTimeoutSec  int

	MessagesDir string
	// RelayAddr serves the store to remote participants when set.
	RelayAddr string
	// RelayURL uses a remote relay as the store when RedisURL is empty.
	RelayURL string
}

// Default returns the configuration used when no environment is set.
func Default() *AppConfig {
	return &AppConfig{
		TimeControlSec:    600,
		SessionTTLSec:     86400,
		ClockResyncSec:    30,
		SessionIDPrefix:   "CH-",
		AssistMaxAttempts: 3,
		AssistTimeoutSec:  10,
	}
}

func Load() (*AppConfig, error) {
	cfg := Default()

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.AssistURL = strings.TrimSpace(os.Getenv("ASSIST_URL"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))
	cfg.RelayAddr = strings.TrimSpace(os.Getenv("RELAY_ADDR"))
	cfg.RelayURL = strings.TrimSpace(os.Getenv("RELAY_URL"))
	if v := strings.TrimSpace(os.Getenv("SESSION_ID_PREFIX")); v != "" {
		cfg.SessionIDPrefix = v
	}

	var err error
	if cfg.TimeControlSec, err = intEnv("TIME_CONTROL_SECONDS", cfg.TimeControlSec); err != nil {
		return nil, err
	}
	if cfg.SessionTTLSec, err = intEnv("SESSION_TTL_SECONDS", cfg.SessionTTLSec); err != nil {
		return nil, err
	}
	if cfg.ClockResyncSec, err = intEnv("CLOCK_RESYNC_SECONDS", cfg.ClockResyncSec); err != nil {
		return nil, err
	}
	if cfg.AssistMaxAttempts, err = intEnv("ASSIST_MAX_ATTEMPTS", cfg.AssistMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.AssistTimeoutSec, err = intEnv("ASSIST_TIMEOUT_SECONDS", cfg.AssistTimeoutSec); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(os.Getenv("CLOCK_FLAG_FALL")); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return nil, fmt.Errorf("CLOCK_FLAG_FALL: %w", perr)
		}
		cfg.ClockFlagFall = b
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.TimeControlSec <= 0 {
		return errors.New("TIME_CONTROL_SECONDS must be positive")
	}
	if c.SessionTTLSec < 0 {
		return errors.New("SESSION_TTL_SECONDS must not be negative")
	}
	if c.ClockResyncSec <= 0 {
		return errors.New("CLOCK_RESYNC_SECONDS must be positive")
	}
	if c.AssistMaxAttempts < 1 {
		return errors.New("ASSIST_MAX_ATTEMPTS must be at least 1")
	}
	if c.AssistTimeoutSec <= 0 {
		return errors.New("ASSIST_TIMEOUT_SECONDS must be positive")
	}
	if c.RelayURL != "" && c.RelayAddr != "" {
		return errors.New("RELAY_URL and RELAY_ADDR are mutually exclusive")
	}
	return nil
}

func (c *AppConfig) TimeControl() time.Duration {
	return time.Duration(c.TimeControlSec) * time.Second
}

// SessionTTL is zero when records never expire.
func (c *AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

func (c *AppConfig) ClockResync() time.Duration {
	return time.Duration(c.ClockResyncSec) * time.Second
}

func (c *AppConfig) AssistTimeout() time.Duration {
	return time.Duration(c.AssistTimeoutSec) * time.Second
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
