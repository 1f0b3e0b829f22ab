// Package config loads the server settings from the environment and an optional
// YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the server.
type Config struct {
	Port                  int
	Debug                 bool
	AllowedOrigins        []string
	RedisConnectionString string
	RelayChannel          string
	RelayBuffer           int
	DeduperTTL            time.Duration
	DispatchInbox         int
	SessionBuffer         int
	SessionHandoffTimeout time.Duration
	WSWriteTimeout        time.Duration
	WSPingInterval        time.Duration
	MaxUploadBytes        int
	ShutdownTimeout       time.Duration
}

const (
	keyPort                  = "PORT"
	keyDebug                 = "DEBUG"
	keyAllowedOrigins        = "ALLOWED_ORIGINS"
	keyRedisConnectionString = "REDIS_CONNECTION_STRING"
	keyRelayChannel          = "RELAY_CHANNEL"
	keyRelayBuffer           = "RELAY_BUFFER"
	keyDeduperTTL            = "DEDUPER_TTL"
	keyDispatchInbox         = "DISPATCH_INBOX"
	keySessionBuffer         = "SESSION_BUFFER"
	keySessionHandoffTimeout = "SESSION_HANDOFF_TIMEOUT"
	keyWSWriteTimeout        = "WS_WRITE_TIMEOUT"
	keyWSPingInterval        = "WS_PING_INTERVAL"
	keyMaxUploadBytes        = "MAX_UPLOAD_BYTES"
	keyShutdownTimeout       = "SHUTDOWN_TIMEOUT"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyPort, 5000)
	v.SetDefault(keyDebug, false)
	v.SetDefault(keyAllowedOrigins, "*")
	v.SetDefault(keyRedisConnectionString, "")
	v.SetDefault(keyRelayChannel, "taskboard:events")
	v.SetDefault(keyRelayBuffer, 1024)
	v.SetDefault(keyDeduperTTL, "24h")
	v.SetDefault(keyDispatchInbox, 1024)
	v.SetDefault(keySessionBuffer, 256)
	v.SetDefault(keySessionHandoffTimeout, "0s")
	v.SetDefault(keyWSWriteTimeout, "10s")
	v.SetDefault(keyWSPingInterval, "30s")
	v.SetDefault(keyMaxUploadBytes, 10<<20)
	v.SetDefault(keyShutdownTimeout, "10s")
}

// Load reads the configuration. Environment variables win over values from
// file; file may be empty.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port:                  v.GetInt(keyPort),
		Debug:                 v.GetBool(keyDebug),
		AllowedOrigins:        splitList(v.GetString(keyAllowedOrigins)),
		RedisConnectionString: strings.TrimSpace(v.GetString(keyRedisConnectionString)),
		RelayChannel:          strings.TrimSpace(v.GetString(keyRelayChannel)),
		RelayBuffer:           v.GetInt(keyRelayBuffer),
		DeduperTTL:            v.GetDuration(keyDeduperTTL),
		DispatchInbox:         v.GetInt(keyDispatchInbox),
		SessionBuffer:         v.GetInt(keySessionBuffer),
		SessionHandoffTimeout: v.GetDuration(keySessionHandoffTimeout),
		WSWriteTimeout:        v.GetDuration(keyWSWriteTimeout),
		WSPingInterval:        v.GetDuration(keyWSPingInterval),
		MaxUploadBytes:        v.GetInt(keyMaxUploadBytes),
		ShutdownTimeout:       v.GetDuration(keyShutdownTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every setting that is out of range.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", keyPort, c.Port))
	}
	positive := []struct {
		key string
		val int
	}{
		{keyRelayBuffer, c.RelayBuffer},
		{keyDispatchInbox, c.DispatchInbox},
		{keySessionBuffer, c.SessionBuffer},
		{keyMaxUploadBytes, c.MaxUploadBytes},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.key, p.val))
		}
	}
	durations := []struct {
		key       string
		val       time.Duration
		allowZero bool
	}{
		{keyDeduperTTL, c.DeduperTTL, false},
		{keySessionHandoffTimeout, c.SessionHandoffTimeout, true},
		{keyWSWriteTimeout, c.WSWriteTimeout, false},
		{keyWSPingInterval, c.WSPingInterval, false},
		{keyShutdownTimeout, c.ShutdownTimeout, false},
	}
	for _, d := range durations {
		if d.val < 0 || (d.val == 0 && !d.allowZero) {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %s", d.key, d.val))
		}
	}
	if c.RelayChannel == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", keyRelayChannel))
	}
	if len(c.AllowedOrigins) == 0 {
		errs = append(errs, fmt.Errorf("%s must list at least one origin", keyAllowedOrigins))
	}
	return errors.Join(errs...)
}

// RedisEnabled reports whether the relay and the idempotency deduper are on.
func (c *Config) RedisEnabled() bool {
	return c.RedisConnectionString != ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
