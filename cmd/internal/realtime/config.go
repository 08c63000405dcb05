package realtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"beacon/cmd/internal/backoff"
	"beacon/cmd/internal/offline"

	"github.com/go-playground/validator/v10"
	yaml "go.yaml.in/yaml/v3"
)

var validate = validator.New()

// Config is the push configuration surface.
//
// Resolution order: defaults -> YAML file -> BEACON_* environment -> validation.
type Config struct {
	HeartbeatInterval time.Duration `validate:"gt=0"`
	HeartbeatTimeout  time.Duration `validate:"gt=0"`
	ServerHeartbeat   bool

	ReconnectEnabled     bool
	ReconnectMaxAttempts int           `validate:"gte=0"`
	ReconnectBaseDelay   time.Duration `validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `validate:"gtefield=ReconnectBaseDelay"`

	OfflineEnabled  bool
	OfflineMaxCount int           `validate:"gt=0"`
	OfflineTTL      time.Duration `validate:"gt=0"`
	PurgeInterval   time.Duration `validate:"gt=0"`

	AuthRequired bool
	AuthTimeout  time.Duration `validate:"gt=0"`

	SendQueueSize       int           `validate:"gte=32"`
	BackpressureStrikes int           `validate:"gt=0"`
	WriteTimeout        time.Duration `validate:"gt=0"`
	RateEvents          int           `validate:"gt=0"`
	RateWindow          time.Duration `validate:"gt=0"`
	ReceiptTTL          time.Duration `validate:"gt=0"`

	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables websocket origin verification entirely (dev only).
	DevInsecure bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,

		ReconnectEnabled:     true,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		ReconnectMaxDelay:    DefaultReconnectMaxDelay,

		OfflineEnabled:  true,
		OfflineMaxCount: DefaultOfflineMaxCount,
		OfflineTTL:      DefaultOfflineTTL,
		PurgeInterval:   defaultPurgeInterval,

		AuthRequired: true,
		AuthTimeout:  DefaultAuthTimeout,

		SendQueueSize:       defaultSendQueueSize,
		BackpressureStrikes: defaultBackpressureStrikes,
		WriteTimeout:        defaultWriteTimeout,
		RateEvents:          defaultRateEvents,
		RateWindow:          defaultRateWindow,
		ReceiptTTL:          defaultReceiptTTL,

		OriginRequired: defaultOriginRequired,
		AllowedOrigins: splitCSV(defaultAllowedOrigins),
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid push config: %w", err)
	}
	return nil
}

// Offline returns the offline store settings.
func (c Config) Offline() offline.Config {
	return offline.Config{Enabled: c.OfflineEnabled, MaxCount: c.OfflineMaxCount, TTL: c.OfflineTTL}
}

// Reconnect returns the client reconnect policy.
func (c Config) Reconnect() backoff.Policy {
	return backoff.Policy{
		Enabled:     c.ReconnectEnabled,
		MaxAttempts: c.ReconnectMaxAttempts,
		BaseDelay:   c.ReconnectBaseDelay,
		MaxDelay:    c.ReconnectMaxDelay,
	}
}

// fileConfig mirrors the YAML file. Durations are integer milliseconds.
type fileConfig struct {
	HeartbeatInterval      *int64   `yaml:"heartbeatInterval"`
	HeartbeatTimeout       *int64   `yaml:"heartbeatTimeout"`
	ServerHeartbeat        *bool    `yaml:"serverHeartbeat"`
	ReconnectEnabled       *bool    `yaml:"reconnectEnabled"`
	ReconnectMaxAttempts   *int     `yaml:"reconnectMaxAttempts"`
	ReconnectBaseDelay     *int64   `yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay      *int64   `yaml:"reconnectMaxDelay"`
	OfflineMessageEnabled  *bool    `yaml:"offlineMessageEnabled"`
	OfflineMessageMaxCount *int     `yaml:"offlineMessageMaxCount"`
	OfflineMessageTTL      *int64   `yaml:"offlineMessageTTL"`
	PurgeInterval          *int64   `yaml:"purgeInterval"`
	AuthRequired           *bool    `yaml:"authRequired"`
	AuthTimeout            *int64   `yaml:"authTimeout"`
	SendQueueSize          *int     `yaml:"sendQueueSize"`
	BackpressureStrikes    *int     `yaml:"backpressureStrikes"`
	WriteTimeout           *int64   `yaml:"writeTimeout"`
	RateEvents             *int     `yaml:"rateEvents"`
	RateWindow             *int64   `yaml:"rateWindow"`
	ReceiptTTL             *int64   `yaml:"receiptTTL"`
	OriginRequired         *bool    `yaml:"originRequired"`
	AllowedOrigins         []string `yaml:"allowedOrigins"`
}

// LoadConfig resolves the push config. path may be empty. getenv defaults to os.Getenv.
func LoadConfig(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read push config: %w", err)
		}
		if err := cfg.applyYAML(raw); err != nil {
			return Config{}, fmt.Errorf("parse push config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(raw []byte) error {
	var f fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	setMS(&c.HeartbeatInterval, f.HeartbeatInterval)
	setMS(&c.HeartbeatTimeout, f.HeartbeatTimeout)
	set(&c.ServerHeartbeat, f.ServerHeartbeat)
	set(&c.ReconnectEnabled, f.ReconnectEnabled)
	set(&c.ReconnectMaxAttempts, f.ReconnectMaxAttempts)
	setMS(&c.ReconnectBaseDelay, f.ReconnectBaseDelay)
	setMS(&c.ReconnectMaxDelay, f.ReconnectMaxDelay)
	set(&c.OfflineEnabled, f.OfflineMessageEnabled)
	set(&c.OfflineMaxCount, f.OfflineMessageMaxCount)
	setMS(&c.OfflineTTL, f.OfflineMessageTTL)
	setMS(&c.PurgeInterval, f.PurgeInterval)
	set(&c.AuthRequired, f.AuthRequired)
	setMS(&c.AuthTimeout, f.AuthTimeout)
	set(&c.SendQueueSize, f.SendQueueSize)
	set(&c.BackpressureStrikes, f.BackpressureStrikes)
	setMS(&c.WriteTimeout, f.WriteTimeout)
	set(&c.RateEvents, f.RateEvents)
	setMS(&c.RateWindow, f.RateWindow)
	setMS(&c.ReceiptTTL, f.ReceiptTTL)
	set(&c.OriginRequired, f.OriginRequired)
	if f.AllowedOrigins != nil {
		c.AllowedOrigins = f.AllowedOrigins
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"BEACON_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"BEACON_HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout},
		{"BEACON_RECONNECT_BASE_DELAY", &c.ReconnectBaseDelay},
		{"BEACON_RECONNECT_MAX_DELAY", &c.ReconnectMaxDelay},
		{"BEACON_OFFLINE_TTL", &c.OfflineTTL},
		{"BEACON_OFFLINE_PURGE_INTERVAL", &c.PurgeInterval},
		{"BEACON_AUTH_TIMEOUT", &c.AuthTimeout},
		{"BEACON_WS_WRITE_TIMEOUT", &c.WriteTimeout},
		{"BEACON_WS_RATE_WINDOW", &c.RateWindow},
		{"BEACON_RECEIPT_TTL", &c.ReceiptTTL},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := parseDurationOrMillis(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BEACON_RECONNECT_MAX_ATTEMPTS", &c.ReconnectMaxAttempts},
		{"BEACON_OFFLINE_MAX_COUNT", &c.OfflineMaxCount},
		{"BEACON_WS_SEND_QUEUE", &c.SendQueueSize},
		{"BEACON_WS_BACKPRESSURE_STRIKES", &c.BackpressureStrikes},
		{"BEACON_WS_RATE_EVENTS", &c.RateEvents},
	}
	for _, i := range ints {
		v := strings.TrimSpace(getenv(i.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"BEACON_SERVER_HEARTBEAT", &c.ServerHeartbeat},
		{"BEACON_RECONNECT_ENABLED", &c.ReconnectEnabled},
		{"BEACON_OFFLINE_ENABLED", &c.OfflineEnabled},
		{"BEACON_AUTH_REQUIRED", &c.AuthRequired},
		{"BEACON_WS_ORIGIN_REQUIRED", &c.OriginRequired},
		{"BEACON_WS_DEV_INSECURE", &c.DevInsecure},
	}
	for _, b := range bools {
		v := strings.TrimSpace(getenv(b.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
		*b.dst = parsed
	}

	if v := strings.TrimSpace(getenv("BEACON_WS_ALLOWED_ORIGINS")); v != "" {
		c.AllowedOrigins = splitCSV(v)
	}
	return nil
}

// parseDurationOrMillis accepts Go durations ("30s") or bare milliseconds ("30000").
func parseDurationOrMillis(v string) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setMS(dst *time.Duration, ms *int64) {
	if ms != nil {
		*dst = time.Duration(*ms) * time.Millisecond
	}
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
