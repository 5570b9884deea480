package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration loaded from environment variables.
// Workout content (exercises, timing, office hours) lives in the YAML file
// referenced by WorkoutFile, see workout.go.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	WorkoutFile string `envconfig:"WORKOUT_FILE"`
	RandomSeed  uint64 `envconfig:"RANDOM_SEED"` // 0 = seeded from runtime

	// Slack (optional, the bot starts in API-only mode without it)
	SlackBotToken        string        `envconfig:"WORKOUT_SLACK_BOT_TOKEN"`
	SlackAppToken        string        `envconfig:"WORKOUT_SLACK_APP_TOKEN"`        // xapp- token for Socket Mode
	SlackAllowedChannels string        `envconfig:"WORKOUT_SLACK_ALLOWED_CHANNELS"` // Comma-separated channel IDs the bot can write to (fail-closed if empty)
	CommandRateLimit     int           `envconfig:"COMMAND_RATE_LIMIT" default:"10"`
	CommandRateWindow    time.Duration `envconfig:"COMMAND_RATE_WINDOW" default:"1m"`
	RoomToggleLimit      int           `envconfig:"ROOM_TOGGLE_LIMIT" default:"4"`
	RoomToggleWindow     time.Duration `envconfig:"ROOM_TOGGLE_WINDOW" default:"1m"`
	UserCacheSize        int           `envconfig:"USER_CACHE_SIZE" default:"512"`
	UserCacheTTL         time.Duration `envconfig:"USER_CACHE_TTL" default:"10m"`
	PresenceCacheTTL     time.Duration `envconfig:"PRESENCE_CACHE_TTL" default:"30s"`
	SlackLookupWorkers   int           `envconfig:"SLACK_LOOKUP_WORKERS" default:"8"`

	// Ledger persistence
	LedgerBackend  string        `envconfig:"LEDGER_BACKEND" default:"sqlite"` // sqlite, redis or memory
	DBPath         string        `envconfig:"DB_PATH" default:"workoutbot.db"`
	DBBusyTimeout  time.Duration `envconfig:"DB_BUSY_TIMEOUT" default:"5s"`
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"workoutbot:"`

	// Callout events (optional)
	NATSURL     string `envconfig:"NATS_URL"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"workoutbot.callouts"`

	// Management API
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"` // api-key, jwt or none
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret   string `envconfig:"MGMT_JWT_SECRET"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtRateRPS     int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"20"`
	MgmtRateBurst   int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"40"`
	MgmtTLSCert     string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey      string `envconfig:"MGMT_TLS_KEY"`

	// Callout history retention, 0 keeps rows forever
	CalloutRetention  time.Duration `envconfig:"CALLOUT_RETENTION" default:"2160h"`
	AuditRetention    time.Duration `envconfig:"AUDIT_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"1h"`
}

// SlackEnabled returns true if Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// SlackAllowedChannelList returns the parsed list of allowed Slack channel IDs.
// Returns nil if not configured (fail-closed: no channels allowed).
func (c *Config) SlackAllowedChannelList() []string {
	if c.SlackAllowedChannels == "" {
		return nil
	}
	parts := strings.Split(c.SlackAllowedChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, ch := range parts {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}

// NATSEnabled returns true if callout events should be published.
func (c *Config) NATSEnabled() bool {
	return c.NATSURL != ""
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	switch c.MgmtAuthMode {
	case "api-key", "none":
	case "jwt":
		if c.MgmtJWTSecret == "" {
			return fmt.Errorf("MGMT_AUTH_MODE=jwt requires MGMT_JWT_SECRET")
		}
	default:
		return fmt.Errorf("unknown MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %q: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
