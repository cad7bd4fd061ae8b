package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabaseDriver        = DriverSQLite
	defaultDatabasePath          = "ctf.db"
	defaultMinConnections        = 5
	defaultMaxConnections        = 20
	defaultAcquireTimeout        = 5 * time.Second
	defaultRateLimitMaxCalls     = 10
	defaultRateLimitPeriodSecs   = 60
	defaultLogLevel              = "info"
	defaultFlagPattern           = `^(?i:FLAG)\{[\p{L}\p{N}_-]+\}$`
	defaultFlagMaxLength         = 128
	defaultLeaderboardSize       = 10
	defaultRetryBackoff          = 200 * time.Millisecond
	defaultAuditQueueSize        = 256
	defaultAuditWritesPerSecond  = 50
	defaultTransportTokenIssuer  = "ctf-backend"
	defaultTransportTokenTTLMins = 60 * 24 * 30
)

// envBindings maps configuration keys to the environment variables operators set.
// Keys not listed here are still readable from a config file.
var envBindings = map[string]string{
	"http.address":             "HTTP_ADDRESS",
	"http.allowed_origins":     "HTTP_ALLOWED_ORIGINS",
	"database.driver":          "DB_DRIVER",
	"database.path":            "DB_PATH",
	"database.url":             "DATABASE_URL",
	"database.min_connections": "DB_MIN_CONNECTIONS",
	"database.max_connections": "DB_MAX_CONNECTIONS",
	"database.acquire_timeout": "DB_ACQUIRE_TIMEOUT",
	"ratelimit.max_calls":      "RATE_LIMIT_MAX_CALLS",
	"ratelimit.period":         "RATE_LIMIT_PERIOD",
	"log.level":                "LOG_LEVEL",
	"log.file":                 "LOG_FILE",
	"flags.pattern":            "FLAG_PATTERN",
	"flags.max_length":         "FLAG_MAX_LENGTH",
	"flags.case_insensitive":   "FLAG_CASE_INSENSITIVE",
	"flags.fingerprint_key":    "FLAG_FINGERPRINT_KEY",
	"challenges.file":          "CHALLENGES_FILE",
	"stats.refresh_interval":   "STATS_REFRESH_INTERVAL",
	"stats.leaderboard_size":   "STATS_LEADERBOARD_SIZE",
	"submission.retry_backoff": "SUBMISSION_RETRY_BACKOFF",
	"audit.queue_size":         "AUDIT_QUEUE_SIZE",
	"audit.writes_per_second":  "AUDIT_WRITES_PER_SECOND",
	"transport.signing_secret": "TRANSPORT_SIGNING_SECRET",
	"transport.token_issuer":   "TRANSPORT_TOKEN_ISSUER",
	"transport.token_ttl_mins": "TRANSPORT_TOKEN_TTL_MINUTES",
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string `validate:"required"`
	AllowedOrigins []string

	DatabaseDriver string `validate:"oneof=sqlite postgres"`
	DatabasePath   string
	DatabaseURL    string
	MinConnections int           `validate:"gte=1"`
	MaxConnections int           `validate:"gte=1,gtefield=MinConnections"`
	AcquireTimeout time.Duration `validate:"gt=0"`

	RateLimitMaxCalls int           `validate:"gte=1"`
	RateLimitPeriod   time.Duration `validate:"gt=0"`

	LogLevel string
	LogFile  string

	FlagPattern         string `validate:"required"`
	FlagMaxLength       int    `validate:"gte=1"`
	FlagCaseInsensitive bool
	FingerprintKey      string

	ChallengesFile string

	StatsRefreshInterval time.Duration `validate:"gte=0"`
	LeaderboardSize      int           `validate:"gte=1"`

	RetryBackoff time.Duration `validate:"gte=0"`

	AuditQueueSize       int `validate:"gte=1"`
	AuditWritesPerSecond int `validate:"gte=1"`

	TransportSigningSecret string
	TransportTokenIssuer   string        `validate:"required"`
	TransportTokenTTL      time.Duration `validate:"gt=0"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	for key, env := range envBindings {
		// BindEnv only fails when called without a key.
		_ = configViper.BindEnv(key, env)
	}

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.min_connections", defaultMinConnections)
	configViper.SetDefault("database.max_connections", defaultMaxConnections)
	configViper.SetDefault("database.acquire_timeout", defaultAcquireTimeout)
	configViper.SetDefault("ratelimit.max_calls", defaultRateLimitMaxCalls)
	configViper.SetDefault("ratelimit.period", defaultRateLimitPeriodSecs)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("flags.pattern", defaultFlagPattern)
	configViper.SetDefault("flags.max_length", defaultFlagMaxLength)
	configViper.SetDefault("flags.case_insensitive", false)
	configViper.SetDefault("stats.refresh_interval", time.Duration(0))
	configViper.SetDefault("stats.leaderboard_size", defaultLeaderboardSize)
	configViper.SetDefault("submission.retry_backoff", defaultRetryBackoff)
	configViper.SetDefault("audit.queue_size", defaultAuditQueueSize)
	configViper.SetDefault("audit.writes_per_second", defaultAuditWritesPerSecond)
	configViper.SetDefault("transport.token_issuer", defaultTransportTokenIssuer)
	configViper.SetDefault("transport.token_ttl_mins", defaultTransportTokenTTLMins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseURL:    configViper.GetString("database.url"),
		MinConnections: intSetting(configViper, "database.min_connections", defaultMinConnections),
		MaxConnections: intSetting(configViper, "database.max_connections", defaultMaxConnections),
		AcquireTimeout: durationSetting(configViper, "database.acquire_timeout", defaultAcquireTimeout),

		RateLimitMaxCalls: intSetting(configViper, "ratelimit.max_calls", defaultRateLimitMaxCalls),
		RateLimitPeriod:   time.Duration(intSetting(configViper, "ratelimit.period", defaultRateLimitPeriodSecs)) * time.Second,

		LogLevel: configViper.GetString("log.level"),
		LogFile:  configViper.GetString("log.file"),

		FlagPattern:         configViper.GetString("flags.pattern"),
		FlagMaxLength:       intSetting(configViper, "flags.max_length", defaultFlagMaxLength),
		FlagCaseInsensitive: configViper.GetBool("flags.case_insensitive"),
		FingerprintKey:      configViper.GetString("flags.fingerprint_key"),

		ChallengesFile: configViper.GetString("challenges.file"),

		StatsRefreshInterval: durationSetting(configViper, "stats.refresh_interval", 0),
		LeaderboardSize:      intSetting(configViper, "stats.leaderboard_size", defaultLeaderboardSize),

		RetryBackoff: durationSetting(configViper, "submission.retry_backoff", defaultRetryBackoff),

		AuditQueueSize:       intSetting(configViper, "audit.queue_size", defaultAuditQueueSize),
		AuditWritesPerSecond: intSetting(configViper, "audit.writes_per_second", defaultAuditWritesPerSecond),

		TransportSigningSecret: configViper.GetString("transport.signing_secret"),
		TransportTokenIssuer:   configViper.GetString("transport.token_issuer"),
		TransportTokenTTL:      time.Duration(intSetting(configViper, "transport.token_ttl_mins", defaultTransportTokenTTLMins)) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	}
	return nil
}

// intSetting reads key as an int. A value that does not parse counts as unset.
func intSetting(configViper *viper.Viper, key string, fallback int) int {
	value, err := cast.ToIntE(configViper.Get(key))
	if err != nil {
		return fallback
	}
	return value
}

func durationSetting(configViper *viper.Viper, key string, fallback time.Duration) time.Duration {
	value, err := cast.ToDurationE(configViper.Get(key))
	if err != nil {
		return fallback
	}
	return value
}

// splitList accepts both list values from config files and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
