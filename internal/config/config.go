package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "SHELFSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "shelfsync.db"
	defaultLogLevel     = "info"
	defaultCookieName   = "shelfsync_session"
	defaultIssuer       = "shelfsync-auth"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string `validate:"required"`
	AllowedOrigins []string
	KeepAlive      time.Duration `validate:"required|min:1"`

	DatabasePath string `validate:"required"`

	LogLevel      string `validate:"in:debug,info,warn,warning,error"`
	LogFile       string
	LogMaxSizeMB  int `validate:"min:0"`
	LogMaxBackups int `validate:"min:0"`
	LogMaxAgeDays int `validate:"min:0"`

	SigningSecret string        `validate:"required"`
	CookieName    string        `validate:"required"`
	Issuer        string        `validate:"required"`
	SessionTTL    time.Duration `validate:"required|min:1"`

	DeliveredRetention time.Duration `validate:"required|min:1"`
	PendingRetention   time.Duration `validate:"required|min:1"`
	SweepInterval      time.Duration `validate:"required|min:1"`
	SweepBatchSize     int           `validate:"required|min:1"`
	ReceiptRetention   time.Duration `validate:"required|min:1"`
	DrainLimit         int           `validate:"required|min:1"`

	CompactInterval   time.Duration `validate:"required|min:1"`
	CompactThreshold  int           `validate:"required|min:1"`
	PruneAfterCompact bool

	CacheSizeMB     int `validate:"min:0"`
	CacheTTLSeconds int `validate:"min:0"`

	MetricsEnabled bool
	InternalToken  string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.keep_alive", 25*time.Second)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", 100)
	configViper.SetDefault("log.max_backups", 5)
	configViper.SetDefault("log.max_age_days", 28)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.session_ttl", 24*time.Hour)
	configViper.SetDefault("events.delivered_retention", 7*24*time.Hour)
	configViper.SetDefault("events.pending_retention", 30*24*time.Hour)
	configViper.SetDefault("events.sweep_interval", time.Hour)
	configViper.SetDefault("events.sweep_batch_size", 500)
	configViper.SetDefault("documents.receipt_retention", 7*24*time.Hour)
	configViper.SetDefault("heartbeat.drain_limit", 200)
	configViper.SetDefault("doclog.compact_interval", 15*time.Minute)
	configViper.SetDefault("doclog.compact_threshold", 200)
	configViper.SetDefault("doclog.prune_after_compact", true)
	configViper.SetDefault("cache.size_mb", 8)
	configViper.SetDefault("cache.ttl_seconds", 300)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		KeepAlive:          configViper.GetDuration("http.keep_alive"),
		DatabasePath:       strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:           strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFile:            strings.TrimSpace(configViper.GetString("log.file")),
		LogMaxSizeMB:       configViper.GetInt("log.max_size_mb"),
		LogMaxBackups:      configViper.GetInt("log.max_backups"),
		LogMaxAgeDays:      configViper.GetInt("log.max_age_days"),
		SigningSecret:      strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		CookieName:         strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		Issuer:             strings.TrimSpace(configViper.GetString("auth.issuer")),
		SessionTTL:         configViper.GetDuration("auth.session_ttl"),
		DeliveredRetention: configViper.GetDuration("events.delivered_retention"),
		PendingRetention:   configViper.GetDuration("events.pending_retention"),
		SweepInterval:      configViper.GetDuration("events.sweep_interval"),
		SweepBatchSize:     configViper.GetInt("events.sweep_batch_size"),
		ReceiptRetention:   configViper.GetDuration("documents.receipt_retention"),
		DrainLimit:         configViper.GetInt("heartbeat.drain_limit"),
		CompactInterval:    configViper.GetDuration("doclog.compact_interval"),
		CompactThreshold:   configViper.GetInt("doclog.compact_threshold"),
		PruneAfterCompact:  configViper.GetBool("doclog.prune_after_compact"),
		CacheSizeMB:        configViper.GetInt("cache.size_mb"),
		CacheTTLSeconds:    configViper.GetInt("cache.ttl_seconds"),
		MetricsEnabled:     configViper.GetBool("metrics.enabled"),
		InternalToken:      strings.TrimSpace(configViper.GetString("internal.token")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	validation := validate.Struct(&c)
	if !validation.Validate() {
		return fmt.Errorf("invalid configuration: %s", validation.Errors.One())
	}
	if c.PendingRetention < c.DeliveredRetention {
		return fmt.Errorf("events.pending_retention must not be shorter than events.delivered_retention")
	}
	return nil
}
