// Package config loads and validates the bot configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < .env file <
// environment variables. Environment variables use the HEMISBOT_ prefix (e.g.
// HEMISBOT_HEMIS_REQUEST_TIMEOUT overrides hemis.request_timeout).
//
// The three deployment secrets also honour their historical unprefixed names
// (TELEGRAM_BOT_TOKEN, HEMIS_BEARER_TOKEN, HEMIS_BASE_URL) so existing .env
// files keep working. Secrets are never required at load time: a missing
// token surfaces on the first remote call instead of at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // report.timezone must resolve on minimal images

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable bound to a config key.
const EnvPrefix = "HEMISBOT"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Hemis     HemisConfig     `mapstructure:"hemis"`
	Report    ReportConfig    `mapstructure:"report"`
	Bot       BotConfig       `mapstructure:"bot"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
	// PublicURL is the externally reachable base URL registered with Telegram
	// by the set-webhook command.
	PublicURL    string        `mapstructure:"public_url" validate:"omitempty,url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

// TelegramConfig holds Bot API settings
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	// APIURL overrides the Bot API server (self-hosted telegram-bot-api).
	APIURL string `mapstructure:"api_url" validate:"omitempty,url"`
	// WebhookSecret is registered via set-webhook and checked against the
	// X-Telegram-Bot-Api-Secret-Token header of every inbound update.
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
}

// HemisConfig holds the audit-log API connection settings
type HemisConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	BearerToken string `mapstructure:"bearer_token"`
	// CSRFToken is sent as the _csrf cookie when set.
	CSRFToken         string        `mapstructure:"csrf_token"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker wrapped around page requests
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" validate:"gte=1"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}

// ReportConfig holds spreadsheet generation settings
type ReportConfig struct {
	OutputDir string `mapstructure:"output_dir" validate:"required"`
	Timezone  string `mapstructure:"timezone" validate:"required"`
}

// BotConfig holds command handling settings
type BotConfig struct {
	// CommandTimeout bounds one /excel run end to end.
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
}

// WebhookConfig controls inbound update dispatch
type WebhookConfig struct {
	// AsyncDispatch acknowledges Telegram immediately and handles the update
	// on a background goroutine.
	AsyncDispatch bool `mapstructure:"async_dispatch"`
	// MaxBodyBytes caps the accepted update size.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// ArchiveConfig holds the optional report archive settings
type ArchiveConfig struct {
	Enabled   bool               `mapstructure:"enabled"`
	Backend   string             `mapstructure:"backend" validate:"oneof=local s3 azure gcs"`
	KeyPrefix string             `mapstructure:"key_prefix"`
	Local     LocalStorageConfig `mapstructure:"local"`
	S3        S3StorageConfig    `mapstructure:"s3"`
	Azure     AzureStorageConfig `mapstructure:"azure"`
	GCS       GCSStorageConfig   `mapstructure:"gcs"`
}

// LocalStorageConfig holds local filesystem archive configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3StorageConfig holds S3-compatible archive configuration
type S3StorageConfig struct {
	// Endpoint is set for MinIO and other S3-compatible services.
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is one of "default", "static" or "assume_role".
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`
}

// AzureStorageConfig holds Azure Blob Storage archive configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	// ServiceURL overrides https://<account>.blob.core.windows.net/ (Azurite).
	ServiceURL string `mapstructure:"service_url"`
}

// GCSStorageConfig holds Google Cloud Storage archive configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
	// AuthMethod is "default" (ADC) or "service_account".
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// AuditConfig holds command audit trail configuration
type AuditConfig struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Shippers []AuditShipperConfig `mapstructure:"shippers" validate:"dive"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type" validate:"oneof=file webhook"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url" validate:"required,url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs" validate:"gte=0"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// RateLimitingConfig holds per-client webhook rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" validate:"gte=0"`
	Burst             int  `mapstructure:"burst" validate:"gte=0"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port" validate:"min=1,max=65535"`
}

// legacyEnv maps config keys to the unprefixed variable names used by older
// deployments. The prefixed name always wins when both are set.
var legacyEnv = map[string]string{
	"telegram.bot_token": "TELEGRAM_BOT_TOKEN",
	"hemis.bearer_token": "HEMIS_BEARER_TOKEN",
	"hemis.base_url":     "HEMIS_BASE_URL",
	"hemis.csrf_token":   "HEMIS_CSRF_TOKEN",
}

// envKeys lists every scalar key that can be overridden from the environment.
// AutomaticEnv alone does not reach nested keys during Unmarshal.
var envKeys = []string{
	"server.host",
	"server.port",
	"server.public_url",
	"server.read_timeout",
	"server.write_timeout",

	"telegram.bot_token",
	"telegram.api_url",
	"telegram.webhook_secret",
	"telegram.request_timeout",

	"hemis.base_url",
	"hemis.bearer_token",
	"hemis.csrf_token",
	"hemis.request_timeout",
	"hemis.max_retries",
	"hemis.retry_delay",
	"hemis.requests_per_second",
	"hemis.burst",
	"hemis.breaker.failure_threshold",
	"hemis.breaker.open_timeout",

	"report.output_dir",
	"report.timezone",

	"bot.command_timeout",

	"webhook.async_dispatch",
	"webhook.max_body_bytes",

	"archive.enabled",
	"archive.backend",
	"archive.key_prefix",
	"archive.local.base_path",
	"archive.s3.endpoint",
	"archive.s3.region",
	"archive.s3.bucket",
	"archive.s3.auth_method",
	"archive.s3.access_key_id",
	"archive.s3.secret_access_key",
	"archive.s3.role_arn",
	"archive.s3.role_session_name",
	"archive.s3.external_id",
	"archive.azure.account_name",
	"archive.azure.account_key",
	"archive.azure.container_name",
	"archive.azure.service_url",
	"archive.gcs.bucket",
	"archive.gcs.auth_method",
	"archive.gcs.credentials_file",
	"archive.gcs.credentials_json",
	"archive.gcs.endpoint",

	"audit.enabled",

	"security.rate_limiting.enabled",
	"security.rate_limiting.requests_per_minute",
	"security.rate_limiting.burst",
	"security.tls.enabled",
	"security.tls.cert_file",
	"security.tls.key_file",

	"logging.level",
	"logging.format",

	"telemetry.metrics.enabled",
	"telemetry.metrics.prometheus_port",
}

// bindEnvVars binds every key to HEMISBOT_<KEY> and, for the secrets, to the
// legacy unprefixed name as a fallback.
func bindEnvVars(v *viper.Viper) error {
	replacer := strings.NewReplacer(".", "_")
	for _, key := range envKeys {
		names := []string{key, EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))}
		if legacy, ok := legacyEnv[key]; ok {
			names = append(names, legacy)
		}
		if err := v.BindEnv(names...); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load reads the optional .env file, the optional YAML config file and the
// environment, then validates the result.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(os.Getenv("DOTENV_PATH")); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/hemis-bot")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Telegram.BotToken = expandEnv(cfg.Telegram.BotToken)
	cfg.Telegram.WebhookSecret = expandEnv(cfg.Telegram.WebhookSecret)
	cfg.Hemis.BearerToken = expandEnv(cfg.Hemis.BearerToken)
	cfg.Hemis.CSRFToken = expandEnv(cfg.Hemis.CSRFToken)
	cfg.Archive.S3.AccessKeyID = expandEnv(cfg.Archive.S3.AccessKeyID)
	cfg.Archive.S3.SecretAccessKey = expandEnv(cfg.Archive.S3.SecretAccessKey)
	cfg.Archive.Azure.AccountKey = expandEnv(cfg.Archive.Azure.AccountKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "15s")
	// Synchronous dispatch holds the request open for the whole /excel run.
	v.SetDefault("server.write_timeout", "5m")

	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "60s")

	v.SetDefault("hemis.request_timeout", "30s")
	v.SetDefault("hemis.max_retries", 2)
	v.SetDefault("hemis.retry_delay", "500ms")
	v.SetDefault("hemis.requests_per_second", 5.0)
	v.SetDefault("hemis.burst", 1)
	v.SetDefault("hemis.breaker.failure_threshold", 5)
	v.SetDefault("hemis.breaker.open_timeout", "30s")

	v.SetDefault("report.output_dir", "./runtime")
	v.SetDefault("report.timezone", "Asia/Tashkent")

	v.SetDefault("bot.command_timeout", "5m")

	v.SetDefault("webhook.async_dispatch", false)
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.key_prefix", "reports")
	v.SetDefault("archive.local.base_path", "./archive")
	v.SetDefault("archive.s3.auth_method", "default")
	v.SetDefault("archive.gcs.auth_method", "default")

	v.SetDefault("audit.enabled", false)

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

var validate = validator.New()

// Validate checks the structural settings. Credentials are deliberately not
// checked here; see HemisConfig.Configured and TelegramConfig.Configured.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local":
			if c.Archive.Local.BasePath == "" {
				return fmt.Errorf("archive.local.base_path is required when using the local backend")
			}
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3.bucket is required when using the S3 backend")
			}
			if c.Archive.S3.Region == "" {
				return fmt.Errorf("archive.s3.region is required when using the S3 backend")
			}
		case "azure":
			if c.Archive.Azure.AccountName == "" || c.Archive.Azure.ContainerName == "" {
				return fmt.Errorf("archive.azure.account_name and archive.azure.container_name are required when using the Azure backend")
			}
		case "gcs":
			if c.Archive.GCS.Bucket == "" {
				return fmt.Errorf("archive.gcs.bucket is required when using the GCS backend")
			}
		}
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		if s.Type == "webhook" && s.Webhook == nil {
			return fmt.Errorf("audit.shippers[%d]: webhook settings are required for a webhook shipper", i)
		}
		if s.Type == "file" && s.File == nil {
			return fmt.Errorf("audit.shippers[%d]: file settings are required for a file shipper", i)
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	if _, err := time.LoadLocation(c.Report.Timezone); err != nil {
		return fmt.Errorf("invalid report.timezone %q: %w", c.Report.Timezone, err)
	}

	return nil
}

// validationError flattens validator errors into one readable message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %v", field, e.Param(), e.Value()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid URL", field))
		case "min", "gte", "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s, got %v", field, e.Tag(), e.Param(), e.Value()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be %s %s, got %v", field, e.Tag(), e.Param(), e.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed on the '%s' rule", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebhookURL returns the URL Telegram should deliver updates to.
func (c *ServerConfig) WebhookURL(path string) string {
	return strings.TrimRight(c.PublicURL, "/") + path
}

// Configured reports whether both the API URL and bearer token are present.
func (c *HemisConfig) Configured() bool {
	return c.BaseURL != "" && c.BearerToken != ""
}

// Configured reports whether a bot token is present.
func (c *TelegramConfig) Configured() bool {
	return c.BotToken != ""
}
