// Package config loads the process configuration: defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Forward providers.
const (
	ProviderNone   = ""
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderRelay  = "relay"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig     `yaml:"smtp"`
	TLS        TLSConfig      `yaml:"tls"`
	Database   DatabaseConfig `yaml:"database"`
	Storage    StorageConfig  `yaml:"storage"`
	Forward    ForwardConfig  `yaml:"forward"`
	Telegram   TelegramConfig `yaml:"telegram"`
	Notify     NotifyConfig   `yaml:"notify"`
	AdminEmail string         `yaml:"admin_email"`
	Logging    LoggingConfig  `yaml:"logging"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen            string        `yaml:"listen"`
	Hostname          string        `yaml:"hostname"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	AllowInsecureAuth bool          `yaml:"allow_insecure_auth"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	MaxRecipients     int           `yaml:"max_recipients"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// TLSConfig enables STARTTLS. With no files a self-signed certificate is
// generated.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// StorageConfig describes the S3-compatible bucket for attachments.
type StorageConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Secure       bool   `yaml:"secure"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Creds        string `yaml:"creds"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	ObjectPrefix string `yaml:"object_prefix"`
}

// ForwardConfig selects and configures the forward primitive.
type ForwardConfig struct {
	Provider string      `yaml:"provider"`
	SES      SESConfig   `yaml:"ses"`
	Graph    GraphConfig `yaml:"graph"`
	Relay    RelayConfig `yaml:"relay"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// RelayConfig holds the upstream SMTP relay configuration.
type RelayConfig struct {
	Addr               string        `yaml:"addr"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	TLS                string        `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// TelegramConfig configures the Bot API client. The token and chat ids are
// runtime settings, not process configuration.
type TelegramConfig struct {
	APIURL  string        `yaml:"api_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig controls notification rendering and fan-out.
type NotifyConfig struct {
	Timezone    string `yaml:"timezone"`
	FanoutLimit int    `yaml:"fanout_limit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoadDotEnv loads variables from the given .env files, or ./.env when none
// are named, without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: required"))
	}

	switch c.Forward.Provider {
	case ProviderNone, ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("forward.ses: region and sender are required"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("forward.graph: tenant_id, client_id, client_secret and sender are required"))
		}
	case ProviderRelay:
		if c.Forward.Relay.Addr == "" {
			errs = append(errs, errors.New("forward.relay: addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("forward.provider: unknown provider %q", c.Forward.Provider))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file must be set together"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if _, err := time.LoadLocation(c.Notify.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("notify.timezone: %w", err))
	}

	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size: must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SESConfigured returns true if the SES region and sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.Forward.SES.Region != "" && c.Forward.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	g := c.Forward.Graph
	return g.TenantID != "" &&
		g.ClientID != "" &&
		g.ClientSecret != "" &&
		g.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// StorageConfigured returns true if an object storage bucket is set.
func (c *Config) StorageConfigured() bool {
	return c.Storage.Endpoint != "" && c.Storage.Bucket != ""
}

// Location returns the notification timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Notify.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 50
	c.SMTP.ReadTimeout = 60 * time.Second
	c.SMTP.WriteTimeout = 60 * time.Second
	c.Database.Driver = "sqlite"
	c.Database.DSN = "mail-ingest.db"
	c.Forward.Relay.TLS = "starttls"
	c.Forward.Relay.Timeout = 30 * time.Second
	c.Telegram.Timeout = 30 * time.Second
	c.Notify.Timezone = "Asia/Shanghai"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	envString("SMTP_LISTEN", &c.SMTP.Listen)
	envString("SMTP_HOSTNAME", &c.SMTP.Hostname)
	envString("SMTP_USERNAME", &c.SMTP.Username)
	envString("SMTP_PASSWORD", &c.SMTP.Password)
	envBool("SMTP_ALLOW_INSECURE_AUTH", &c.SMTP.AllowInsecureAuth)
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	envInt("SMTP_MAX_RECIPIENTS", &c.SMTP.MaxRecipients)
	envDuration("SMTP_READ_TIMEOUT", &c.SMTP.ReadTimeout)
	envDuration("SMTP_WRITE_TIMEOUT", &c.SMTP.WriteTimeout)

	envBool("TLS_ENABLED", &c.TLS.Enabled)
	envString("TLS_CERT_FILE", &c.TLS.CertFile)
	envString("TLS_KEY_FILE", &c.TLS.KeyFile)

	envString("DATABASE_DRIVER", &c.Database.Driver)
	envString("DATABASE_DSN", &c.Database.DSN)

	envString("STORAGE_ENDPOINT", &c.Storage.Endpoint)
	envBool("STORAGE_SECURE", &c.Storage.Secure)
	envString("STORAGE_ACCESS_KEY", &c.Storage.AccessKey)
	envString("STORAGE_SECRET_KEY", &c.Storage.SecretKey)
	envString("STORAGE_CREDS", &c.Storage.Creds)
	envString("STORAGE_REGION", &c.Storage.Region)
	envString("STORAGE_BUCKET", &c.Storage.Bucket)
	envString("STORAGE_OBJECT_PREFIX", &c.Storage.ObjectPrefix)

	if v := os.Getenv("FORWARD_PROVIDER"); v != "" {
		c.Forward.Provider = strings.ToLower(v)
	}
	envString("SES_REGION", &c.Forward.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.Forward.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.Forward.SES.SecretAccessKey)
	envString("SES_SENDER", &c.Forward.SES.Sender)
	envString("GRAPH_TENANT_ID", &c.Forward.Graph.TenantID)
	envString("GRAPH_CLIENT_ID", &c.Forward.Graph.ClientID)
	envString("GRAPH_CLIENT_SECRET", &c.Forward.Graph.ClientSecret)
	envString("GRAPH_SENDER", &c.Forward.Graph.Sender)
	envString("RELAY_ADDR", &c.Forward.Relay.Addr)
	envString("RELAY_USERNAME", &c.Forward.Relay.Username)
	envString("RELAY_PASSWORD", &c.Forward.Relay.Password)
	envString("RELAY_FROM", &c.Forward.Relay.From)
	envString("RELAY_TLS", &c.Forward.Relay.TLS)
	envBool("RELAY_INSECURE_SKIP_VERIFY", &c.Forward.Relay.InsecureSkipVerify)
	envDuration("RELAY_TIMEOUT", &c.Forward.Relay.Timeout)

	envString("TELEGRAM_API_URL", &c.Telegram.APIURL)
	envDuration("TELEGRAM_TIMEOUT", &c.Telegram.Timeout)

	envString("NOTIFY_TIMEZONE", &c.Notify.Timezone)
	envInt("NOTIFY_FANOUT_LIMIT", &c.Notify.FanoutLimit)

	envString("ADMIN_EMAIL", &c.AdminEmail)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	envString("METRICS_LISTEN", &c.Metrics.Listen)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Unparsable numeric and boolean values are ignored, keeping the previous
// value.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
