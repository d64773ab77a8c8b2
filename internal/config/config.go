// Package config loads esmtpd's configuration from flags, environment
// variables, and an optional YAML file, in that precedence order, via
// koanf — the same layering the BadSMTP teacher's cmd/root.go uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kposflag "github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/spf13/pflag"
)

// Config holds all application configuration.
type Config struct {
	SMTP     SMTPConfig     `koanf:"smtp"`
	Database DatabaseConfig `koanf:"database"`
	Storage  StorageConfig  `koanf:"storage"`
	Auth     AuthConfig     `koanf:"auth"`
	HTTP     HTTPConfig     `koanf:"http"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// SMTPConfig carries every C1-C9 tunable named in smtp.Config.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	Hostname string `koanf:"hostname" validate:"required"`

	MaxConnections      int   `koanf:"max-connections" validate:"min=1"`
	MaxConnectionsPerIP int   `koanf:"max-connections-per-ip" validate:"min=1"`
	MaxMessageSize      int64 `koanf:"max-message-size" validate:"min=1"`
	MaxRecipients       int   `koanf:"max-recipients" validate:"min=1"`
	MaxChunkSize        int64 `koanf:"max-chunk-size" validate:"min=1"`

	GreetingTimeout time.Duration `koanf:"greeting-timeout"`
	CommandTimeout  time.Duration `koanf:"command-timeout"`
	DataTimeout     time.Duration `koanf:"data-timeout"`

	RateLimitPerIP        int           `koanf:"rate-limit-per-ip" validate:"min=1"`
	RateLimitPerUser      int           `koanf:"rate-limit-per-user" validate:"min=1"`
	RateLimitWindow       time.Duration `koanf:"rate-limit-window"`
	RateLimitCleanupEvery time.Duration `koanf:"rate-limit-cleanup-every"`

	EnableTLS      bool   `koanf:"enable-tls"`
	TLSCertPath    string `koanf:"tls-cert-path"`
	TLSKeyPath     string `koanf:"tls-key-path"`
	EnableAuth     bool   `koanf:"enable-auth"`
	EnableSMTPUTF8 bool   `koanf:"enable-smtputf8"`

	EnableGreylist             bool          `koanf:"enable-greylist"`
	GreylistInitialDelay       time.Duration `koanf:"greylist-initial-delay"`
	GreylistAutoWhitelistAfter time.Duration `koanf:"greylist-auto-whitelist-after"`
	GreylistRetryWindow        time.Duration `koanf:"greylist-retry-window"`
	GreylistCleanupEvery       time.Duration `koanf:"greylist-cleanup-every"`

	EnableDNSBL bool `koanf:"enable-dnsbl"`

	RestrictToAcceptedDomains bool `koanf:"restrict-to-accepted-domains"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname" validate:"required"`
	SSLMode  string `koanf:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// StorageConfig holds S3/MinIO configuration for raw-body offload.
type StorageConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Endpoint           string        `koanf:"endpoint"`
	Region             string        `koanf:"region"`
	AccessKeyID        string        `koanf:"access-key-id"`
	SecretAccessKey    string        `koanf:"secret-access-key"`
	Bucket             string        `koanf:"bucket"`
	UseSSL             bool          `koanf:"use-ssl"`
	LargeBodyThreshold int64         `koanf:"large-body-threshold"`
}

// AuthConfig holds the SASL credential-verification / principal-token setup.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt-secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token-ttl"`
}

// HTTPConfig holds the operational HTTP surface (/health, /ready, /live, /metrics).
type HTTPConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	Output    string `koanf:"output"`
	AddSource bool   `koanf:"add-source"`
}

// defaults returns the baseline configuration before flags/env/file overlay it.
func defaults() Config {
	return Config{
		SMTP: SMTPConfig{
			Host:                       "0.0.0.0",
			Port:                       25,
			Hostname:                   "mx.example",
			MaxConnections:             1000,
			MaxConnectionsPerIP:        10,
			MaxMessageSize:             25 * 1024 * 1024,
			MaxRecipients:              100,
			MaxChunkSize:               25 * 1024 * 1024,
			GreetingTimeout:            30 * time.Second,
			CommandTimeout:             5 * time.Minute,
			DataTimeout:                10 * time.Minute,
			RateLimitPerIP:             20,
			RateLimitPerUser:           60,
			RateLimitWindow:            time.Minute,
			RateLimitCleanupEvery:      time.Minute,
			EnableSMTPUTF8:             true,
			GreylistInitialDelay:       5 * time.Minute,
			GreylistAutoWhitelistAfter: 24 * time.Hour,
			GreylistRetryWindow:        36 * time.Hour,
			GreylistCleanupEvery:       10 * time.Minute,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DBName:  "esmtpd",
			SSLMode: "disable",
		},
		Storage: StorageConfig{
			Endpoint:           "localhost:9000",
			Region:             "us-east-1",
			Bucket:             "esmtpd-messages",
			LargeBodyThreshold: 10 * 1024 * 1024,
		},
		Auth: AuthConfig{
			Issuer:   "esmtpd",
			TokenTTL: time.Hour,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8081,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load layers flags (highest precedence) over ESMTPD_-prefixed environment
// variables over an optional YAML file over the compiled-in defaults, then
// validates the result. Grounded on the teacher's cmd/root.go koanf wiring.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	def := defaults()
	if err := k.Load(structs.Provider(def, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	cfgPath, _ := flags.GetString("config")
	if cfgPath == "" {
		for _, fn := range []string{"esmtpd.yaml", "esmtpd.yml"} {
			if _, err := os.Stat(fn); err == nil {
				cfgPath = fn
				break
			}
		}
	}
	if cfgPath != "" {
		if err := k.Load(kfile.Provider(cfgPath), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", cfgPath, err)
		}
	}

	if err := k.Load(kenv.Provider("ESMTPD_", ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := k.Load(kposflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// envToKey maps ESMTPD_SMTP_PORT -> smtp.port, matching the dotted koanf
// tags on Config's nested structs.
func envToKey(s string) string {
	s = strings.TrimPrefix(s, "ESMTPD_")
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

// RegisterFlags adds the CLI flags understood by Load to a persistent flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a YAML configuration file")
	flags.Int("smtp.port", 25, "SMTP listen port")
	flags.String("smtp.hostname", "mx.example", "Hostname advertised in the greeting/EHLO banner")
	flags.Bool("smtp.enable-tls", false, "Advertise and accept STARTTLS")
	flags.String("smtp.tls-cert-path", "", "Path to the TLS certificate (PEM)")
	flags.String("smtp.tls-key-path", "", "Path to the TLS private key (PEM)")
	flags.Bool("smtp.enable-auth", false, "Advertise and accept AUTH PLAIN/LOGIN")
	flags.Bool("smtp.enable-greylist", false, "Enable greylisting on RCPT TO")
	flags.Bool("smtp.enable-dnsbl", false, "Enable DNSBL checks at connect time")
	flags.Int("http.port", 8081, "Port for the /health, /ready, /live and /metrics HTTP endpoints")
	flags.String("logging.level", "info", "Log level: debug, info, warn, error")
}
