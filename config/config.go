package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Push    PushConfig    `yaml:"push"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the HTTP front door configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	AssetsDir       string        `yaml:"assets_dir" validate:"required"`
	RequestIPHeader string        `yaml:"request_ip_header"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec" validate:"min=0"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" validate:"min=0"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds" validate:"min=0"`
	CacheTTL        time.Duration `yaml:"-"`
}

// StorageConfig selects and configures the registry persistence backend.
type StorageConfig struct {
	Driver                 string `yaml:"driver" validate:"oneof=file sqlite postgres badger"`
	Path                   string `yaml:"path" validate:"required_unless=Driver postgres"`
	DSN                    string `yaml:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns           int    `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns           int    `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" validate:"min=0"`
}

// PushConfig holds the Web Push delivery settings.
type PushConfig struct {
	PublicKey      string        `yaml:"vapid_public_key"`
	PrivateKey     string        `yaml:"vapid_private_key"`
	VAPIDFile      string        `yaml:"vapid_file" validate:"required"`
	Subject        string        `yaml:"subject" validate:"required,startswith=mailto:|startswith=https:"`
	TTL            int           `yaml:"ttl" validate:"min=0"`
	Urgency        string        `yaml:"urgency" validate:"omitempty,oneof=very-low low normal high"`
	TimeoutSeconds int           `yaml:"timeout_seconds" validate:"min=0"`
	Timeout        time.Duration `yaml:"-"`
	DefaultIcon    string        `yaml:"default_icon"`
	DefaultURL     string        `yaml:"default_url"`
	DefaultTag     string        `yaml:"default_tag"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// envOverrides lists the environment variables that take precedence over
// the config file.
type envOverrides struct {
	Port          int    `envconfig:"PORT"`
	VAPIDSubject  string `envconfig:"VAPID_SUBJECT"`
	AssetsDir     string `envconfig:"NOTIFY_ASSETS_DIR"`
	StorageDriver string `envconfig:"NOTIFY_STORAGE_DRIVER"`
	StoragePath   string `envconfig:"NOTIFY_STORAGE_PATH"`
	StorageDSN    string `envconfig:"NOTIFY_STORAGE_DSN"`
	VAPIDFile     string `envconfig:"NOTIFY_VAPID_FILE"`
	LogLevel      string `envconfig:"NOTIFY_LOG_LEVEL"`
	LogFormat     string `envconfig:"NOTIFY_LOG_FORMAT"`
}

// Load reads the configuration from the given path. A missing file is not an
// error: defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	env.apply(&cfg)

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (e envOverrides) apply(cfg *Config) {
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	if e.Port != 0 {
		cfg.Server.Port = e.Port
	}
	setIf(&cfg.Push.Subject, e.VAPIDSubject)
	setIf(&cfg.Server.AssetsDir, e.AssetsDir)
	setIf(&cfg.Storage.Driver, e.StorageDriver)
	setIf(&cfg.Storage.Path, e.StoragePath)
	setIf(&cfg.Storage.DSN, e.StorageDSN)
	setIf(&cfg.Push.VAPIDFile, e.VAPIDFile)
	setIf(&cfg.Log.Level, e.LogLevel)
	setIf(&cfg.Log.Format, e.LogFormat)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3939
	}
	if cfg.Server.AssetsDir == "" {
		cfg.Server.AssetsDir = "public"
	}
	if cfg.Server.RateLimitPerSec > 0 && cfg.Server.RateLimitBurst <= 0 {
		log.Warn().Float64("rate_limit_per_sec", cfg.Server.RateLimitPerSec).
			Msg("server.rate_limit_burst is not set; defaulting to 5")
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}
	cfg.Server.CacheTTL = time.Duration(cfg.Server.CacheTTLSeconds) * time.Second

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "file"
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Driver {
		case "file":
			cfg.Storage.Path = "data/subscriptions.json"
		case "sqlite":
			cfg.Storage.Path = "data/subscriptions.db"
		case "badger":
			cfg.Storage.Path = "data/badger"
		}
	}

	if cfg.Push.VAPIDFile == "" {
		cfg.Push.VAPIDFile = "data/vapid.json"
	}
	if cfg.Push.Subject == "" {
		cfg.Push.Subject = "mailto:notify@example.com"
	}
	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.Push.TimeoutSeconds <= 0 {
		cfg.Push.TimeoutSeconds = 30
	}
	cfg.Push.Timeout = time.Duration(cfg.Push.TimeoutSeconds) * time.Second
	if cfg.Push.DefaultIcon == "" {
		cfg.Push.DefaultIcon = "/icon.svg"
	}
	if cfg.Push.DefaultURL == "" {
		cfg.Push.DefaultURL = "/"
	}
	if cfg.Push.DefaultTag == "" {
		cfg.Push.DefaultTag = "claude-notify"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

var validate = validator.New()

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid configuration: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.Push.PublicKey == "") != (c.Push.PrivateKey == "") {
		return errors.New("invalid configuration: push.vapid_public_key and push.vapid_private_key must be set together")
	}
	return nil
}
