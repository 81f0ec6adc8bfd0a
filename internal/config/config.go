// Package config loads harvester settings from .env files, an optional
// config file, PRODUCTHUNT_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "PRODUCTHUNT"

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Testing     Environment = "testing"
	Staging     Environment = "staging"
)

type Config struct {
	Environment    Environment   `mapstructure:"environment" validate:"oneof=development production testing staging"`
	Token          string        `mapstructure:"token" validate:"omitempty,min=10"`
	Endpoint       string        `mapstructure:"endpoint" validate:"required,url"`
	DataDir        string        `mapstructure:"data_dir"`
	Database       string        `mapstructure:"database"`
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"min=1,max=10"`
	PageSize       int           `mapstructure:"page_size" validate:"min=1,max=100"`
	SafetyMargin   time.Duration `mapstructure:"safety_margin" validate:"min=0,max=1h"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1,max=10000"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=20"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed" validate:"min=0"`
	Parallel       bool          `mapstructure:"parallel"`
	Schedule       string        `mapstructure:"schedule"`
	// FullRefreshOnStart makes scheduled mode run one full refresh before
	// the first tick.
	FullRefreshOnStart bool   `mapstructure:"full_refresh_on_start"`
	Log                Log    `mapstructure:"log"`
	Status             Status `mapstructure:"status"`
}

// Status configures the read-only status API served in scheduled mode.
type Status struct {
	// Addr is the listen address; empty disables the API.
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type Log struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

var defaults = map[string]any{
	"environment":           string(Production),
	"token":                 "",
	"endpoint":              "https://api.producthunt.com/v2/api/graphql",
	"data_dir":              "./data",
	"database":              "",
	"max_concurrency":       3,
	"page_size":             50,
	"safety_margin":         5 * time.Minute,
	"batch_size":            500,
	"max_attempts":          6,
	"max_elapsed":           5 * time.Minute,
	"parallel":              false,
	"schedule":              "@hourly",
	"full_refresh_on_start": false,
	"log.level":             "info",
	"log.json":              false,
	"status.addr":           "",
	"status.token":          "",
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"environment":           "environment",
	"token":                 "token",
	"endpoint":              "endpoint",
	"data-dir":              "data_dir",
	"database":              "database",
	"max-concurrency":       "max_concurrency",
	"page-size":             "page_size",
	"safety-margin":         "safety_margin",
	"batch-size":            "batch_size",
	"max-attempts":          "max_attempts",
	"parallel":              "parallel",
	"schedule":              "schedule",
	"full-refresh-on-start": "full_refresh_on_start",
	"log-level":             "log.level",
	"log-json":              "log.json",
	"status-addr":           "status.addr",
	"status-token":          "status.token",
}

// RegisterFlags adds the config flags to flags. Unset flags do not override
// the environment or config file.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.StringSlice("env-file", nil, "dotenv files to load before reading the environment (default .env)")
	flags.String("environment", "", "environment profile: development, production, testing or staging")
	flags.String("token", "", "Product Hunt API token")
	flags.String("endpoint", "", "GraphQL endpoint")
	flags.String("data-dir", "", "directory for the default sqlite database")
	flags.String("database", "", "database DSN (sqlite path, sqlite://, memory:// or postgres://)")
	flags.Int("max-concurrency", 0, "maximum in-flight API requests (1-10)")
	flags.Int("page-size", 0, "records per page (1-100)")
	flags.Duration("safety-margin", 0, "overlap subtracted from the checkpoint on incremental runs")
	flags.Int("batch-size", 0, "keys per existence lookup when storing a page")
	flags.Int("max-attempts", 0, "attempts per API request before giving up")
	flags.Bool("parallel", false, "harvest independent entity types concurrently")
	flags.String("schedule", "", "cron schedule for scheduled mode")
	flags.Bool("full-refresh-on-start", false, "run a full refresh before the first scheduled tick")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("log-json", false, "emit JSON logs")
	flags.String("status-addr", "", "listen address for the status API in scheduled mode")
	flags.String("status-token", "", "bearer token required by the status API")
}

// Loader resolves a Config from its sources and can watch the config file
// for changes.
type Loader struct {
	mu sync.Mutex
	v  *viper.Viper
}

type LoadOptions struct {
	// Flags is a flag set prepared with RegisterFlags and already parsed.
	Flags *pflag.FlagSet
	// ConfigFile overrides the --config flag.
	ConfigFile string
	// EnvFiles overrides the --env-file flag.
	EnvFiles []string
}

func NewLoader(opts LoadOptions) (*Loader, error) {
	configFile := opts.ConfigFile
	envFiles := opts.EnvFiles
	if opts.Flags != nil {
		if configFile == "" {
			configFile, _ = opts.Flags.GetString("config")
		}
		if len(envFiles) == 0 {
			envFiles, _ = opts.Flags.GetStringSlice("env-file")
		}
	}
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("producthuntdb")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return &Loader{v: v}, nil
}

// loadEnvFiles loads dotenv files without overriding variables that are
// already set. A missing default .env is ignored.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// ConfigFile returns the config file in use, or "" when none was found.
func (l *Loader) ConfigFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Config resolves, adjusts and validates the current settings.
func (l *Loader) Config() (Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.Environment = Environment(strings.ToLower(strings.TrimSpace(string(cfg.Environment))))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.applyProfile()
	if cfg.Database == "" {
		cfg.Database = filepath.Join(cfg.DataDir, "producthunt.db")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch calls fn with a freshly resolved Config whenever the config file is
// written. It does nothing when no config file is in use.
func (l *Loader) Watch(fn func(Config, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.Config())
	})
	l.v.WatchConfig()
}

// applyProfile adjusts settings for the runtime environment.
func (c *Config) applyProfile() {
	switch c.Environment {
	case Production:
		c.MaxConcurrency = min(c.MaxConcurrency, 5)
		if c.Log.Level == "debug" {
			c.Log.Level = "info"
		}
		c.Log.JSON = true
	case Development:
		c.MaxConcurrency = 1
		c.Log.Level = "debug"
		c.Log.JSON = false
	case Testing:
		c.Database = "memory://"
		c.MaxConcurrency = 1
		c.Log.Level = "error"
		c.Log.JSON = false
	case Staging:
		c.MaxConcurrency = min(c.MaxConcurrency, 3)
		c.Log.Level = "info"
		c.Log.JSON = true
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateEndpoint()
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

func (c Config) validateEndpoint() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid config: endpoint must be an http(s) URL")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", key, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", key, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return key + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s", key, fe.Tag())
	}
}

// RequireToken reports a missing API token. Commands that only read the
// database do not need one.
func (c Config) RequireToken() error {
	if c.Token == "" {
		return fmt.Errorf("invalid config: token is required (--token or %s_TOKEN)", EnvPrefix)
	}
	return nil
}

// RedactedToken is the token form safe for logs.
func (c Config) RedactedToken() string {
	return RedactToken(c.Token)
}

// RedactToken keeps the first 8 and last 4 characters of long tokens.
func RedactToken(token string) string {
	if token == "" {
		return "none"
	}
	if len(token) > 12 {
		return token[:8] + "..." + token[len(token)-4:]
	}
	return "***"
}

func (c Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("environment", string(c.Environment))
	enc.AddString("token", c.RedactedToken())
	enc.AddString("endpoint", c.Endpoint)
	enc.AddString("database", redactDSN(c.Database))
	enc.AddInt("max_concurrency", c.MaxConcurrency)
	enc.AddInt("page_size", c.PageSize)
	enc.AddDuration("safety_margin", c.SafetyMargin)
	enc.AddInt("batch_size", c.BatchSize)
	enc.AddBool("parallel", c.Parallel)
	enc.AddString("log_level", c.Log.Level)
	if c.Status.Addr != "" {
		enc.AddString("status_addr", c.Status.Addr)
		enc.AddString("status_token", RedactToken(c.Status.Token))
	}
	return nil
}

// redactDSN hides the password of URL-style DSNs.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
