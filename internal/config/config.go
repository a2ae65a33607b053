// Package config loads the service configuration from defaults, an optional
// YAML file and LOOPLIB_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable, e.g. LOOPLIB_ADDR.
const EnvPrefix = "LOOPLIB"

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type Config struct {
	Mode            string        `yaml:"mode"`
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"publicURL"       split_words:"true"`
	AdminSecret     string        `yaml:"adminSecret"     split_words:"true"`
	TokenTTL        time.Duration `yaml:"tokenTTL"        envconfig:"TOKEN_TTL"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
	TLSCert         string        `yaml:"tlsCert"         envconfig:"TLS_CERT"`
	TLSKey          string        `yaml:"tlsKey"          envconfig:"TLS_KEY"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"  split_words:"true"`

	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Objects   ObjectsConfig   `yaml:"objects"`
	Captcha   CaptchaConfig   `yaml:"captcha"`
	Email     EmailConfig     `yaml:"email"`
	Media     MediaConfig     `yaml:"media"`
	RateLimit RateLimitConfig `yaml:"rateLimit" envconfig:"RATE"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the metadata store. An empty URL with the postgres
// driver is a configuration error.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"maxConns"        split_words:"true"`
	MinConns        int32         `yaml:"minConns"        split_words:"true"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime" split_words:"true"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"  split_words:"true"`
	ApplicationName string        `yaml:"applicationName" split_words:"true"`
	AutoMigrate     bool          `yaml:"autoMigrate"     split_words:"true"`
}

type ObjectsConfig struct {
	Driver            string `yaml:"driver"`
	Endpoint          string `yaml:"endpoint"`
	Region            string `yaml:"region"`
	AccessKey         string `yaml:"accessKey"         split_words:"true"`
	SecretKey         string `yaml:"secretKey"         split_words:"true"`
	UseSSL            bool   `yaml:"useSSL"            envconfig:"USE_SSL"`
	PathStyle         bool   `yaml:"pathStyle"         split_words:"true"`
	SubmissionsBucket string `yaml:"submissionsBucket" split_words:"true"`
	LoopsBucket       string `yaml:"loopsBucket"       split_words:"true"`
}

type CaptchaConfig struct {
	Secret    string        `yaml:"secret"`
	VerifyURL string        `yaml:"verifyURL" envconfig:"VERIFY_URL"`
	MinScore  float64       `yaml:"minScore"  split_words:"true"`
	Timeout   time.Duration `yaml:"timeout"`
}

type EmailConfig struct {
	Driver         string        `yaml:"driver"`
	SendGridAPIKey string        `yaml:"sendgridAPIKey" envconfig:"SENDGRID_API_KEY"`
	From           string        `yaml:"from"`
	FromName       string        `yaml:"fromName"       split_words:"true"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queueSize"      split_words:"true"`
	Timeout        time.Duration `yaml:"timeout"`
}

type MediaConfig struct {
	Driver       string        `yaml:"driver"`
	Endpoint     string        `yaml:"endpoint"`
	Token        string        `yaml:"token"`
	AllowMIDI    bool          `yaml:"allowMIDI"    envconfig:"ALLOW_MIDI"`
	FFmpegPath   string        `yaml:"ffmpegPath"   envconfig:"FFMPEG_PATH"`
	TimidityPath string        `yaml:"timidityPath" split_words:"true"`
	Bitrate      string        `yaml:"bitrate"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RateLimitConfig bounds request volume. RequestLimit is the weighted budget
// a single client IP may spend per Window.
type RateLimitConfig struct {
	GlobalRPS             float64       `yaml:"globalRPS"             envconfig:"GLOBAL_RPS"`
	GlobalBurst           int           `yaml:"globalBurst"           split_words:"true"`
	RequestLimit          int           `yaml:"requestLimit"          split_words:"true"`
	Window                time.Duration `yaml:"window"`
	TrustForwardedHeaders bool          `yaml:"trustForwardedHeaders" split_words:"true"`
	RedisAddr             string        `yaml:"redisAddr"             split_words:"true"`
	RedisPassword         string        `yaml:"redisPassword"         split_words:"true"`
	RedisTimeout          time.Duration `yaml:"redisTimeout"          split_words:"true"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Mode:            ModeDevelopment,
		Addr:            ":8080",
		PublicURL:       "http://localhost:8080",
		TokenTTL:        24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
		Log:             LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			Driver:          "memory",
			AcquireTimeout:  5 * time.Second,
			ApplicationName: "loop-library",
		},
		Objects: ObjectsConfig{
			Driver:            "memory",
			Region:            "us-east-1",
			SubmissionsBucket: "submissions",
			LoopsBucket:       "loops",
		},
		Captcha: CaptchaConfig{
			VerifyURL: "https://challenges.cloudflare.com/turnstile/v0/siteverify",
			MinScore:  0.5,
			Timeout:   5 * time.Second,
		},
		Email: EmailConfig{
			Driver:    "log",
			From:      "noreply@looplibrary.local",
			FromName:  "Loop Library",
			Workers:   2,
			QueueSize: 64,
			Timeout:   10 * time.Second,
		},
		Media: MediaConfig{
			Driver:  "passthrough",
			Bitrate: "192k",
			Timeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:    50,
			GlobalBurst:  100,
			RequestLimit: 120,
			Window:       time.Minute,
			RedisTimeout: 2 * time.Second,
		},
	}
}

// Load applies the YAML file at path (when non-empty) and then the
// environment over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Objects.Driver = strings.ToLower(strings.TrimSpace(c.Objects.Driver))
	c.Email.Driver = strings.ToLower(strings.TrimSpace(c.Email.Driver))
	c.Media.Driver = strings.ToLower(strings.TrimSpace(c.Media.Driver))
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	if c.Database.Driver == "memory" && strings.TrimSpace(c.Database.URL) != "" {
		c.Database.Driver = "postgres"
	}
}

// Production reports whether production safeguards apply.
func (c Config) Production() bool {
	return c.Mode == ModeProduction
}

// ConfirmURL is the absolute address of the confirmation endpoint.
func (c Config) ConfirmURL() string {
	return c.PublicURL + "/confirm"
}

// Validate checks internal consistency and, in production, that no
// development fallback is in use.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Mode))
	}
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if parsed, err := url.Parse(c.PublicURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("publicURL %q must be an absolute URL", c.PublicURL))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tlsCert and tlsKey must be set together"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("tokenTTL must be positive"))
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	switch c.Objects.Driver {
	case "memory":
	case "minio":
		if c.Objects.Endpoint == "" {
			errs = append(errs, errors.New("objects.endpoint is required for the minio driver"))
		}
	case "s3":
	default:
		errs = append(errs, fmt.Errorf("unsupported object store driver %q", c.Objects.Driver))
	}
	if c.Objects.SubmissionsBucket == "" || c.Objects.LoopsBucket == "" {
		errs = append(errs, errors.New("object store bucket names are required"))
	} else if c.Objects.SubmissionsBucket == c.Objects.LoopsBucket {
		errs = append(errs, errors.New("submission and loop buckets must differ"))
	}
	switch c.Email.Driver {
	case "log":
	case "sendgrid":
		if c.Email.SendGridAPIKey == "" || c.Email.From == "" {
			errs = append(errs, errors.New("email.sendgridAPIKey and email.from are required for the sendgrid driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported email driver %q", c.Email.Driver))
	}
	switch c.Media.Driver {
	case "passthrough":
	case "http":
		if c.Media.Endpoint == "" {
			errs = append(errs, errors.New("media.endpoint is required for the http driver"))
		}
	case "exec":
	default:
		errs = append(errs, fmt.Errorf("unsupported media driver %q", c.Media.Driver))
	}
	if c.Captcha.MinScore < 0 || c.Captcha.MinScore > 1 {
		errs = append(errs, errors.New("captcha.minScore must be between 0 and 1"))
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.GlobalBurst < 0 || c.RateLimit.RequestLimit < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}

	if c.Production() {
		if c.Database.Driver != "postgres" {
			errs = append(errs, errors.New("production requires the postgres database driver"))
		}
		if c.Objects.Driver == "memory" {
			errs = append(errs, errors.New("production requires a minio or s3 object store"))
		}
		if strings.TrimSpace(c.AdminSecret) == "" {
			errs = append(errs, errors.New("production requires adminSecret"))
		}
		if strings.TrimSpace(c.Captcha.Secret) == "" {
			errs = append(errs, errors.New("production requires captcha.secret"))
		}
		if c.Email.Driver != "sendgrid" {
			errs = append(errs, errors.New("production requires the sendgrid email driver"))
		}
	}
	return errors.Join(errs...)
}
