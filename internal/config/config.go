package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Driver names accepted by the store, cache and transport sections.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
	DriverKafka    = "kafka"
	DriverLog      = "log"
)

// Config holds the application configuration
type Config struct {
	Env      string   `env:"APP_ENV" envDefault:"dev"`
	LogLevel string   `env:"LOG_LEVEL" envDefault:"info"`
	HTTP     HTTP     `envPrefix:"HTTP_"`
	Database Database `envPrefix:"DATABASE_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Kafka    Kafka    `envPrefix:"KAFKA_"`
	OTP      OTP      `envPrefix:"OTP_"`
	Token    Token    `envPrefix:"TOKEN_"`
	Signup   Signup   `envPrefix:"SIGNUP_"`
	Jobs     Jobs     `envPrefix:"JOBS_"`
}

// HTTP contains listener parameters.
type HTTP struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	IPRequestLimit int           `env:"IP_REQUEST_LIMIT" envDefault:"30"`
	IPWindow       time.Duration `env:"IP_WINDOW" envDefault:"10m"`
}

// Database contains relational store parameters.
type Database struct {
	Driver string `env:"DRIVER" envDefault:"postgres"`
	URL    string `env:"URL"`
}

// Redis contains cache store parameters.
type Redis struct {
	Driver   string `env:"DRIVER" envDefault:"redis"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Kafka contains outbound notification transport parameters.
type Kafka struct {
	Driver  string   `env:"DRIVER" envDefault:"log"`
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"identity.notifications"`
}

// OTP contains one-time code parameters.
type OTP struct {
	Pepper          string        `env:"PEPPER"`
	CodeLength      int           `env:"CODE_LENGTH" envDefault:"6"`
	TTL             time.Duration `env:"TTL" envDefault:"5m"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RequestLimit    int           `env:"REQUEST_LIMIT" envDefault:"3"`
	RequestWindow   time.Duration `env:"REQUEST_WINDOW" envDefault:"10m"`
	ResendCooldown  time.Duration `env:"RESEND_COOLDOWN" envDefault:"60s"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"5s"`
}

// Token contains bearer token lifetimes.
type Token struct {
	AccessTTL  time.Duration `env:"ACCESS_TTL" envDefault:"15m"`
	RefreshTTL time.Duration `env:"REFRESH_TTL" envDefault:"168h"`
}

// Signup contains registration flow parameters.
type Signup struct {
	StateTTL   time.Duration `env:"STATE_TTL" envDefault:"30m"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"10"`
}

// Jobs contains cron specs for periodic cleanup.
type Jobs struct {
	ChallengeCleanup string `env:"CHALLENGE_CLEANUP" envDefault:"@every 5m"`
	SessionCleanup   string `env:"SESSION_CLEANUP" envDefault:"@every 15m"`
	SignupCleanup    string `env:"SIGNUP_CLEANUP" envDefault:"@every 5m"`
}

// Load reads .env files (if any) and then environment variables
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Missing files are fine; env vars already set win over .env values.
		_ = godotenv.Load(f)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and driver names
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.Database.Driver))
	}

	if c.Redis.Driver != DriverRedis && c.Redis.Driver != DriverMemory {
		errs = append(errs, fmt.Errorf("unknown REDIS_DRIVER %q", c.Redis.Driver))
	}
	if c.Kafka.Driver != DriverKafka && c.Kafka.Driver != DriverLog {
		errs = append(errs, fmt.Errorf("unknown KAFKA_DRIVER %q", c.Kafka.Driver))
	}
	if c.Kafka.Driver == DriverLog && c.Env == "prod" {
		errs = append(errs, errors.New("KAFKA_DRIVER=log writes codes to the log and is not allowed in prod"))
	}
	if c.Kafka.Driver == DriverKafka && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka driver"))
	}

	if c.OTP.Pepper == "" {
		errs = append(errs, errors.New("OTP_PEPPER is required"))
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		errs = append(errs, fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 10, got %d", c.OTP.CodeLength))
	}
	if c.OTP.MaxAttempts < 1 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.OTP.RequestLimit < 1 {
		errs = append(errs, errors.New("OTP_REQUEST_LIMIT must be positive"))
	}

	for name, d := range map[string]time.Duration{
		"OTP_TTL":              c.OTP.TTL,
		"OTP_REQUEST_WINDOW":   c.OTP.RequestWindow,
		"OTP_DISPATCH_TIMEOUT": c.OTP.DispatchTimeout,
		"TOKEN_ACCESS_TTL":     c.Token.AccessTTL,
		"TOKEN_REFRESH_TTL":    c.Token.RefreshTTL,
		"SIGNUP_STATE_TTL":     c.Signup.StateTTL,
		"HTTP_IP_WINDOW":       c.HTTP.IPWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		errs = append(errs, errors.New("TOKEN_ACCESS_TTL must be shorter than TOKEN_REFRESH_TTL"))
	}

	return errors.Join(errs...)
}
