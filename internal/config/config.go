package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Empty REDIS_ADDR and PG_DSN select the in-memory store and persistence.
type ServerConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaLocationTopic string   `env:"KAFKA_LOCATION_TOPIC" envDefault:"driver-locations"`
	KafkaActivityTopic string   `env:"KAFKA_ACTIVITY_TOPIC" envDefault:"order-activity"`
	KafkaGroup         string   `env:"KAFKA_GROUP" envDefault:"ride-dispatch-consumer"`

	PGDSN         string `env:"PG_DSN"`
	RunMigrations bool   `env:"MIGRATE" envDefault:"false"`

	OSRMEndpoint     string        `env:"OSRM_ENDPOINT"`
	GoogleMapsAPIKey string        `env:"GOOGLE_MAPS_API_KEY"`
	DefaultSpeedMps  float64       `env:"DEFAULT_SPEED_MPS" envDefault:"8"`
	RouteCacheTTL    time.Duration `env:"ROUTE_CACHE_TTL" envDefault:"30s"`

	FirebaseProjectID       string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`
	StripeAPIKey            string `env:"STRIPE_API_KEY"`

	DispatchConfigPath string        `env:"DISPATCH_CONFIG_PATH"`
	DriverMinBalance   float64       `env:"DRIVER_MIN_BALANCE" envDefault:"0"`
	DriverStaleAfter   time.Duration `env:"DRIVER_STALE_AFTER" envDefault:"10m"`
	RiderIdleTTL       time.Duration `env:"RIDER_IDLE_TTL" envDefault:"1h"`

	PresenceSweepSpec   string `env:"PRESENCE_SWEEP_SPEC" envDefault:"0 * * * * *"`
	DelayQueuePollSpec  string `env:"DELAYQ_POLL_SPEC" envDefault:"* * * * * *"`
	RouteCachePruneSpec string `env:"ROUTE_CACHE_PRUNE_SPEC" envDefault:"*/30 * * * * *"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadServerConfig parses the environment and reports every invalid value at once.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"HTTP_READ_TIMEOUT":     c.ReadTimeout,
		"HTTP_WRITE_TIMEOUT":    c.WriteTimeout,
		"HTTP_IDLE_TIMEOUT":     c.IdleTimeout,
		"HTTP_SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
		"DRIVER_STALE_AFTER":    c.DriverStaleAfter,
		"RIDER_IDLE_TTL":        c.RiderIdleTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, errors.New("DEFAULT_SPEED_MPS must be > 0"))
	}
	if c.DriverMinBalance < 0 {
		errs = append(errs, errors.New("DRIVER_MIN_BALANCE must be >= 0"))
	}
	if c.RedisDB < 0 {
		errs = append(errs, errors.New("REDIS_DB must be >= 0"))
	}
	if c.RunMigrations && c.PGDSN == "" {
		errs = append(errs, errors.New("MIGRATE requires PG_DSN"))
	}
	if c.FirebaseCredentialsFile != "" && c.FirebaseProjectID == "" {
		errs = append(errs, errors.New("FIREBASE_CREDENTIALS_FILE requires FIREBASE_PROJECT_ID"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
