// Package config resolves runtime settings from flags, environment and an
// optional config file.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"supertask/internal/errors"
	"supertask/internal/store"
)

// EnvPrefix is prepended to every environment variable, e.g. ST_STORE_ADDRESS.
const EnvPrefix = "ST"

// Config holds the resolved settings of one supertask process.
type Config struct {
	StoreAddress  string
	StoreSchema   string
	StoreTable    string
	StoreTimeout  time.Duration
	PreDeleteJobs bool
	Namespace     string

	HTTPListenAddress string
	MetricsAddress    string
	APIRateLimit      float64
	APIRateBurst      int

	Timezone         *time.Location
	HorizonYears     int
	PollInterval     time.Duration
	ClaimLimit       int
	MaxWorkers       int
	ExecutionTimeout time.Duration
	MisfireGrace     time.Duration
	ShutdownGrace    time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	SeedDebounce       time.Duration
	SeedResyncInterval time.Duration

	LeaseAddress string
	LeaseTTL     time.Duration

	LogJSON bool
	Debug   bool
}

// LogLevel is the level passed to logger.Initialize.
func (c Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return "info"
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	// ST_JOBS_DELETE is the historical name
	_ = v.BindEnv("pre-delete-jobs", EnvPrefix+"_PRE_DELETE_JOBS", EnvPrefix+"_JOBS_DELETE")
	SetDefaults(v)
	return v
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store-address", "")
	v.SetDefault("store-schema-name", store.DefaultSchema)
	v.SetDefault("store-table-name", store.DefaultTable)
	v.SetDefault("store-timeout", 5*time.Second)
	v.SetDefault("pre-delete-jobs", false)
	v.SetDefault("namespace", "")

	v.SetDefault("http-listen-address", "localhost:4243")
	v.SetDefault("metrics-address", "")
	v.SetDefault("api-rate-limit", 20.0) // mutations per second per namespace
	v.SetDefault("api-rate-burst", 50)

	v.SetDefault("timezone", "UTC")
	v.SetDefault("trigger-horizon-years", 8)
	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("claim-limit", 100)
	v.SetDefault("max-workers", 0) // unbounded
	v.SetDefault("execution-timeout", time.Duration(0))
	v.SetDefault("misfire-grace", time.Minute)
	v.SetDefault("shutdown-grace", 10*time.Second)
	v.SetDefault("backoff-initial", time.Second)
	v.SetDefault("backoff-max", time.Minute)

	v.SetDefault("seed-debounce", 500*time.Millisecond)
	v.SetDefault("seed-resync-interval", time.Duration(0))

	v.SetDefault("lease-address", "")
	v.SetDefault("lease-ttl", 5*time.Minute)

	v.SetDefault("log-json", false)
	v.SetDefault("debug", false)
}

// ReadFile merges a TOML, YAML or JSON config file into v. Flags and
// environment still win over its values.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	return nil
}

// Load resolves and validates the settings in v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		StoreAddress:       strings.TrimSpace(v.GetString("store-address")),
		StoreSchema:        v.GetString("store-schema-name"),
		StoreTable:         v.GetString("store-table-name"),
		StoreTimeout:       v.GetDuration("store-timeout"),
		PreDeleteJobs:      v.GetBool("pre-delete-jobs"),
		Namespace:          strings.TrimSpace(v.GetString("namespace")),
		HTTPListenAddress:  strings.TrimSpace(v.GetString("http-listen-address")),
		MetricsAddress:     strings.TrimSpace(v.GetString("metrics-address")),
		APIRateLimit:       v.GetFloat64("api-rate-limit"),
		APIRateBurst:       v.GetInt("api-rate-burst"),
		HorizonYears:       v.GetInt("trigger-horizon-years"),
		PollInterval:       v.GetDuration("poll-interval"),
		ClaimLimit:         v.GetInt("claim-limit"),
		MaxWorkers:         v.GetInt("max-workers"),
		ExecutionTimeout:   v.GetDuration("execution-timeout"),
		MisfireGrace:       v.GetDuration("misfire-grace"),
		ShutdownGrace:      v.GetDuration("shutdown-grace"),
		BackoffInitial:     v.GetDuration("backoff-initial"),
		BackoffMax:         v.GetDuration("backoff-max"),
		SeedDebounce:       v.GetDuration("seed-debounce"),
		SeedResyncInterval: v.GetDuration("seed-resync-interval"),
		LeaseAddress:       strings.TrimSpace(v.GetString("lease-address")),
		LeaseTTL:           v.GetDuration("lease-ttl"),
		LogJSON:            v.GetBool("log-json"),
		Debug:              v.GetBool("debug"),
	}

	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return Config{}, errors.WithHint(errors.Wrap(err, "timezone"), "use an IANA name such as UTC or Europe/Berlin")
	}
	cfg.Timezone = loc

	switch {
	case cfg.PollInterval <= 0:
		return Config{}, errors.Newf("poll-interval must be positive, got %s", cfg.PollInterval)
	case cfg.ClaimLimit <= 0:
		return Config{}, errors.Newf("claim-limit must be positive, got %d", cfg.ClaimLimit)
	case cfg.MaxWorkers < 0:
		return Config{}, errors.Newf("max-workers must not be negative, got %d", cfg.MaxWorkers)
	case cfg.HorizonYears <= 0:
		return Config{}, errors.Newf("trigger-horizon-years must be positive, got %d", cfg.HorizonYears)
	case cfg.BackoffInitial <= 0 || cfg.BackoffMax < cfg.BackoffInitial:
		return Config{}, errors.Newf("backoff range %s..%s is invalid", cfg.BackoffInitial, cfg.BackoffMax)
	case cfg.ExecutionTimeout < 0 || cfg.MisfireGrace < 0 || cfg.ShutdownGrace < 0 ||
		cfg.StoreTimeout < 0 || cfg.SeedDebounce < 0 || cfg.SeedResyncInterval < 0:
		return Config{}, errors.New("durations must not be negative")
	case cfg.LeaseAddress != "" && cfg.LeaseTTL <= 0:
		return Config{}, errors.Newf("lease-ttl must be positive, got %s", cfg.LeaseTTL)
	}
	return cfg, nil
}

// Store returns the store settings.
func (c Config) Store() store.Config {
	return store.Config{
		Address: c.StoreAddress,
		Schema:  c.StoreSchema,
		Table:   c.StoreTable,
		Timeout: c.StoreTimeout,
	}
}

// RequireStore fails when no store address was given.
func (c Config) RequireStore() error {
	if c.StoreAddress == "" {
		return errors.WithHint(errors.New("store address is required"),
			"pass --store-address or set "+EnvPrefix+"_STORE_ADDRESS, e.g. memory:// or postgresql://localhost/supertask")
	}
	return nil
}
