package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Settings are the runtime knobs of an IOC. Every field has an IOC_*
// variable; CLI flags override what the environment sets.
type Settings struct {
	Workers       int           `env:"IOC_WORKERS, default=4"`
	CheckInterval time.Duration `env:"IOC_CHECK_INTERVAL, default=1s"`
	DelayLimit    time.Duration `env:"IOC_DELAY_LIMIT, default=1m"`
	Strict        bool          `env:"IOC_STRICT, default=false"`
	EventDB       string        `env:"IOC_EVENT_DB"`
	MetricsAddr   string        `env:"IOC_METRICS_ADDR"`
	NATSURL       string        `env:"IOC_NATS_URL"`
	NATSPrefix    string        `env:"IOC_NATS_PREFIX, default=ioc"`
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	if s.Workers < 1 {
		errs = append(errs, fmt.Errorf("IOC_WORKERS must be at least 1, got %d", s.Workers))
	}
	if s.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("IOC_CHECK_INTERVAL must be positive, got %s", s.CheckInterval))
	}
	if s.DelayLimit < 0 {
		errs = append(errs, fmt.Errorf("IOC_DELAY_LIMIT must not be negative, got %s", s.DelayLimit))
	}
	if s.NATSURL != "" && s.NATSPrefix == "" {
		errs = append(errs, errors.New("IOC_NATS_PREFIX must be set when IOC_NATS_URL is"))
	}
	return errors.Join(errs...)
}

// LoadSettings reads settings from the process environment. A non-empty
// envFile is loaded first; variables already set win over the file. A
// missing default ".env" is not an error.
func LoadSettings(ctx context.Context, envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !(envFile == ".env" && errors.Is(err, fs.ErrNotExist)) {
				return nil, fmt.Errorf("loading %s: %w", envFile, err)
			}
		}
	}
	return SettingsFrom(ctx, envconfig.OsLookuper())
}

// SettingsFrom reads settings through l.
func SettingsFrom(ctx context.Context, l envconfig.Lookuper) (*Settings, error) {
	var s Settings
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &s, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
