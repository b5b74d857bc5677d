// Package config defines the process configuration and its loading order:
// defaults, then an optional YAML file, then MATRANK_ environment
// variables. The rating constants live here because they are fixed at
// construction; nothing rereads them at runtime.
package config

import (
	"fmt"
	"time"

	"matrank/internal/comp"
	"matrank/internal/rating"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// MetricsAddr is the /metrics and health listen address.
	MetricsAddr string `koanf:"metrics_addr"`

	// PostgresDSN selects the snapshot store. Empty means the in-memory
	// store (useful for local runs and tests).
	PostgresDSN string `koanf:"postgres_dsn"`

	// NATSURL is the JetStream feed endpoint.
	NATSURL string `koanf:"nats_url"`

	// IngestBuffer bounds the raw message channel between the subscriber
	// and the ingest loop.
	IngestBuffer int `koanf:"ingest_buffer"`

	// AdvanceIntervalSec is how often the daemon checks pools for lapsed
	// periods.
	AdvanceIntervalSec int `koanf:"advance_interval_sec"`

	// PeriodDays is the rating window length.
	PeriodDays int `koanf:"period_days"`

	// Glicko-2 constants.
	Tau               float64 `koanf:"tau"`
	DefaultRD         float64 `koanf:"default_rd"`
	DefaultVolatility float64 `koanf:"default_volatility"`
	ConvergenceTol    float64 `koanf:"convergence_tol"`
	MaxIterations     int     `koanf:"max_iterations"`

	// SeedRatings maps declared skill levels to starting ratings.
	SeedRatings map[string]float64 `koanf:"seed_ratings"`

	// OutcomeWeights maps win types to their period-update weights.
	OutcomeWeights map[string]float64 `koanf:"outcome_weights"`
}

// New returns the production defaults.
func New() *Config {
	base := rating.DefaultParams()

	seeds := make(map[string]float64, len(base.SeedRatings))
	for lvl, r := range base.SeedRatings {
		seeds[lvl.String()] = r
	}
	weights := make(map[string]float64, len(base.OutcomeWeights))
	for wt, w := range base.OutcomeWeights {
		weights[wt.String()] = w
	}

	return &Config{
		LogLevel:           "info",
		MetricsAddr:        ":9100",
		NATSURL:            "nats://localhost:4222",
		IngestBuffer:       10_000,
		AdvanceIntervalSec: 60,
		PeriodDays:         42,
		Tau:                base.Tau,
		DefaultRD:          base.DefaultRD,
		DefaultVolatility:  base.DefaultVolatility,
		ConvergenceTol:     base.ConvergenceTol,
		MaxIterations:      base.MaxIterations,
		SeedRatings:        seeds,
		OutcomeWeights:     weights,
	}
}

// PeriodLength converts the configured window to a duration.
func (c *Config) PeriodLength() time.Duration {
	return time.Duration(c.PeriodDays) * 24 * time.Hour
}

// AdvanceInterval converts the configured poll cadence to a duration.
func (c *Config) AdvanceInterval() time.Duration {
	return time.Duration(c.AdvanceIntervalSec) * time.Second
}

// RatingParams builds the engine constants from the string-keyed tables.
// Unknown tokens are configuration errors, caught at startup.
func (c *Config) RatingParams() (rating.Params, error) {
	p := rating.Params{
		Tau:               c.Tau,
		DefaultRD:         c.DefaultRD,
		DefaultVolatility: c.DefaultVolatility,
		ConvergenceTol:    c.ConvergenceTol,
		MaxIterations:     c.MaxIterations,
		SeedRatings:       make(map[comp.SkillLevel]float64, len(c.SeedRatings)),
		OutcomeWeights:    make(map[comp.WinType]float64, len(c.OutcomeWeights)),
	}

	for token, r := range c.SeedRatings {
		lvl, ok := comp.ParseSkillLevel(token)
		if !ok {
			return rating.Params{}, fmt.Errorf("seed_ratings: unknown skill level %q", token)
		}
		p.SeedRatings[lvl] = r
	}
	for token, w := range c.OutcomeWeights {
		wt, ok := comp.ParseWinType(token)
		if !ok {
			return rating.Params{}, fmt.Errorf("outcome_weights: unknown win type %q", token)
		}
		if w < 0 {
			return rating.Params{}, fmt.Errorf("outcome_weights: %q is negative", token)
		}
		p.OutcomeWeights[wt] = w
	}
	return p, nil
}

// Validate catches configuration that cannot run.
func (c *Config) Validate() error {
	if c.PeriodDays <= 0 {
		return fmt.Errorf("period_days must be positive, got %d", c.PeriodDays)
	}
	if c.Tau <= 0 {
		return fmt.Errorf("tau must be positive, got %v", c.Tau)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations)
	}
	if c.IngestBuffer <= 0 {
		return fmt.Errorf("ingest_buffer must be positive, got %d", c.IngestBuffer)
	}
	if _, err := c.RatingParams(); err != nil {
		return err
	}
	return nil
}
