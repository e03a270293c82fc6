// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"
)

// envPrefix is the prefix of the environment variables we read.
const envPrefix = "DISPATCHD"

// environment contains the settings read from the environment.
type environment struct {
	AcceptBurst  int           `envconfig:"ACCEPT_BURST" default:"64"`
	AcceptRPS    float64       `envconfig:"ACCEPT_RPS" default:"0"`
	Console      bool          `envconfig:"CONSOLE" default:"true"`
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"0s"`
	LogFormat    string        `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"warn"`
	MaxSleep     time.Duration `envconfig:"MAX_SLEEP" default:"60s"`
	MetricsAddr  string        `envconfig:"METRICS_ADDR"`
	TLSCert      string        `envconfig:"TLS_CERT" default:"cert.pem"`
	TLSKey       string        `envconfig:"TLS_KEY" default:"key.pem"`
}

// loadEnvironment reads the environment using envconfig.
func loadEnvironment() (*environment, error) {
	var env environment
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return nil, err
	}
	if env.MaxSleep < 0 {
		return nil, fmt.Errorf("%s_MAX_SLEEP must not be negative", envPrefix)
	}
	if env.DrainTimeout < 0 {
		return nil, fmt.Errorf("%s_DRAIN_TIMEOUT must not be negative", envPrefix)
	}
	return &env, nil
}

// newLogger creates the structured logger writing to w.
func (env *environment) newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(env.LogLevel)); err != nil {
		return nil, fmt.Errorf("%s_LOG_LEVEL: %w", envPrefix, err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch env.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("%s_LOG_FORMAT must be json|text", envPrefix)
	}
}

// newAcceptLimiter returns nil when accepts are not throttled.
func (env *environment) newAcceptLimiter() *rate.Limiter {
	if env.AcceptRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(env.AcceptRPS), max(env.AcceptBurst, 1))
}
