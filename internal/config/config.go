// Package config holds the fleet manager's tunable constants, loaded
// from the environment. It is the only place these values are read from
// process-wide state; everything downstream receives them as an
// explicit, injected Config value — only the env parsing itself touches
// the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the autoscaling and retry-budget tunables.
type Config struct {
	PodMinNum             int     `env:"POD_MIN_NUM" envDefault:"1"`
	PodMaxNum             int     `env:"POD_MAX_NUM" envDefault:"10"`
	PodScalingSensitivity float64 `env:"POD_SCALING_SENSITIVITY" envDefault:"50"`

	// PodRetryDelayMillis is the delay between retry attempts within a
	// phase, the poll interval of Pod.Submit's wait loop, and the expiry
	// reaper's sweep interval.
	PodRetryDelayMillis int `env:"POD_RETRY_DELAY" envDefault:"1000"`

	PodCreateRetryMax        int `env:"POD_CREATE_RETRY_MAX" envDefault:"5"`
	PodStartRetryMax         int `env:"POD_START_RETRY_MAX" envDefault:"30"`
	PodRunServerRetryMax     int `env:"POD_RUN_SERVER_RETRY_MAX" envDefault:"60"`
	PodRequestTimeoutSeconds int `env:"POD_REQUEST_TIMEOUT_RETRY_MAX" envDefault:"300"`
}

// Load reads Config from the process environment, applying the defaults
// above for anything unset.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RetryDelay is PodRetryDelayMillis as a time.Duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.PodRetryDelayMillis) * time.Millisecond
}

// RequestTimeout is PodRequestTimeoutSeconds as a time.Duration —
// POD_REQUEST_TIMEOUT_RETRY_MAX.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.PodRequestTimeoutSeconds) * time.Second
}
