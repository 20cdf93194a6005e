package zero

import (
	"io"
	"log/slog"
	"math"

	"github.com/pkg/errors"
	"github.com/unixpickle/zero-optim/scaler"
	"github.com/unixpickle/zero-optim/tensor"
)

// Config holds the construction parameters of a
// ShardedOptimizer.
type Config struct {
	InitialScale   float64 `mapstructure:"initial_scale"`
	MinScale       float64 `mapstructure:"min_scale"`
	GrowthFactor   float64 `mapstructure:"growth_factor"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	GrowthInterval int     `mapstructure:"growth_interval"`
	Hysteresis     int     `mapstructure:"hysteresis"`
	MaxScale       float64 `mapstructure:"max_scale"`

	// CPUOffload keeps master parameters in host memory.
	CPUOffload bool `mapstructure:"cpu_offload"`

	// Rank is only used to label logs.
	Rank int `mapstructure:"-"`

	// Scaler replaces the dynamic loss scaler built from
	// the fields above, e.g. with a scaler.ConstantScaler.
	Scaler scaler.LossScaler `mapstructure:"-"`

	// Logger receives debug logs. Nil discards them.
	Logger *slog.Logger `mapstructure:"-"`

	// Metrics is optional.
	Metrics *Metrics `mapstructure:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InitialScale:   math.Exp2(32),
		MinScale:       1,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 1000,
		Hysteresis:     2,
		MaxScale:       math.Exp2(32),
	}
}

// ScalerConfig returns the dynamic loss scaler settings.
func (c Config) ScalerConfig() scaler.Config {
	return scaler.Config{
		InitialScale:   c.InitialScale,
		MinScale:       c.MinScale,
		MaxScale:       c.MaxScale,
		GrowthFactor:   c.GrowthFactor,
		BackoffFactor:  c.BackoffFactor,
		GrowthInterval: c.GrowthInterval,
		Hysteresis:     c.Hysteresis,
	}
}

// Validate checks the scaler settings. A custom Scaler
// only needs a positive scale that fits in a float32.
func (c Config) Validate() error {
	if c.Scaler != nil {
		if s := c.Scaler.Scale(); !(s > 0 && s <= math.MaxFloat32) {
			return errors.Errorf("invalid loss scale %v", s)
		}
		return nil
	}
	return errors.Wrap(c.ScalerConfig().Validate(), "invalid loss scaler config")
}

// Device returns the device master parameters live on.
func (c Config) Device() tensor.Device {
	if c.CPUOffload {
		return tensor.CPU
	}
	return tensor.CUDA
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger.With("rank", c.Rank)
}
