// Package scaler implements loss scaling for mixed-precision
// training.
package scaler

import (
	"math"

	"github.com/pkg/errors"
)

// A LossScaler supplies the factor a loss is multiplied by
// before the backward pass.
type LossScaler interface {
	// Scale returns the current loss scale.
	Scale() float64

	// Update is called exactly once per optimizer step with
	// the result of the overflow check.
	Update(foundOverflow bool)
}

// Config configures a DynamicGradScaler.
type Config struct {
	InitialScale   float64
	MinScale       float64
	MaxScale       float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
	Hysteresis     int
}

// DefaultConfig returns the configuration used for fp16
// training jobs.
func DefaultConfig() Config {
	return Config{
		InitialScale:   math.Exp2(32),
		MinScale:       1,
		MaxScale:       math.Exp2(32),
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 1000,
		Hysteresis:     2,
	}
}

// Validate checks that c describes a usable scaler.
func (c Config) Validate() error {
	switch {
	case !(c.MinScale > 0):
		return errors.Errorf("min scale must be positive, got %v", c.MinScale)
	case !(c.MaxScale >= c.MinScale):
		return errors.Errorf("max scale %v is below min scale %v", c.MaxScale, c.MinScale)
	case c.MaxScale > math.MaxFloat32:
		return errors.Errorf("max scale %v does not fit in a float32 loss seed", c.MaxScale)
	case !(c.InitialScale > 0):
		return errors.Errorf("initial scale must be positive, got %v", c.InitialScale)
	case !(c.GrowthFactor > 1):
		return errors.Errorf("growth factor must exceed 1, got %v", c.GrowthFactor)
	case !(c.BackoffFactor > 0 && c.BackoffFactor < 1):
		return errors.Errorf("backoff factor must be in (0, 1), got %v", c.BackoffFactor)
	case c.GrowthInterval < 1:
		return errors.Errorf("growth interval must be at least 1, got %d", c.GrowthInterval)
	case c.Hysteresis < 1:
		return errors.Errorf("hysteresis must be at least 1, got %d", c.Hysteresis)
	}
	return nil
}

// A DynamicGradScaler adapts the loss scale to the
// gradients it observes.
//
// An overflow backs the scale off immediately. Growth
// happens at the end of a growth interval, which is
// GrowthInterval consecutive steps without overflow.
// After a backoff, Hysteresis such intervals have to
// complete before the scale grows again; a freshly
// constructed scaler grows after its first interval.
//
// The scale always stays within [MinScale, MaxScale].
type DynamicGradScaler struct {
	config Config
	scale  float64

	growthTracker     int
	hysteresisTracker int
}

// NewDynamicGradScaler creates a scaler from a validated
// config. The initial scale is clamped into range.
func NewDynamicGradScaler(c Config) (*DynamicGradScaler, error) {
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "create dynamic grad scaler")
	}
	return &DynamicGradScaler{
		config: c,
		scale:  math.Min(math.Max(c.InitialScale, c.MinScale), c.MaxScale),
	}, nil
}

// Config returns the scaler's configuration.
func (d *DynamicGradScaler) Config() Config {
	return d.config
}

// Scale returns the current loss scale.
func (d *DynamicGradScaler) Scale() float64 {
	return d.scale
}

// Update adjusts the scale after a step.
func (d *DynamicGradScaler) Update(foundOverflow bool) {
	if foundOverflow {
		d.scale = math.Max(d.scale*d.config.BackoffFactor, d.config.MinScale)
		d.growthTracker = 0
		d.hysteresisTracker = d.config.Hysteresis
		return
	}

	d.growthTracker++
	if d.growthTracker < d.config.GrowthInterval {
		return
	}
	d.growthTracker = 0
	if d.hysteresisTracker > 0 {
		d.hysteresisTracker--
	}
	if d.hysteresisTracker == 0 {
		d.scale = math.Min(d.scale*d.config.GrowthFactor, d.config.MaxScale)
	}
}

// GrowthTracker returns the number of clean steps in the
// current growth interval.
func (d *DynamicGradScaler) GrowthTracker() int {
	return d.growthTracker
}

// HysteresisTracker returns how many clean growth
// intervals must still complete before the scale may grow.
func (d *DynamicGradScaler) HysteresisTracker() int {
	return d.hysteresisTracker
}

// ConstantScaler is a LossScaler with a fixed scale.
type ConstantScaler float64

// Scale returns the fixed scale.
func (c ConstantScaler) Scale() float64 {
	return float64(c)
}

// Update does nothing.
func (c ConstantScaler) Update(foundOverflow bool) {
}
