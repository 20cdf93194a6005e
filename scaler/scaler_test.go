package scaler

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	c := DefaultConfig()
	c.InitialScale = 1024
	c.GrowthInterval = 2
	return c
}

func TestDynamicGradScalerScenario(t *testing.T) {
	s, err := NewDynamicGradScaler(testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1024.0, s.Scale())

	s.Update(false)
	assert.Equal(t, 1024.0, s.Scale())
	assert.Equal(t, 1, s.GrowthTracker())
	s.Update(false)
	assert.Equal(t, 2048.0, s.Scale())
	assert.Equal(t, 0, s.GrowthTracker())

	s.Update(true)
	assert.Equal(t, 1024.0, s.Scale())
}

func TestDynamicGradScalerHysteresis(t *testing.T) {
	s, err := NewDynamicGradScaler(testConfig())
	require.NoError(t, err)

	s.Update(true)
	assert.Equal(t, 512.0, s.Scale())
	assert.Equal(t, 2, s.HysteresisTracker())

	// One clean interval is not enough after a backoff.
	s.Update(false)
	s.Update(false)
	assert.Equal(t, 512.0, s.Scale())
	assert.Equal(t, 1, s.HysteresisTracker())

	s.Update(false)
	s.Update(false)
	assert.Equal(t, 1024.0, s.Scale())
	assert.Equal(t, 0, s.HysteresisTracker())

	// Once satisfied, every interval grows the scale.
	s.Update(false)
	s.Update(false)
	assert.Equal(t, 2048.0, s.Scale())
}

func TestDynamicGradScalerOverflowResetsInterval(t *testing.T) {
	c := testConfig()
	c.Hysteresis = 1
	s, err := NewDynamicGradScaler(c)
	require.NoError(t, err)

	s.Update(false)
	s.Update(true)
	s.Update(false)
	assert.Equal(t, 512.0, s.Scale())
	s.Update(false)
	assert.Equal(t, 1024.0, s.Scale())
}

func TestDynamicGradScalerBounds(t *testing.T) {
	c := Config{
		InitialScale:   8,
		MinScale:       1,
		MaxScale:       64,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 3,
		Hysteresis:     2,
	}
	gen := rand.New(rand.NewSource(1337))
	for trial := 0; trial < 100; trial++ {
		s, err := NewDynamicGradScaler(c)
		require.NoError(t, err)
		overflowProb := gen.Float64()
		for i := 0; i < 200; i++ {
			before := s.Scale()
			overflow := gen.Float64() < overflowProb
			s.Update(overflow)
			if s.Scale() < c.MinScale || s.Scale() > c.MaxScale {
				t.Fatalf("trial %d step %d: scale %v out of range", trial, i, s.Scale())
			}
			if overflow && s.Scale() > before {
				t.Fatalf("trial %d step %d: scale grew on overflow", trial, i)
			}
		}
	}
}

func TestDynamicGradScalerClamps(t *testing.T) {
	c := testConfig()
	c.InitialScale = 1 << 40
	s, err := NewDynamicGradScaler(c)
	require.NoError(t, err)
	assert.Equal(t, c.MaxScale, s.Scale())

	s.Update(false)
	s.Update(false)
	assert.Equal(t, c.MaxScale, s.Scale(), "growth is capped")

	c.InitialScale = 2
	s, err = NewDynamicGradScaler(c)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s.Update(true)
	}
	assert.Equal(t, c.MinScale, s.Scale())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(c *Config){
		"GrowthFactor":   func(c *Config) { c.GrowthFactor = 1 },
		"BackoffFactor":  func(c *Config) { c.BackoffFactor = 1 },
		"ZeroBackoff":    func(c *Config) { c.BackoffFactor = 0 },
		"GrowthInterval": func(c *Config) { c.GrowthInterval = 0 },
		"Hysteresis":     func(c *Config) { c.Hysteresis = 0 },
		"MinScale":       func(c *Config) { c.MinScale = 0 },
		"MaxScale":       func(c *Config) { c.MaxScale = 0.5 },
		"HugeMaxScale":   func(c *Config) { c.MaxScale = math.MaxFloat32 * 2 },
		"InitialScale":   func(c *Config) { c.InitialScale = -1 },
	} {
		c := DefaultConfig()
		mutate(&c)
		_, err := NewDynamicGradScaler(c)
		assert.Error(t, err, name)
	}

	c := DefaultConfig()
	c.MaxScale = math.MaxFloat32
	assert.NoError(t, c.Validate())
}

func TestConstantScaler(t *testing.T) {
	var s LossScaler = ConstantScaler(128)
	s.Update(true)
	s.Update(false)
	assert.Equal(t, 128.0, s.Scale())
}
