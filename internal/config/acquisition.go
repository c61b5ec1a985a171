package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical acquisition defaults file.
const DefaultConfigPath = "config/acquisition.defaults.json"

// AcquisitionConfig represents the tuning parameters of the survey engine.
// Fields are pointers so a partial JSON file only overrides what it names;
// the Get* accessors supply the compiled-in defaults for everything else.
type AcquisitionConfig struct {
	// Burst params
	BaseDuration    *string  `json:"base_duration,omitempty"` // duration string like "10s"
	MaxDuration     *string  `json:"max_duration,omitempty"`  // duration string like "120s"
	FroudeThreshold *float64 `json:"froude_threshold,omitempty"`
	DurationPolicy  *string  `json:"duration_policy,omitempty"` // "linear" or "threshold"
	DurationGain    *float64 `json:"duration_gain,omitempty"`
	MinSamples      *int     `json:"min_samples,omitempty"`
	SampleRateHz    *float64 `json:"sample_rate_hz,omitempty"`

	// Quality gate params
	MinSNR         *float64 `json:"min_snr,omitempty"`         // dB
	MinCorrelation *float64 `json:"min_correlation,omitempty"` // percent

	// Motion params
	PositionTolerance  *int    `json:"position_tolerance_steps,omitempty"`
	MotionTimeout      *string `json:"motion_timeout,omitempty"`       // duration string like "60s"
	MotionPollInterval *string `json:"motion_poll_interval,omitempty"` // duration string like "50ms"
	RetryLimit         *int    `json:"retry_limit,omitempty"`

	// Grid params
	DuplicateToleranceFt *float64 `json:"duplicate_tolerance_ft,omitempty"`
}

// EmptyAcquisitionConfig returns an AcquisitionConfig with all fields nil.
func EmptyAcquisitionConfig() *AcquisitionConfig {
	return &AcquisitionConfig{}
}

// LoadAcquisitionConfig loads an AcquisitionConfig from a JSON file. Fields
// omitted from the file retain their defaults, so partial configs are safe.
func LoadAcquisitionConfig(path string) (*AcquisitionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAcquisitionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *AcquisitionConfig) Validate() error {
	if c.BaseDuration != nil && *c.BaseDuration != "" {
		if _, err := time.ParseDuration(*c.BaseDuration); err != nil {
			return fmt.Errorf("invalid base_duration '%s': %w", *c.BaseDuration, err)
		}
	}

	if c.MaxDuration != nil && *c.MaxDuration != "" {
		if _, err := time.ParseDuration(*c.MaxDuration); err != nil {
			return fmt.Errorf("invalid max_duration '%s': %w", *c.MaxDuration, err)
		}
	}

	if c.MotionTimeout != nil && *c.MotionTimeout != "" {
		if _, err := time.ParseDuration(*c.MotionTimeout); err != nil {
			return fmt.Errorf("invalid motion_timeout '%s': %w", *c.MotionTimeout, err)
		}
	}

	if c.MotionPollInterval != nil && *c.MotionPollInterval != "" {
		if _, err := time.ParseDuration(*c.MotionPollInterval); err != nil {
			return fmt.Errorf("invalid motion_poll_interval '%s': %w", *c.MotionPollInterval, err)
		}
	}

	if c.DurationPolicy != nil {
		switch *c.DurationPolicy {
		case "linear", "threshold":
		default:
			return fmt.Errorf("duration_policy must be \"linear\" or \"threshold\", got %q", *c.DurationPolicy)
		}
	}

	if c.MinCorrelation != nil {
		if *c.MinCorrelation < 0 || *c.MinCorrelation > 100 {
			return fmt.Errorf("min_correlation must be between 0 and 100, got %f", *c.MinCorrelation)
		}
	}

	if c.MinSamples != nil {
		if *c.MinSamples <= 0 {
			return fmt.Errorf("min_samples must be positive, got %d", *c.MinSamples)
		}
	}

	if c.SampleRateHz != nil {
		if *c.SampleRateHz <= 0 {
			return fmt.Errorf("sample_rate_hz must be positive, got %f", *c.SampleRateHz)
		}
	}

	if c.RetryLimit != nil {
		if *c.RetryLimit < 0 {
			return fmt.Errorf("retry_limit must be non-negative, got %d", *c.RetryLimit)
		}
	}

	return nil
}

// GetBaseDuration parses and returns the BaseDuration as a time.Duration.
func (c *AcquisitionConfig) GetBaseDuration() time.Duration {
	if c.BaseDuration == nil || *c.BaseDuration == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.BaseDuration)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}

// GetMaxDuration parses and returns the MaxDuration as a time.Duration.
func (c *AcquisitionConfig) GetMaxDuration() time.Duration {
	if c.MaxDuration == nil || *c.MaxDuration == "" {
		return 120 * time.Second // default
	}
	d, err := time.ParseDuration(*c.MaxDuration)
	if err != nil {
		return 120 * time.Second // default on parse error
	}
	return d
}

// GetFroudeThreshold returns the froude_threshold value or the default.
func (c *AcquisitionConfig) GetFroudeThreshold() float64 {
	if c.FroudeThreshold == nil {
		return 1.0
	}
	return *c.FroudeThreshold
}

// GetDurationPolicy returns the duration_policy value or the default.
func (c *AcquisitionConfig) GetDurationPolicy() string {
	if c.DurationPolicy == nil {
		return "linear"
	}
	return *c.DurationPolicy
}

// GetDurationGain returns the duration_gain value or the default.
func (c *AcquisitionConfig) GetDurationGain() float64 {
	if c.DurationGain == nil {
		return 0.5
	}
	return *c.DurationGain
}

// GetMinSamples returns the min_samples value or the default.
func (c *AcquisitionConfig) GetMinSamples() int {
	if c.MinSamples == nil {
		return 10
	}
	return *c.MinSamples
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *AcquisitionConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return 10.0 // FlowTracker2 streams at 10Hz
	}
	return *c.SampleRateHz
}

// GetMinSNR returns the min_snr value or the default.
func (c *AcquisitionConfig) GetMinSNR() float64 {
	if c.MinSNR == nil {
		return 5.0
	}
	return *c.MinSNR
}

// GetMinCorrelation returns the min_correlation value or the default.
func (c *AcquisitionConfig) GetMinCorrelation() float64 {
	if c.MinCorrelation == nil {
		return 70.0
	}
	return *c.MinCorrelation
}

// GetPositionTolerance returns the position_tolerance_steps value or the default.
func (c *AcquisitionConfig) GetPositionTolerance() int {
	if c.PositionTolerance == nil {
		return 1
	}
	return *c.PositionTolerance
}

// GetMotionTimeout parses and returns the MotionTimeout as a time.Duration.
func (c *AcquisitionConfig) GetMotionTimeout() time.Duration {
	if c.MotionTimeout == nil || *c.MotionTimeout == "" {
		return 60 * time.Second // default
	}
	d, err := time.ParseDuration(*c.MotionTimeout)
	if err != nil {
		return 60 * time.Second // default on parse error
	}
	return d
}

// GetMotionPollInterval parses and returns the MotionPollInterval as a time.Duration.
func (c *AcquisitionConfig) GetMotionPollInterval() time.Duration {
	if c.MotionPollInterval == nil || *c.MotionPollInterval == "" {
		return 50 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.MotionPollInterval)
	if err != nil {
		return 50 * time.Millisecond // default on parse error
	}
	return d
}

// GetRetryLimit returns the retry_limit value or the default.
func (c *AcquisitionConfig) GetRetryLimit() int {
	if c.RetryLimit == nil {
		return 3
	}
	return *c.RetryLimit
}

// GetDuplicateToleranceFt returns the duplicate_tolerance_ft value or the default.
func (c *AcquisitionConfig) GetDuplicateToleranceFt() float64 {
	if c.DuplicateToleranceFt == nil {
		return 0.01
	}
	return *c.DuplicateToleranceFt
}
