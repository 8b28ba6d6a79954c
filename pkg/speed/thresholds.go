package speed

import (
	"fmt"
	"time"
)

const (
	DefaultMaxGapSeconds        = 600
	DefaultMaxSpeedMPS          = 33.0
	DefaultSlowSpeedMPS         = 1.4
	DefaultIntervalWidthMinutes = 30

	minutesPerDay = 24 * 60
)

// Thresholds parameterises segment filtering, bucketing and classification.
type Thresholds struct {
	// MaxGapSeconds is the largest elapsed time still treated as continuous travel
	MaxGapSeconds float64
	// MaxSpeedMPS is the largest plausible speed; faster segments are GPS noise
	MaxSpeedMPS float64
	// SlowSpeedMPS is the congestion threshold, compared strictly
	SlowSpeedMPS float64
	// IntervalWidthMinutes is the aggregation window, aligned to UTC midnight
	IntervalWidthMinutes int
	// GroupByAccessible adds the accessibility flag to the bucket key
	GroupByAccessible bool
}

// DefaultThresholds returns the thresholds used by the production pipeline.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxGapSeconds:        DefaultMaxGapSeconds,
		MaxSpeedMPS:          DefaultMaxSpeedMPS,
		SlowSpeedMPS:         DefaultSlowSpeedMPS,
		IntervalWidthMinutes: DefaultIntervalWidthMinutes,
	}
}

// Validate checks that the thresholds describe a usable configuration.
func (t Thresholds) Validate() error {
	if t.MaxGapSeconds <= 0 {
		return fmt.Errorf("max gap must be positive, got %v", t.MaxGapSeconds)
	}
	if t.MaxSpeedMPS <= 0 {
		return fmt.Errorf("max speed must be positive, got %v", t.MaxSpeedMPS)
	}
	if t.SlowSpeedMPS < 0 {
		return fmt.Errorf("slow speed must not be negative, got %v", t.SlowSpeedMPS)
	}
	if t.IntervalWidthMinutes <= 0 || minutesPerDay%t.IntervalWidthMinutes != 0 {
		return fmt.Errorf("interval width must divide a day into whole intervals, got %d minutes", t.IntervalWidthMinutes)
	}
	return nil
}

// IntervalWidth returns the aggregation window as a duration.
func (t Thresholds) IntervalWidth() time.Duration {
	return time.Duration(t.IntervalWidthMinutes) * time.Minute
}
