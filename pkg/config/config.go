package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"olhovivo2speeds/pkg/speed"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ThresholdsFile is the YAML shape of a thresholds override file. Keys left
// out of the file keep their default value.
type ThresholdsFile struct {
	MaxGapSeconds        float64 `yaml:"max_gap_seconds" validate:"gt=0"`
	MaxSpeedMPS          float64 `yaml:"max_speed_mps" validate:"gt=0"`
	SlowSpeedMPS         float64 `yaml:"slow_speed_mps" validate:"gte=0,ltfield=MaxSpeedMPS"`
	IntervalWidthMinutes int     `yaml:"interval_width_minutes" validate:"gt=0,lte=1440"`
	GroupByAccessible    bool    `yaml:"group_by_accessible"`
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		slog.Debug("Loaded environment file", "path", p)
	}
	return nil
}

// LoadThresholds returns the default thresholds, overridden by the YAML file
// at path when path is not empty.
func LoadThresholds(path string) (speed.Thresholds, error) {
	if path == "" {
		return speed.DefaultThresholds(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return speed.Thresholds{}, fmt.Errorf("failed to read thresholds file: %w", err)
	}
	return ParseThresholds(data)
}

// ParseThresholds decodes and validates a thresholds YAML document.
func ParseThresholds(data []byte) (speed.Thresholds, error) {
	def := speed.DefaultThresholds()
	file := ThresholdsFile{
		MaxGapSeconds:        def.MaxGapSeconds,
		MaxSpeedMPS:          def.MaxSpeedMPS,
		SlowSpeedMPS:         def.SlowSpeedMPS,
		IntervalWidthMinutes: def.IntervalWidthMinutes,
		GroupByAccessible:    def.GroupByAccessible,
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return speed.Thresholds{}, fmt.Errorf("failed to parse thresholds file: %w", err)
	}

	v := validator.New()
	if err := v.Struct(file); err != nil {
		return speed.Thresholds{}, fmt.Errorf("invalid thresholds: %w", err)
	}

	th := speed.Thresholds{
		MaxGapSeconds:        file.MaxGapSeconds,
		MaxSpeedMPS:          file.MaxSpeedMPS,
		SlowSpeedMPS:         file.SlowSpeedMPS,
		IntervalWidthMinutes: file.IntervalWidthMinutes,
		GroupByAccessible:    file.GroupByAccessible,
	}
	if err := th.Validate(); err != nil {
		return speed.Thresholds{}, fmt.Errorf("invalid thresholds: %w", err)
	}
	return th, nil
}
