package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ScheduleEntry is one task declaration in heartbeat.yaml.
type ScheduleEntry struct {
	Name           string         `yaml:"name" json:"name" validate:"required"`
	Schedule       string         `yaml:"schedule" json:"schedule"`
	Task           string         `yaml:"task" json:"task" validate:"required"`
	Enabled        *bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Priority       int            `yaml:"priority" json:"priority"`
	TimeoutSeconds int            `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int            `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=10"`
	TierMinimum    string         `yaml:"tier_minimum" json:"tier_minimum" validate:"omitempty,oneof=dead critical low_compute normal high"`
	Params         map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (e ScheduleEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ScheduleConfig is the whole heartbeat.yaml document.
type ScheduleConfig struct {
	Entries              []ScheduleEntry `yaml:"entries" json:"entries" validate:"dive"`
	DefaultIntervalMS    int64           `yaml:"default_interval_ms" json:"default_interval_ms" validate:"gte=0"`
	LowComputeMultiplier float64         `yaml:"low_compute_multiplier" json:"low_compute_multiplier" validate:"gte=0"`
}

// ParseSchedule decodes and structurally validates a heartbeat.yaml document.
// Task keys, trigger expressions and params are checked by the heartbeat package.
func ParseSchedule(data []byte) (ScheduleConfig, error) {
	var sc ScheduleConfig
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse heartbeat.yaml: %w", err)
	}
	if err := validator.New().Struct(sc); err != nil {
		return sc, fmt.Errorf("validate heartbeat.yaml: %w", err)
	}
	seen := make(map[string]struct{}, len(sc.Entries))
	for _, e := range sc.Entries {
		if _, dup := seen[e.Name]; dup {
			return sc, fmt.Errorf("validate heartbeat.yaml: duplicate entry %q", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return sc, nil
}

// ReadSchedule reads heartbeat.yaml from path. A missing file returns os.ErrNotExist.
func ReadSchedule(path string) (ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScheduleConfig{}, err
	}
	return ParseSchedule(data)
}

// WriteSchedule writes sc to path as YAML.
func WriteSchedule(path string, sc ScheduleConfig) error {
	out, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal heartbeat.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
