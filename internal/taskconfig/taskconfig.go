// Package taskconfig supplies the per-task thresholds used by the execution
// context: liveness mode, concurrency, recovery windows, block budgets and
// retention.
package taskconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

// TaskConfig is the read-only configuration of one task.
type TaskConfig struct {
	Application string `yaml:"application"`
	Name        string `yaml:"name"`

	Enabled          bool `yaml:"enabled"`
	ConcurrencyLimit int  `yaml:"concurrency_limit"`

	DeathMode               domain.DeathMode `yaml:"death_mode"`
	KeepAliveInterval       time.Duration    `yaml:"keep_alive_interval"`
	KeepAliveDeathThreshold time.Duration    `yaml:"keep_alive_death_threshold"`
	OverrideThreshold       time.Duration    `yaml:"override_threshold"`

	ReprocessFailed  bool          `yaml:"reprocess_failed"`
	FailedLookback   time.Duration `yaml:"failed_lookback"`
	FailedRetryLimit int           `yaml:"failed_retry_limit"`
	ReprocessDead    bool          `yaml:"reprocess_dead"`
	DeadLookback     time.Duration `yaml:"dead_lookback"`
	DeadRetryLimit   int           `yaml:"dead_retry_limit"`

	// MaxBlocks caps recovered and range blocks per generation call.
	MaxBlocks             int `yaml:"max_blocks"`
	CompressionThreshold  int `yaml:"compression_threshold"`
	MaxStatusReasonLength int `yaml:"max_status_reason_length"`

	CriticalSectionTimeout  time.Duration `yaml:"critical_section_timeout"`
	CriticalSectionAttempts int           `yaml:"critical_section_attempts"`

	// CleanupSchedule is a standard cron expression. Empty disables cleanup.
	CleanupSchedule    string        `yaml:"cleanup_schedule"`
	KeepListItemsFor   time.Duration `yaml:"keep_list_items_for"`
	KeepGeneralDataFor time.Duration `yaml:"keep_general_data_for"`
}

// Default returns the configuration applied to any field a task does not set.
func Default() TaskConfig {
	return TaskConfig{
		Enabled:                 true,
		ConcurrencyLimit:        1,
		DeathMode:               domain.DeathModeKeepAlive,
		KeepAliveInterval:       time.Minute,
		KeepAliveDeathThreshold: 10 * time.Minute,
		OverrideThreshold:       2 * time.Hour,
		FailedLookback:          24 * time.Hour,
		FailedRetryLimit:        3,
		DeadLookback:            24 * time.Hour,
		DeadRetryLimit:          3,
		MaxBlocks:               0,
		CompressionThreshold:    2048,
		MaxStatusReasonLength:   1000,
		CriticalSectionTimeout:  20 * time.Second,
		CriticalSectionAttempts: 3,
		CleanupSchedule:         "0 3 * * *",
		KeepListItemsFor:        14 * 24 * time.Hour,
		KeepGeneralDataFor:      40 * 24 * time.Hour,
	}
}

// Task labels metrics and logs.
func (c TaskConfig) Task() string { return c.Application + "/" + c.Name }

// DeathTTL is how long a run may go without a liveness signal before it is
// considered dead under its own mode.
func (c TaskConfig) DeathTTL() time.Duration {
	if c.DeathMode == domain.DeathModeOverride {
		return c.OverrideThreshold
	}
	return c.KeepAliveDeathThreshold
}

// Validate reports the first inconsistent field.
func (c TaskConfig) Validate() error {
	switch {
	case c.Application == "" || c.Name == "":
		return fmt.Errorf("task config: application and name are required")
	case !c.DeathMode.Valid():
		return fmt.Errorf("task config %s: unknown death mode %q", c.Task(), c.DeathMode)
	case c.DeathMode == domain.DeathModeKeepAlive && c.KeepAliveInterval <= 0:
		return fmt.Errorf("task config %s: keep_alive_interval must be positive", c.Task())
	case c.DeathMode == domain.DeathModeKeepAlive && c.KeepAliveDeathThreshold <= c.KeepAliveInterval:
		return fmt.Errorf("task config %s: keep_alive_death_threshold must exceed keep_alive_interval", c.Task())
	case c.DeathMode == domain.DeathModeOverride && c.OverrideThreshold <= 0:
		return fmt.Errorf("task config %s: override_threshold must be positive", c.Task())
	case c.FailedRetryLimit < 0 || c.DeadRetryLimit < 0:
		return fmt.Errorf("task config %s: retry limits cannot be negative", c.Task())
	case c.CriticalSectionAttempts < 1:
		return fmt.Errorf("task config %s: critical_section_attempts must be at least 1", c.Task())
	case c.CleanupSchedule != "" && (c.KeepListItemsFor <= 0 || c.KeepGeneralDataFor <= 0):
		return fmt.Errorf("task config %s: keep_list_items_for and keep_general_data_for must be positive when cleanup_schedule is set", c.Task())
	}
	return nil
}

// Provider returns the configuration of a task.
type Provider interface {
	Get(ctx context.Context, application, name string) (TaskConfig, error)
}

// Static serves one fixed configuration per task, keyed by application/name.
type Static map[string]TaskConfig

func (s Static) Get(_ context.Context, application, name string) (TaskConfig, error) {
	if cfg, ok := s[application+"/"+name]; ok {
		return cfg, nil
	}
	cfg := Default()
	cfg.Application, cfg.Name = application, name
	return cfg, nil
}
