package taskconfig_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
	"github.com/ramiqadoumi/go-block-flow/internal/taskconfig"
)

const tasksYAML = `
defaults:
  keep_alive_interval: 30s
  keep_alive_death_threshold: 3m
  max_blocks: 50
tasks:
  - application: billing
    name: export
    concurrency_limit: 4
    reprocess_failed: true
    failed_retry_limit: 1
  - application: billing
    name: nightly
    death_mode: OVERRIDE
    override_threshold: 90m
    enabled: false
`

func TestParse_OverlaysDefaults(t *testing.T) {
	f, err := taskconfig.Parse([]byte(tasksYAML))
	require.NoError(t, err)

	cfg, err := f.Get(context.Background(), "billing", "export")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ConcurrencyLimit)
	assert.True(t, cfg.ReprocessFailed)
	assert.Equal(t, 1, cfg.FailedRetryLimit)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval, "from document defaults")
	assert.Equal(t, 50, cfg.MaxBlocks, "from document defaults")
	assert.Equal(t, 3, cfg.CriticalSectionAttempts, "from built-in defaults")
	assert.True(t, cfg.Enabled)

	nightly, err := f.Get(context.Background(), "billing", "nightly")
	require.NoError(t, err)
	assert.Equal(t, domain.DeathModeOverride, nightly.DeathMode)
	assert.Equal(t, 90*time.Minute, nightly.OverrideThreshold)
	assert.Equal(t, 90*time.Minute, nightly.DeathTTL())
	assert.False(t, nightly.Enabled)
}

func TestFile_UnknownTaskGetsDefaults(t *testing.T) {
	f, err := taskconfig.Parse([]byte(tasksYAML))
	require.NoError(t, err)

	cfg, err := f.Get(context.Background(), "crm", "sync")
	require.NoError(t, err)
	assert.Equal(t, "crm/sync", cfg.Task())
	assert.Equal(t, 50, cfg.MaxBlocks)
	assert.Equal(t, 3*time.Minute, cfg.DeathTTL())
	assert.Len(t, f.Tasks(), 2)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad death mode", "tasks:\n  - {application: a, name: b, death_mode: SOMETIMES}\n"},
		{"threshold below interval", "tasks:\n  - {application: a, name: b, keep_alive_interval: 5m, keep_alive_death_threshold: 1m}\n"},
		{"missing name", "tasks:\n  - {application: a}\n"},
		{"duplicate", "tasks:\n  - {application: a, name: b}\n  - {application: a, name: b}\n"},
		{"bad duration", "tasks:\n  - {application: a, name: b, override_threshold: soon}\n"},
		{"zero list item retention", "tasks:\n  - {application: a, name: b, keep_list_items_for: 0s}\n"},
		{"negative data retention", "tasks:\n  - {application: a, name: b, keep_general_data_for: -1h}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := taskconfig.Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tasksYAML), 0o600))

	f, err := taskconfig.LoadFile(path)
	require.NoError(t, err)
	cfg, err := f.Get(context.Background(), "billing", "export")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ConcurrencyLimit)

	_, err = taskconfig.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestStatic_Get(t *testing.T) {
	custom := taskconfig.Default()
	custom.Application, custom.Name = "a", "b"
	custom.MaxBlocks = 7
	s := taskconfig.Static{"a/b": custom}

	cfg, err := s.Get(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxBlocks)

	other, err := s.Get(context.Background(), "x", "y")
	require.NoError(t, err)
	assert.Equal(t, "x/y", other.Task())
}

func TestValidate_RetentionOnlyCheckedWithSchedule(t *testing.T) {
	cfg := taskconfig.Default()
	cfg.Application, cfg.Name = "a", "b"
	cfg.KeepGeneralDataFor = 0
	assert.Error(t, cfg.Validate())

	cfg.CleanupSchedule = ""
	assert.NoError(t, cfg.Validate(), "no schedule, no cleanup")
}
