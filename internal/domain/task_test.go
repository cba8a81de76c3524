package domain_test

import (
	"testing"
	"time"

	"github.com/ramiqadoumi/go-block-flow/internal/domain"
)

func TestDeathModeValid(t *testing.T) {
	tests := []struct {
		mode domain.DeathMode
		want bool
	}{
		{domain.DeathModeKeepAlive, true},
		{domain.DeathModeOverride, true},
		{"", false},
		{"HEARTBEAT", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.Valid(); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestIsDead_Override(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		startedAt time.Time
		want      bool
	}{
		{"long past threshold", now.Add(-250 * time.Minute), true},
		{"just inside threshold", now.Add(-30 * time.Second), false},
		{"exactly at threshold", now.Add(-time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := domain.TaskExecution{
				Mode:              domain.DeathModeOverride,
				StartedAt:         tt.startedAt,
				OverrideThreshold: time.Minute,
			}
			if got := exec.IsDead(now); got != tt.want {
				t.Errorf("IsDead = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDead_KeepAlive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name          string
		lastKeepAlive time.Time
		want          bool
	}{
		{"stale heartbeat", now.Add(-250 * time.Minute), true},
		{"fresh heartbeat", now.Add(-2 * time.Minute), false},
		{"exactly at threshold", now.Add(-5 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := domain.TaskExecution{
				Mode:                    domain.DeathModeKeepAlive,
				StartedAt:               now.Add(-300 * time.Minute),
				LastKeepAlive:           tt.lastKeepAlive,
				KeepAliveDeathThreshold: 5 * time.Minute,
			}
			if got := exec.IsDead(now); got != tt.want {
				t.Errorf("IsDead = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDead_KeepAliveIgnoresStartTime(t *testing.T) {
	now := time.Now()
	exec := domain.TaskExecution{
		Mode:                    domain.DeathModeKeepAlive,
		StartedAt:               now.Add(-24 * time.Hour),
		LastKeepAlive:           now.Add(-10 * time.Second),
		KeepAliveDeathThreshold: time.Minute,
		OverrideThreshold:       time.Second,
	}
	if exec.IsDead(now) {
		t.Error("keep-alive execution with fresh heartbeat reported dead")
	}
}
