// Package config defines runtime settings and their defaults. Settings are
// loaded from a config file, environment, and flags through viper; missing
// fields fall back to defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"maptile-export/internal/sources"
)

// Settings holds the tunables for the download pipeline and server.
type Settings struct {
	// Downloader settings.
	MaxConcurrent int           `json:"maxConcurrent" mapstructure:"max_concurrent"`
	RetryCount    int           `json:"retryCount" mapstructure:"retry_count"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	RequestDelay  time.Duration `json:"requestDelay" mapstructure:"request_delay"`
	Proxy         string        `json:"proxy" mapstructure:"proxy"`

	// Request ceiling, enforced before any network activity.
	MaxTiles int `json:"maxTiles" mapstructure:"max_tiles"`

	// Export settings.
	JPEGQuality int `json:"jpegQuality" mapstructure:"jpeg_quality"`

	// Task registry lifetime.
	TaskTTL      time.Duration `json:"taskTTL" mapstructure:"task_ttl"`
	MaxTasksHeld int           `json:"maxTasksHeld" mapstructure:"max_tasks_held"`

	// User-supplied tile sources merged into the built-in registry.
	CustomSources []sources.Source `json:"customSources" mapstructure:"custom_sources"`
}

// DefaultSettings returns the defaults the original service shipped with.
func DefaultSettings() *Settings {
	return &Settings{
		MaxConcurrent: 10,
		RetryCount:    3,
		Timeout:       30 * time.Second,
		RequestDelay:  100 * time.Millisecond,
		MaxTiles:      1000000,
		JPEGQuality:   90,
		TaskTTL:       10 * time.Minute,
		MaxTasksHeld:  256,
	}
}

// Normalize fills zero-valued fields with defaults, mirroring how partial
// config files are merged.
func (s *Settings) Normalize() {
	d := DefaultSettings()
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = d.MaxConcurrent
	}
	if s.RetryCount < 0 {
		s.RetryCount = d.RetryCount
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.RequestDelay < 0 {
		s.RequestDelay = d.RequestDelay
	}
	if s.MaxTiles <= 0 {
		s.MaxTiles = d.MaxTiles
	}
	if s.JPEGQuality <= 0 || s.JPEGQuality > 100 {
		s.JPEGQuality = d.JPEGQuality
	}
	if s.TaskTTL <= 0 {
		s.TaskTTL = d.TaskTTL
	}
	if s.MaxTasksHeld <= 0 {
		s.MaxTasksHeld = d.MaxTasksHeld
	}
}

// Load unmarshals settings from a configured viper instance and
// normalizes them.
func Load(v *viper.Viper) (*Settings, error) {
	s := DefaultSettings()
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.Normalize()
	return s, nil
}

// Sources builds the effective source registry: built-ins plus any custom
// sources. Malformed custom sources fail loading rather than being
// silently dropped.
func (s *Settings) Sources() (*sources.Registry, error) {
	reg := sources.BuiltIn()
	if len(s.CustomSources) == 0 {
		return reg, nil
	}
	return reg.WithCustom(s.CustomSources...)
}
