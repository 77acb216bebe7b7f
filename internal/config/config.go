// Package config loads the engine's JSON configuration file. Fields are
// pointers so that a partial file only overrides what it names; the Get*
// methods supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EngineConfig is the root configuration for the analysis engine.
type EngineConfig struct {
	// Engine params
	MergeThreshold *float64 `json:"merge_threshold,omitempty"`
	Workers        *int     `json:"workers,omitempty"`
	QueueDepth     *int     `json:"queue_depth,omitempty"`

	// Annotation service params
	AnnotationService *string `json:"annotation_service,omitempty"`
	RequestTimeout    *string `json:"request_timeout,omitempty"` // duration string like "10s"

	// Notification params
	NotifyComments *bool `json:"notify_comments,omitempty"`
}

// EmptyEngineConfig returns an EngineConfig with all fields set to nil.
// Use LoadEngineConfig to load actual values from a file.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file fall back to defaults, so
// partial configs are safe.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	if c.MergeThreshold != nil {
		if *c.MergeThreshold < 0 || *c.MergeThreshold >= 1 {
			return fmt.Errorf("merge_threshold must be in [0, 1), got %f", *c.MergeThreshold)
		}
	}

	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", *c.Workers)
	}

	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be positive, got %d", *c.QueueDepth)
	}

	if c.RequestTimeout != nil && *c.RequestTimeout != "" {
		if _, err := time.ParseDuration(*c.RequestTimeout); err != nil {
			return fmt.Errorf("invalid request_timeout '%s': %w", *c.RequestTimeout, err)
		}
	}

	return nil
}

// GetMergeThreshold returns the merge_threshold value or the default.
func (c *EngineConfig) GetMergeThreshold() float64 {
	if c.MergeThreshold == nil {
		return 0.5 // default
	}
	return *c.MergeThreshold
}

// GetWorkers returns the workers value or the default.
func (c *EngineConfig) GetWorkers() int {
	if c.Workers == nil {
		return 2 // default
	}
	return *c.Workers
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *EngineConfig) GetQueueDepth() int {
	if c.QueueDepth == nil {
		return 64 // default
	}
	return *c.QueueDepth
}

// GetAnnotationService returns the annotation_service base URL, or "" when no
// remote annotation service is configured.
func (c *EngineConfig) GetAnnotationService() string {
	if c.AnnotationService == nil {
		return ""
	}
	return *c.AnnotationService
}

// GetRequestTimeout parses and returns the RequestTimeout as a time.Duration.
func (c *EngineConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout == nil || *c.RequestTimeout == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.RequestTimeout)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}

// GetNotifyComments returns the notify_comments value or the default.
func (c *EngineConfig) GetNotifyComments() bool {
	if c.NotifyComments == nil {
		return false // default: notifications disabled
	}
	return *c.NotifyComments
}
