package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the on-disk shape of planexec.yaml. Only the fields a
// deployer actually wants to override need to be present — every absent
// field is filled from DefaultConfig() via mergo.
type yamlConfig struct {
	Queue     *QueueConfig     `yaml:"queue"`
	PlanState *PlanStoreConfig `yaml:"planState"`
	Policy    *PolicyConfig    `yaml:"policy"`
	Dedupe    *DedupeConfig    `yaml:"dedupe"`
	Lock      *LockConfig      `yaml:"lock"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads planexec.yaml from configDir (if present), merges it over
// the built-in defaults, validates the result, and logs a summary.
func Initialize(configDir string) (*Config, error) {
	cfg, err := load(configDir)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	slog.Info("configuration loaded",
		"queue_backend", cfg.Queue.Backend,
		"planstore_backend", cfg.PlanStore.Backend,
		"policy_cache_enabled", cfg.Policy.Cache.Enabled,
		"retention_days", cfg.Retention.Days,
	)

	return cfg, nil
}

// load reads planexec.yaml (if it exists) and merges it over the built-in
// defaults. A missing file is not an error; the process runs on defaults
// alone.
func load(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(configDir, "planexec.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	var parsed yamlConfig
	if err := loadYAML(data, &parsed); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if parsed.Queue != nil {
		if err := mergo.Merge(&cfg.Queue, *parsed.Queue, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if parsed.PlanState != nil {
		if err := mergo.Merge(&cfg.PlanStore, *parsed.PlanState, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if parsed.Policy != nil {
		if err := mergo.Merge(&cfg.Policy, *parsed.Policy, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if parsed.Dedupe != nil {
		if err := mergo.Merge(&cfg.Dedupe, *parsed.Dedupe, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if parsed.Lock != nil {
		if err := mergo.Merge(&cfg.Lock, *parsed.Lock, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if parsed.Retention != nil {
		if err := mergo.Merge(&cfg.Retention, *parsed.Retention, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	cfg.Content = cfg.Retention.ContentCapture

	return cfg, nil
}

// loadYAML expands environment variable references (${VAR}/$VAR) before
// unmarshalling.
func loadYAML(data []byte, target interface{}) error {
	expanded := ExpandEnv(data)
	return yaml.Unmarshal(expanded, target)
}
