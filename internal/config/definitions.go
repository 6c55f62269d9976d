package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration parses human-readable values like "30s" or "5m" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q cannot be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PoolSpec sizes the connection pool of one resource.
type PoolSpec struct {
	MinSize        int      `yaml:"min_size" validate:"min=0,ltefield=MaxSize"`
	MaxSize        int      `yaml:"max_size" validate:"required,min=1"`
	IdleTTL        Duration `yaml:"idle_ttl"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// DatabaseSpec configures a postgres-backed resource.
type DatabaseSpec struct {
	DSN string `yaml:"dsn" validate:"required"`
}

// APISpec configures an HTTP API resource.
type APISpec struct {
	BaseURL    string   `yaml:"base_url" validate:"required,url"`
	HealthPath string   `yaml:"health_path"`
	Timeout    Duration `yaml:"timeout"`
}

// FileSpec configures a local file store resource.
type FileSpec struct {
	Path string `yaml:"path" validate:"required"`
}

// CacheSpec configures an in-process cache resource.
type CacheSpec struct {
	MaxEntries int      `yaml:"max_entries" validate:"min=0"`
	DefaultTTL Duration `yaml:"default_ttl"`
}

// ResourceSpec is one entry in the resource definitions file. Exactly
// one kind-specific section must be present and it must match Kind.
type ResourceSpec struct {
	ID           string   `yaml:"id" validate:"required"`
	Kind         string   `yaml:"kind" validate:"required,oneof=database api file cache"`
	StartTimeout Duration `yaml:"start_timeout"`
	ProbeTimeout Duration `yaml:"probe_timeout"`

	Pool *PoolSpec `yaml:"pool"`

	Database *DatabaseSpec `yaml:"database"`
	API      *APISpec      `yaml:"api"`
	File     *FileSpec     `yaml:"file"`
	Cache    *CacheSpec    `yaml:"cache"`
}

type definitionsFile struct {
	Resources []ResourceSpec `yaml:"resources"`
}

// LoadDefinitions reads and validates the YAML resource definitions file.
func LoadDefinitions(path string) ([]ResourceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions file: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse definitions file: %w", err)
	}
	if len(file.Resources) == 0 {
		return nil, fmt.Errorf("definitions file %s contains no resources", path)
	}

	if err := validateDefinitions(file.Resources); err != nil {
		return nil, err
	}
	return file.Resources, nil
}

func validateDefinitions(specs []ResourceSpec) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return fmt.Errorf("resource %d (%s): %w", i, spec.ID, err)
		}
		if seen[spec.ID] {
			return fmt.Errorf("duplicate resource id %q", spec.ID)
		}
		seen[spec.ID] = true

		if err := validateKindSection(spec); err != nil {
			return fmt.Errorf("resource %q: %w", spec.ID, err)
		}
	}
	return nil
}

// validateKindSection checks that the section matching Kind is present
// and no other kind section is set.
func validateKindSection(spec ResourceSpec) error {
	sections := map[string]bool{
		"database": spec.Database != nil,
		"api":      spec.API != nil,
		"file":     spec.File != nil,
		"cache":    spec.Cache != nil,
	}

	if !sections[spec.Kind] {
		return fmt.Errorf("kind %s requires a %s section", spec.Kind, spec.Kind)
	}
	for name, present := range sections {
		if present && name != spec.Kind {
			return fmt.Errorf("kind %s does not allow a %s section", spec.Kind, name)
		}
	}
	return nil
}
