package plugin

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/pkg/version"
)

// Manifest is the on-disk YAML description of a plugin: identity,
// version floor, and the extensions it contributes declaratively.
type Manifest struct {
	Key                string `yaml:"key"`
	Name               string `yaml:"name"`
	Version            string `yaml:"version"`
	Vendor             string `yaml:"vendor,omitempty"`
	MinPlatformVersion string `yaml:"min_platform_version"`

	Extensions []ManifestExtension `yaml:"extensions,omitempty"`
}

// ManifestExtension declares one extension contribution. Scheduled-job
// extensions additionally carry trigger fields.
type ManifestExtension struct {
	Type               string            `yaml:"type"`
	Key                string            `yaml:"key"`
	Weight             int               `yaml:"weight,omitempty"`
	Location           string            `yaml:"location,omitempty"`
	RequiredPermission string            `yaml:"required_permission,omitempty"`
	APIVersionMin      string            `yaml:"api_version_min,omitempty"`
	APIVersionMax      string            `yaml:"api_version_max,omitempty"`
	Metadata           map[string]string `yaml:"metadata,omitempty"`

	// Trigger applies to scheduled-job extensions only.
	CronExpression string `yaml:"cron,omitempty"`
	TimeZone       string `yaml:"time_zone,omitempty"`
}

// ValidationError describes one manifest field problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadManifest loads and parses a plugin manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// Validate performs field validation and returns every problem found.
func (m *Manifest) Validate() []ValidationError {
	var errs []ValidationError

	if m.Key == "" {
		errs = append(errs, ValidationError{Field: "key", Message: "plugin key is required"})
	}
	if m.Name == "" {
		errs = append(errs, ValidationError{Field: "name", Message: "plugin name is required"})
	}
	if m.Version == "" {
		errs = append(errs, ValidationError{Field: "version", Message: "version is required"})
	} else if _, err := version.Parse(m.Version); err != nil {
		errs = append(errs, ValidationError{Field: "version", Message: fmt.Sprintf("invalid version %q", m.Version)})
	}
	if m.MinPlatformVersion == "" {
		errs = append(errs, ValidationError{Field: "min_platform_version", Message: "minimum platform version is required"})
	} else if _, err := version.Parse(m.MinPlatformVersion); err != nil {
		errs = append(errs, ValidationError{Field: "min_platform_version", Message: fmt.Sprintf("invalid version %q", m.MinPlatformVersion)})
	}

	for i, ext := range m.Extensions {
		if ext.Type == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("extensions[%d].type", i), Message: "extension type is required"})
		}
		if ext.Key == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("extensions[%d].key", i), Message: "extension key is required"})
		}
		if ext.APIVersionMin != "" {
			if _, err := version.Parse(ext.APIVersionMin); err != nil {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("extensions[%d].api_version_min", i), Message: fmt.Sprintf("invalid version %q", ext.APIVersionMin)})
			}
		}
		if ext.APIVersionMax != "" {
			if _, err := version.Parse(ext.APIVersionMax); err != nil {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("extensions[%d].api_version_max", i), Message: fmt.Sprintf("invalid version %q", ext.APIVersionMax)})
			}
		}
		if ext.Type == extension.TypeScheduledJob && ext.CronExpression == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("extensions[%d].cron", i), Message: "scheduled-job extension requires a cron expression"})
		}
	}
	return errs
}

// Descriptor builds the install descriptor for a validated manifest.
func (m *Manifest) Descriptor() (Descriptor, error) {
	v, err := version.Parse(m.Version)
	if err != nil {
		return Descriptor{}, err
	}
	minPlatform, err := version.Parse(m.MinPlatformVersion)
	if err != nil {
		return Descriptor{}, err
	}

	exports := make([]string, 0, len(m.Extensions))
	seen := make(map[string]bool)
	for _, ext := range m.Extensions {
		if !seen[ext.Type] {
			seen[ext.Type] = true
			exports = append(exports, ext.Type)
		}
	}

	return Descriptor{
		Key:                m.Key,
		Name:               m.Name,
		Version:            v,
		MinPlatformVersion: minPlatform,
		Vendor:             m.Vendor,
		Exports:            exports,
	}, nil
}

// Instance builds a manifest-backed plugin instance: activation registers
// every declared extension, deactivation has nothing to do (the registry
// tears contributions down itself).
func (m *Manifest) Instance() Instance {
	extensions := make([]ManifestExtension, len(m.Extensions))
	copy(extensions, m.Extensions)

	return InstanceFuncs{
		OnActivate: func(ctx context.Context, host Host) error {
			for _, ext := range extensions {
				reg, err := ext.registration()
				if err != nil {
					return err
				}
				if err := host.RegisterExtension(reg); err != nil {
					return err
				}
				if ext.Type == extension.TypeScheduledJob {
					if err := scheduleManifestJob(host, ext); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func (e ManifestExtension) registration() (extension.Registration, error) {
	var apiRange version.Range
	if e.APIVersionMin != "" {
		min, err := version.Parse(e.APIVersionMin)
		if err != nil {
			return extension.Registration{}, err
		}
		apiRange.Min = min
	}
	if e.APIVersionMax != "" {
		max, err := version.Parse(e.APIVersionMax)
		if err != nil {
			return extension.Registration{}, err
		}
		apiRange.Max = max
	}

	metadata := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}

	return extension.Registration{
		Type:               e.Type,
		Key:                e.Key,
		Weight:             e.Weight,
		Location:           e.Location,
		RequiredPermission: e.RequiredPermission,
		APIVersions:        apiRange,
		Metadata:           metadata,
	}, nil
}

// scheduleManifestJob schedules a declared scheduled-job extension. The
// job body only logs; manifest-driven plugins carry no code, they exist
// to expose contributions to lookups and dashboards.
func scheduleManifestJob(host Host, ext ManifestExtension) error {
	return host.ScheduleJob(
		scheduler.JobDefinition{
			Name: ext.Key,
			Data: map[string]interface{}{"declared_by": "manifest"},
		},
		&scheduler.TriggerDefinition{
			Name:           ext.Key,
			Type:           scheduler.TriggerTypeCron,
			CronExpression: ext.CronExpression,
			TimeZone:       ext.TimeZone,
		},
		func(ctx context.Context, exec scheduler.Execution) error {
			return nil
		},
	)
}
