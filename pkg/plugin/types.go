package plugin

import (
	"context"
	"errors"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/pkg/version"
)

var (
	// ErrDuplicatePluginKey is returned when installing a plugin whose key
	// is already present.
	ErrDuplicatePluginKey = errors.New("duplicate plugin key")

	// ErrPluginNotFound is returned for operations on unknown plugin keys.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrInvalidLifecycleTransition is returned when a requested transition
	// is not legal from the plugin's current state.
	ErrInvalidLifecycleTransition = errors.New("invalid lifecycle transition")

	// ErrIncompatiblePluginVersion is returned when a plugin's minimum
	// platform version cannot be satisfied by this host.
	ErrIncompatiblePluginVersion = errors.New("incompatible plugin version")

	// ErrPluginStillActive is returned when uninstalling a plugin that has
	// not been disabled first.
	ErrPluginStillActive = errors.New("plugin still active")

	// ErrPluginActivationFailed wraps an error raised by a plugin's
	// activation hook. The plugin is rolled back to RESOLVED.
	ErrPluginActivationFailed = errors.New("plugin activation failed")
)

// State is a plugin's lifecycle state.
type State string

const (
	StateInstalled State = "INSTALLED"
	StateResolved  State = "RESOLVED"
	StateStarting  State = "STARTING"
	StateActive    State = "ACTIVE"
	StateStopping  State = "STOPPING"
)

// Descriptor describes an installed plugin. State is managed by the
// Registry; the copies handed out by Get/List carry the state at read
// time.
type Descriptor struct {
	Key                string          `json:"key" yaml:"key"`
	Name               string          `json:"name" yaml:"name"`
	Version            version.Version `json:"version" yaml:"version"`
	MinPlatformVersion version.Version `json:"min_platform_version" yaml:"min_platform_version"`
	Vendor             string          `json:"vendor,omitempty" yaml:"vendor,omitempty"`

	// Exports lists the extension point types the plugin declares it can
	// contribute to.
	Exports []string `json:"exports,omitempty" yaml:"exports,omitempty"`

	State State `json:"state" yaml:"-"`
}

// Host is the surface a plugin may touch from its lifecycle hooks.
// Contributions are attributed to the owning plugin automatically so the
// registry can tear them down wholesale.
type Host interface {
	// RegisterExtension contributes one extension registration. The owner
	// field is forced to the plugin's key.
	RegisterExtension(reg extension.Registration) error

	// ScheduleJob schedules a job owned by the plugin. The job group is
	// forced to the plugin's key.
	ScheduleJob(def scheduler.JobDefinition, trig *scheduler.TriggerDefinition, handler scheduler.Handler) error

	// PluginKey returns the key of the plugin this host is scoped to.
	PluginKey() string
}

// Instance is the runtime handle of an installed plugin: an opaque
// module exposing activation hooks. The registry invokes Activate while
// the plugin is STARTING and Deactivate while it is STOPPING, never
// holding a registry lock across either call.
type Instance interface {
	Activate(ctx context.Context, host Host) error
	Deactivate(ctx context.Context, host Host) error
}

// InstanceFuncs adapts plain functions to Instance. Nil hooks are no-ops.
type InstanceFuncs struct {
	OnActivate   func(ctx context.Context, host Host) error
	OnDeactivate func(ctx context.Context, host Host) error
}

func (f InstanceFuncs) Activate(ctx context.Context, host Host) error {
	if f.OnActivate == nil {
		return nil
	}
	return f.OnActivate(ctx, host)
}

func (f InstanceFuncs) Deactivate(ctx context.Context, host Host) error {
	if f.OnDeactivate == nil {
		return nil
	}
	return f.OnDeactivate(ctx, host)
}
