package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/pkg/version"
)

// Options configures a Registry. Platform versions arrive explicitly;
// nothing here reads ambient globals.
type Options struct {
	// PlatformVersion is the host's own version, the ceiling for
	// compatibility checks.
	PlatformVersion version.Version

	// MinSupportedVersion is the oldest platform version plugins may still
	// target.
	MinSupportedVersion version.Version

	Extensions *extension.Registry
	Scheduler  *scheduler.Scheduler
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// entry is the registry's record of one installed plugin.
//
// The registry mutex guards the plugins map and every entry's desc and
// state. lifecycle serializes transitions per plugin and is the only
// lock held while a plugin hook runs.
type entry struct {
	lifecycle sync.Mutex

	desc  Descriptor
	inst  Instance
	state State
}

// Registry enforces the plugin lifecycle state machine:
// INSTALLED→RESOLVED→STARTING→ACTIVE on enable,
// ACTIVE→STOPPING→RESOLVED on disable, removal from INSTALLED/RESOLVED.
type Registry struct {
	opts Options
	log  *observability.Logger

	mu      sync.Mutex
	plugins map[string]*entry

	listeners listenerSet
}

// NewRegistry creates a plugin registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:    opts,
		log:     opts.Logger,
		plugins: make(map[string]*entry),
	}
}

// AddListener registers a lifecycle event listener.
func (r *Registry) AddListener(l Listener) {
	r.listeners.add(l)
}

// Install records a plugin as INSTALLED. The instance's hooks are not
// invoked until Enable.
func (r *Registry) Install(desc Descriptor, inst Instance) error {
	if desc.Key == "" {
		return fmt.Errorf("plugin key is required")
	}
	if inst == nil {
		return fmt.Errorf("plugin %s has no instance", desc.Key)
	}

	r.mu.Lock()
	if _, exists := r.plugins[desc.Key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePluginKey, desc.Key)
	}
	desc.State = StateInstalled
	r.plugins[desc.Key] = &entry{desc: desc, inst: inst, state: StateInstalled}
	r.mu.Unlock()

	r.observeStates()
	r.log.WithPlugin(desc.Key).Infof("Installed plugin %s %s", desc.Name, desc.Version)
	r.listeners.notify([]Event{{Key: desc.Key, To: StateInstalled, At: time.Now()}})
	return nil
}

// Enable drives a plugin to ACTIVE, resolving it first if needed. The
// activation hook runs while the plugin is STARTING; if it fails, every
// contribution the hook managed to make is torn down and the plugin
// settles back at RESOLVED.
func (r *Registry) Enable(ctx context.Context, key string) error {
	e, err := r.entryFor(key)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	var events []Event
	defer func() { r.listeners.notify(events) }()

	r.mu.Lock()
	if r.plugins[key] != e {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, key)
	}
	state := e.state
	desc := e.desc
	r.mu.Unlock()

	switch state {
	case StateInstalled, StateResolved:
	default:
		return fmt.Errorf("%w: cannot enable %s from %s", ErrInvalidLifecycleTransition, key, state)
	}

	if !version.SupportsMinimum(desc.MinPlatformVersion, r.opts.PlatformVersion, r.opts.MinSupportedVersion) {
		return fmt.Errorf("%w: %s requires platform %s, host is %s (minimum supported %s)",
			ErrIncompatiblePluginVersion, key, desc.MinPlatformVersion,
			r.opts.PlatformVersion, r.opts.MinSupportedVersion)
	}

	if state == StateInstalled {
		events = append(events, r.commit(e, StateResolved))
	}
	events = append(events, r.commit(e, StateStarting))

	host := &hostContext{registry: r, pluginKey: key}
	if hookErr := e.inst.Activate(ctx, host); hookErr != nil {
		// Atomic rollback: drop whatever the hook registered before it
		// failed, then settle at RESOLVED.
		r.teardown(key)
		events = append(events, r.commit(e, StateResolved))
		if r.opts.Metrics != nil {
			r.opts.Metrics.PluginActivationFailures.Inc()
		}
		r.log.WithError(hookErr).WithPlugin(key).Error("Plugin activation failed, rolled back")
		return fmt.Errorf("%w: %s: %v", ErrPluginActivationFailed, key, hookErr)
	}

	events = append(events, r.commit(e, StateActive))
	r.log.WithPlugin(key).Info("Plugin enabled")
	return nil
}

// Disable drives an ACTIVE plugin back to RESOLVED. The plugin's
// extensions and jobs are deregistered before its deactivation hook
// runs. Disabling a plugin that is not ACTIVE is a no-op.
func (r *Registry) Disable(ctx context.Context, key string) error {
	e, err := r.entryFor(key)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	var events []Event
	defer func() { r.listeners.notify(events) }()

	r.mu.Lock()
	if r.plugins[key] != e {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, key)
	}
	state := e.state
	r.mu.Unlock()
	if state != StateActive {
		return nil
	}

	events = append(events, r.commit(e, StateStopping))
	r.teardown(key)

	host := &hostContext{registry: r, pluginKey: key}
	if hookErr := e.inst.Deactivate(ctx, host); hookErr != nil {
		// The plugin is already disconnected; a failing hook cannot keep
		// it ACTIVE.
		r.log.WithError(hookErr).WithPlugin(key).Warn("Plugin deactivation hook failed")
	}

	events = append(events, r.commit(e, StateResolved))
	r.log.WithPlugin(key).Info("Plugin disabled")
	return nil
}

// Uninstall removes a plugin. Only legal from INSTALLED or RESOLVED.
func (r *Registry) Uninstall(key string) error {
	e, err := r.entryFor(key)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	r.mu.Lock()
	if r.plugins[key] != e {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, key)
	}
	switch e.state {
	case StateInstalled, StateResolved:
	default:
		state := e.state
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrPluginStillActive, key, state)
	}
	from := e.state
	delete(r.plugins, key)
	r.mu.Unlock()

	r.observeStates()
	r.log.WithPlugin(key).Info("Uninstalled plugin")
	r.listeners.notify([]Event{{Key: key, From: from, At: time.Now()}})
	return nil
}

// Get returns a copy of a plugin's descriptor with its current state.
func (r *Registry) Get(key string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.plugins[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrPluginNotFound, key)
	}
	desc := e.desc
	desc.State = e.state
	return desc, nil
}

// List returns descriptor copies for every installed plugin, ordered by
// key.
func (r *Registry) List() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Descriptor, 0, len(r.plugins))
	for _, e := range r.plugins {
		desc := e.desc
		desc.State = e.state
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) entryFor(key string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.plugins[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, key)
	}
	return e, nil
}

// commit moves an entry to a new state and returns the event to emit.
func (r *Registry) commit(e *entry, to State) Event {
	r.mu.Lock()
	from := e.state
	e.state = to
	key := e.desc.Key
	r.mu.Unlock()

	r.observeStates()
	if r.opts.Metrics != nil {
		r.opts.Metrics.PluginTransitionsTotal.WithLabelValues(string(to)).Inc()
	}
	return Event{Key: key, From: from, To: to, At: time.Now()}
}

// teardown removes every contribution owned by a plugin. Runs during
// disable and during activation rollback.
func (r *Registry) teardown(key string) {
	if r.opts.Metrics != nil {
		for _, reg := range r.opts.Extensions.OwnedBy(key) {
			r.opts.Metrics.ExtensionsRegistered.WithLabelValues(reg.Type).Dec()
		}
	}
	removed := r.opts.Extensions.DeregisterAll(key)
	jobs := r.opts.Scheduler.UnscheduleOwnedBy(key)
	if removed > 0 || jobs > 0 {
		r.log.WithPlugin(key).Infof("Removed %d extensions and %d jobs", removed, jobs)
	}
}

func (r *Registry) observeStates() {
	if r.opts.Metrics == nil {
		return
	}

	r.mu.Lock()
	counts := make(map[State]int)
	for _, e := range r.plugins {
		counts[e.state]++
	}
	r.mu.Unlock()

	for _, s := range []State{StateInstalled, StateResolved, StateStarting, StateActive, StateStopping} {
		r.opts.Metrics.PluginsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// hostContext is the Host handed to plugin hooks, scoped to one plugin.
type hostContext struct {
	registry  *Registry
	pluginKey string
}

func (h *hostContext) PluginKey() string {
	return h.pluginKey
}

func (h *hostContext) RegisterExtension(reg extension.Registration) error {
	reg.OwnerPluginKey = h.pluginKey
	if err := h.registry.opts.Extensions.Register(reg); err != nil {
		return err
	}
	if m := h.registry.opts.Metrics; m != nil {
		m.ExtensionsRegistered.WithLabelValues(reg.Type).Inc()
	}
	return nil
}

func (h *hostContext) ScheduleJob(def scheduler.JobDefinition, trig *scheduler.TriggerDefinition, handler scheduler.Handler) error {
	def.Group = h.pluginKey
	if trig != nil {
		trigCopy := *trig
		trigCopy.Group = h.pluginKey
		trig = &trigCopy
	}
	return h.registry.opts.Scheduler.Schedule(def, trig, handler)
}
