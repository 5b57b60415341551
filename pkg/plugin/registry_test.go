package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/pkg/version"
)

func newTestRegistry(t *testing.T) (*Registry, *extension.Registry, *scheduler.Scheduler) {
	t.Helper()

	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	extensions := extension.NewRegistry(version.MustParse("2.3.0"))

	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = time.Hour
	sched := scheduler.New(cfg, history.NewMemoryStore(), log, nil)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	registry := NewRegistry(Options{
		PlatformVersion:     version.MustParse("2.3.0"),
		MinSupportedVersion: version.MustParse("2.0.0"),
		Extensions:          extensions,
		Scheduler:           sched,
		Logger:              log,
	})
	return registry, extensions, sched
}

func testDescriptor(key string) Descriptor {
	return Descriptor{
		Key:                key,
		Name:               "Test Plugin " + key,
		Version:            version.MustParse("1.0.0"),
		MinPlatformVersion: version.MustParse("2.1.0"),
		Vendor:             "hearth-tests",
	}
}

// contributingInstance registers one web-fragment extension on activation.
func contributingInstance() Instance {
	return InstanceFuncs{
		OnActivate: func(ctx context.Context, host Host) error {
			return host.RegisterExtension(extension.Registration{
				Type:        extension.TypeWebFragment,
				Key:         "widget",
				Weight:      10,
				APIVersions: version.Range{Min: version.MustParse("2.0.0")},
			})
		},
	}
}

func TestInstallAndLifecycle(t *testing.T) {
	r, extensions, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Install(testDescriptor("audit"), contributingInstance()))

	desc, err := r.Get("audit")
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, desc.State)

	require.NoError(t, r.Enable(ctx, "audit"))
	desc, err = r.Get("audit")
	require.NoError(t, err)
	assert.Equal(t, StateActive, desc.State)
	assert.Len(t, extensions.Lookup(extension.TypeWebFragment), 1)

	require.NoError(t, r.Disable(ctx, "audit"))
	desc, err = r.Get("audit")
	require.NoError(t, err)
	assert.Equal(t, StateResolved, desc.State)
	assert.Empty(t, extensions.Lookup(extension.TypeWebFragment))

	require.NoError(t, r.Uninstall("audit"))
	_, err = r.Get("audit")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestInstallDuplicateKey(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.Install(testDescriptor("audit"), contributingInstance()))
	err := r.Install(testDescriptor("audit"), contributingInstance())
	assert.ErrorIs(t, err, ErrDuplicatePluginKey)
}

func TestEnableIncompatibleVersion(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// Major ahead of the platform.
	desc := testDescriptor("future")
	desc.MinPlatformVersion = version.MustParse("3.0.0")
	require.NoError(t, r.Install(desc, contributingInstance()))

	err := r.Enable(ctx, "future")
	assert.ErrorIs(t, err, ErrIncompatiblePluginVersion)

	got, err := r.Get("future")
	require.NoError(t, err)
	assert.Equal(t, StateInstalled, got.State, "failed resolve leaves the descriptor where it was")

	// Below the supported floor.
	old := testDescriptor("ancient")
	old.MinPlatformVersion = version.MustParse("1.9.0")
	require.NoError(t, r.Install(old, contributingInstance()))
	assert.ErrorIs(t, r.Enable(ctx, "ancient"), ErrIncompatiblePluginVersion)
}

func TestEnableFromActiveFails(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Install(testDescriptor("audit"), contributingInstance()))
	require.NoError(t, r.Enable(ctx, "audit"))

	err := r.Enable(ctx, "audit")
	assert.ErrorIs(t, err, ErrInvalidLifecycleTransition)
}

func TestDisableIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Install(testDescriptor("audit"), contributingInstance()))
	assert.NoError(t, r.Disable(ctx, "audit"), "disabling an INSTALLED plugin is a no-op")

	require.NoError(t, r.Enable(ctx, "audit"))
	require.NoError(t, r.Disable(ctx, "audit"))
	assert.NoError(t, r.Disable(ctx, "audit"), "second disable is a no-op")
}

func TestUninstallActiveFails(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Install(testDescriptor("audit"), contributingInstance()))
	require.NoError(t, r.Enable(ctx, "audit"))

	err := r.Uninstall("audit")
	assert.ErrorIs(t, err, ErrPluginStillActive)

	require.NoError(t, r.Disable(ctx, "audit"))
	assert.NoError(t, r.Uninstall("audit"))
}

func TestActivationFailureRollsBack(t *testing.T) {
	r, extensions, sched := newTestRegistry(t)
	ctx := context.Background()

	// The hook registers an extension and a job, then fails.
	inst := InstanceFuncs{
		OnActivate: func(ctx context.Context, host Host) error {
			if err := host.RegisterExtension(extension.Registration{
				Type:        extension.TypeWebFragment,
				Key:         "partial",
				APIVersions: version.Range{Min: version.MustParse("2.0.0")},
			}); err != nil {
				return err
			}
			if err := host.ScheduleJob(
				scheduler.JobDefinition{Name: "partial-job"},
				&scheduler.TriggerDefinition{Name: "t", Type: scheduler.TriggerTypeCron, CronExpression: "0 0 2 * * ?"},
				func(ctx context.Context, exec scheduler.Execution) error { return nil },
			); err != nil {
				return err
			}
			return errors.New("activation exploded")
		},
	}

	require.NoError(t, r.Install(testDescriptor("broken"), inst))
	err := r.Enable(ctx, "broken")
	require.ErrorIs(t, err, ErrPluginActivationFailed)

	desc, err := r.Get("broken")
	require.NoError(t, err)
	assert.Equal(t, StateResolved, desc.State)
	assert.Empty(t, extensions.OwnedBy("broken"), "partial extensions are rolled back")
	assert.Empty(t, sched.Jobs(), "partial jobs are rolled back")
}

func TestListenersSeeCommittedTransitions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []State
	r.AddListener(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.To)
	})

	require.NoError(t, r.Install(testDescriptor("audit"), contributingInstance()))
	require.NoError(t, r.Enable(ctx, "audit"))
	require.NoError(t, r.Disable(ctx, "audit"))
	require.NoError(t, r.Uninstall("audit"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateInstalled,
		StateResolved, StateStarting, StateActive,
		StateStopping, StateResolved,
		"", // removal
	}, seen)
}

// TestLifecycleInvariantUnderRandomOperations drives a random sequence
// of lifecycle calls and checks after each one that no plugin in
// INSTALLED or RESOLVED has live registrations.
func TestLifecycleInvariantUnderRandomOperations(t *testing.T) {
	r, extensions, _ := newTestRegistry(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	keys := []string{"alpha", "beta", "gamma"}

	for i := 0; i < 400; i++ {
		key := keys[rng.Intn(len(keys))]
		switch rng.Intn(4) {
		case 0:
			_ = r.Install(testDescriptor(key), contributingInstance())
		case 1:
			_ = r.Enable(ctx, key)
		case 2:
			_ = r.Disable(ctx, key)
		case 3:
			_ = r.Uninstall(key)
		}

		for _, desc := range r.List() {
			owned := extensions.OwnedBy(desc.Key)
			switch desc.State {
			case StateInstalled, StateResolved:
				require.Empty(t, owned,
					"step %d: plugin %s in %s must have no registrations", i, desc.Key, desc.State)
			case StateActive:
				require.NotEmpty(t, owned,
					"step %d: active plugin %s must have its registrations", i, desc.Key)
			}
		}
	}
}

func TestConcurrentEnableDisableSameKey(t *testing.T) {
	r, extensions, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Install(testDescriptor("contended"), contributingInstance()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = r.Enable(ctx, "contended")
			} else {
				_ = r.Disable(ctx, "contended")
			}
		}(i)
	}
	wg.Wait()

	desc, err := r.Get("contended")
	require.NoError(t, err)
	switch desc.State {
	case StateActive:
		assert.Len(t, extensions.OwnedBy("contended"), 1)
	case StateResolved, StateInstalled:
		assert.Empty(t, extensions.OwnedBy("contended"))
	default:
		t.Fatalf("plugin settled in transient state %s", desc.State)
	}
}

func TestHostScopesContributions(t *testing.T) {
	r, extensions, sched := newTestRegistry(t)
	ctx := context.Background()

	inst := InstanceFuncs{
		OnActivate: func(ctx context.Context, host Host) error {
			assert.Equal(t, "scoped", host.PluginKey())
			// Attempt to claim another owner; the host overrides it.
			if err := host.RegisterExtension(extension.Registration{
				Type:           extension.TypeWebFragment,
				OwnerPluginKey: "somebody-else",
				Key:            "widget",
				APIVersions:    version.Range{Min: version.MustParse("2.0.0")},
			}); err != nil {
				return err
			}
			return host.ScheduleJob(
				scheduler.JobDefinition{Name: "tick", Group: "somebody-else"},
				&scheduler.TriggerDefinition{Name: "t", Type: scheduler.TriggerTypeCron, CronExpression: "@hourly"},
				func(ctx context.Context, exec scheduler.Execution) error { return nil },
			)
		},
	}

	require.NoError(t, r.Install(testDescriptor("scoped"), inst))
	require.NoError(t, r.Enable(ctx, "scoped"))

	owned := extensions.OwnedBy("scoped")
	require.Len(t, owned, 1)
	assert.Equal(t, "scoped", owned[0].OwnerPluginKey)

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "scoped", jobs[0].Key.Group)
}

func TestListOrdering(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	for _, key := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Install(testDescriptor(key), contributingInstance()))
	}

	var keys []string
	for _, d := range r.List() {
		keys = append(keys, d.Key)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
}

func ExampleRegistry() {
	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	extensions := extension.NewRegistry(version.MustParse("2.3.0"))
	cfg := scheduler.DefaultConfig()
	sched := scheduler.New(cfg, history.NewMemoryStore(), log, nil)

	registry := NewRegistry(Options{
		PlatformVersion:     version.MustParse("2.3.0"),
		MinSupportedVersion: version.MustParse("2.0.0"),
		Extensions:          extensions,
		Scheduler:           sched,
		Logger:              log,
	})

	desc := Descriptor{
		Key:                "hello",
		Name:               "Hello",
		Version:            version.MustParse("1.0.0"),
		MinPlatformVersion: version.MustParse("2.0.0"),
	}
	_ = registry.Install(desc, InstanceFuncs{})
	_ = registry.Enable(context.Background(), "hello")

	got, _ := registry.Get("hello")
	fmt.Println(got.State)
	// Output: ACTIVE
}
