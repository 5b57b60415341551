package audit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/history"
	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/plugin"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/pkg/version"
)

// fakeLog records DeleteOlderThan calls and can be made to fail.
type fakeLog struct {
	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakeLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed, nil
}

func (f *fakeLog) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type harness struct {
	registry   *plugin.Registry
	extensions *extension.Registry
	sched      *scheduler.Scheduler
	ledger     *history.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := observability.NewLogger(observability.ErrorLevel, io.Discard)
	extensions := extension.NewRegistry(version.MustParse("2.3.0"))
	ledger := history.NewMemoryStore()

	cfg := scheduler.DefaultConfig()
	cfg.TickInterval = time.Hour
	sched := scheduler.New(cfg, ledger, log, nil)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	registry := plugin.NewRegistry(plugin.Options{
		PlatformVersion:     version.MustParse("2.3.0"),
		MinSupportedVersion: version.MustParse("2.0.0"),
		Extensions:          extensions,
		Scheduler:           sched,
		Logger:              log,
	})
	return &harness{registry: registry, extensions: extensions, sched: sched, ledger: ledger}
}

func enableAudit(t *testing.T, h *harness, p *Plugin) {
	t.Helper()
	require.NoError(t, h.registry.Install(p.Descriptor(), p))
	require.NoError(t, h.registry.Enable(context.Background(), PluginKey))
}

func TestActivateContributes(t *testing.T) {
	h := newHarness(t)
	p := New(&fakeLog{}, Options{})
	enableAudit(t, h, p)

	widgets := h.extensions.LookupAt(extension.TypeWebFragment, "dashboard.widgets")
	require.Len(t, widgets, 1)
	assert.Equal(t, WidgetKey, widgets[0].Key)
	assert.Equal(t, 100, widgets[0].Weight)
	assert.Equal(t, PluginKey, widgets[0].OwnerPluginKey)

	jobExts := h.extensions.Lookup(extension.TypeScheduledJob)
	require.Len(t, jobExts, 1)
	assert.Equal(t, "0 0 2 * * ?", jobExts[0].Metadata["cron"])

	jobs := h.sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, scheduler.JobKey{Name: CleanupJobName, Group: PluginKey}, jobs[0].Key)
}

func TestCleanupPrunesWithRetentionCutoff(t *testing.T) {
	h := newHarness(t)
	auditLog := &fakeLog{removed: 12}
	p := New(auditLog, Options{RetentionDays: 30})
	enableAudit(t, h, p)

	require.NoError(t, h.sched.TriggerNow(scheduler.JobKey{Name: CleanupJobName, Group: PluginKey}, nil))

	require.Eventually(t, func() bool { return auditLog.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	auditLog.mu.Lock()
	cutoff := auditLog.cutoffs[0]
	auditLog.mu.Unlock()
	want := time.Now().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, want, cutoff, time.Minute)

	require.Eventually(t, func() bool {
		page, err := h.ledger.List(history.Filter{JobName: CleanupJobName}, 1, 10)
		return err == nil && page.Total == 1 && page.Entries[0].Status == history.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCleanupFailureIsRecordedNotPropagated(t *testing.T) {
	h := newHarness(t)
	auditLog := &fakeLog{err: errors.New("store offline")}
	p := New(auditLog, Options{})
	enableAudit(t, h, p)

	require.NoError(t, h.sched.TriggerNow(scheduler.JobKey{Name: CleanupJobName, Group: PluginKey}, nil))

	require.Eventually(t, func() bool {
		page, err := h.ledger.List(history.Filter{JobName: CleanupJobName}, 1, 10)
		return err == nil && page.Total == 1 && page.Entries[0].Status == history.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	page, err := h.ledger.List(history.Filter{JobName: CleanupJobName}, 1, 10)
	require.NoError(t, err)
	assert.Contains(t, page.Entries[0].ErrorMessage, "store offline")

	// The failure stays inside the execution: the plugin remains ACTIVE.
	desc, err := h.registry.Get(PluginKey)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateActive, desc.State)
}

func TestDeactivateTearsEverythingDown(t *testing.T) {
	h := newHarness(t)
	p := New(&fakeLog{}, Options{})
	enableAudit(t, h, p)

	require.NoError(t, h.registry.Disable(context.Background(), PluginKey))

	assert.Empty(t, h.extensions.OwnedBy(PluginKey))
	assert.Empty(t, h.sched.Jobs())
}

func TestActivateWithoutAuditLogFails(t *testing.T) {
	h := newHarness(t)
	p := New(nil, Options{})
	require.NoError(t, h.registry.Install(p.Descriptor(), p))

	err := h.registry.Enable(context.Background(), PluginKey)
	assert.ErrorIs(t, err, plugin.ErrPluginActivationFailed)

	desc, getErr := h.registry.Get(PluginKey)
	require.NoError(t, getErr)
	assert.Equal(t, plugin.StateResolved, desc.State)
}
