// Package audit is the reference consumer of the plugin host contract.
// On activation it contributes a dashboard summary widget and a nightly
// cleanup job that prunes an externally supplied audit log; on
// deactivation the host tears both down, the plugin removes nothing
// itself.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/hearthhq/hearth/pkg/extension"
	"github.com/hearthhq/hearth/pkg/observability"
	"github.com/hearthhq/hearth/pkg/plugin"
	"github.com/hearthhq/hearth/pkg/scheduler"
	"github.com/hearthhq/hearth/pkg/version"
)

const (
	// PluginKey is the audit plugin's registry key.
	PluginKey = "audit"

	// WidgetKey identifies the dashboard summary widget contribution.
	WidgetKey = "audit-summary-widget"

	// CleanupJobName is the nightly retention job.
	CleanupJobName = "audit-cleanup"

	// cleanupCron fires daily at 02:00.
	cleanupCron = "0 0 2 * * ?"
)

// Log is the externally provided audit store the cleanup job prunes.
type Log interface {
	// DeleteOlderThan removes audit records older than the cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options tunes the plugin.
type Options struct {
	// RetentionDays is how long audit records are kept. Defaults to 90.
	RetentionDays int

	// Logger is used by the cleanup job. Defaults to a stdout logger.
	Logger *observability.Logger
}

// Plugin is the audit plugin instance.
type Plugin struct {
	auditLog  Log
	retention time.Duration
	log       *observability.Logger
}

// New creates the audit plugin around an external audit log.
func New(auditLog Log, opts Options) *Plugin {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 90
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Plugin{
		auditLog:  auditLog,
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		log:       opts.Logger.WithPlugin(PluginKey),
	}
}

// Descriptor returns the plugin's install descriptor.
func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Key:                PluginKey,
		Name:               "Audit Logging",
		Version:            version.MustParse("1.2.0"),
		MinPlatformVersion: version.MustParse("2.1.0"),
		Vendor:             "hearth",
		Exports:            []string{extension.TypeWebFragment, extension.TypeScheduledJob},
	}
}

// Activate contributes the summary widget and schedules the nightly
// cleanup job.
func (p *Plugin) Activate(ctx context.Context, host plugin.Host) error {
	if p.auditLog == nil {
		return fmt.Errorf("audit log is not configured")
	}

	err := host.RegisterExtension(extension.Registration{
		Type:        extension.TypeWebFragment,
		Key:         WidgetKey,
		Weight:      100,
		Location:    "dashboard.widgets",
		APIVersions: version.Range{Min: version.MustParse("2.0.0")},
		Metadata: map[string]string{
			"title": "Audit Summary",
		},
	})
	if err != nil {
		return err
	}

	err = host.RegisterExtension(extension.Registration{
		Type:        extension.TypeScheduledJob,
		Key:         CleanupJobName,
		APIVersions: version.Range{Min: version.MustParse("2.0.0")},
		Metadata: map[string]string{
			"cron": cleanupCron,
		},
	})
	if err != nil {
		return err
	}

	return host.ScheduleJob(
		scheduler.JobDefinition{
			Name:        CleanupJobName,
			Description: "Prunes audit records past their retention window",
			Data: map[string]interface{}{
				"retention": p.retention.String(),
			},
		},
		&scheduler.TriggerDefinition{
			Name:           CleanupJobName,
			Type:           scheduler.TriggerTypeCron,
			CronExpression: cleanupCron,
			Misfire:        scheduler.MisfireSmartPolicy,
		},
		p.cleanup,
	)
}

// Deactivate has nothing to undo: the registry deregisters the widget
// and unschedules the job before this hook runs.
func (p *Plugin) Deactivate(ctx context.Context, host plugin.Host) error {
	return nil
}

// cleanup is the job body. Errors return to the scheduler, which records
// the execution as FAILED; they never propagate further.
func (p *Plugin) cleanup(ctx context.Context, exec scheduler.Execution) error {
	cutoff := time.Now().Add(-p.retention)
	removed, err := p.auditLog.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("audit cleanup failed: %w", err)
	}
	p.log.WithField("execution_id", exec.ID).Infof("Pruned %d audit records older than %s", removed, cutoff.Format(time.RFC3339))
	return nil
}
