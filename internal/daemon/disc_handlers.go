package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ripline/internal/disc"
	"ripline/internal/logging"
	"ripline/internal/notifications"
	"ripline/internal/pipeline"
	"ripline/internal/services"
)

const (
	readyPolls        = 30
	readyPollInterval = time.Second
	labelTimeout      = 5 * time.Second
)

// HandleDiscInserted waits for the drive to settle, announces the disc and
// enqueues it. A disc that is already queued is reported as not handled.
func (d *Daemon) HandleDiscInserted(ctx context.Context, device string) (*DiscDetectedResult, error) {
	status, err := disc.WaitForReady(ctx, device, d.status, readyPolls, readyPollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait for drive: %w", err)
	}
	if status != disc.DriveStatusDiscOK {
		return &DiscDetectedResult{Message: "drive reports " + status.String()}, nil
	}

	label, err := disc.ReadLabel(ctx, device, labelTimeout)
	if err != nil {
		d.logger.Debug("volume label unavailable", logging.String("device", device), logging.Error(err))
	}

	root, err := d.mount(ctx, device)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "daemon", "mount disc", "Unable to mount disc in "+device, err)
	}
	kind := "unknown"
	if media, err := disc.Open(root); err == nil {
		kind = media.Kind.String()
	}
	d.publish(ctx, notifications.EventDiscDetected, notifications.Payload{
		"discTitle": disc.DisplayTitle(label, root),
		"discType":  kind,
	})

	job, err := d.pipeline.Enqueue(ctx, pipeline.EnqueueRequest{
		SourcePath: root,
		Device:     device,
		DiscTitle:  label,
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return &DiscDetectedResult{Message: err.Error()}, nil
		}
		return nil, err
	}
	return &DiscDetectedResult{Handled: true, Message: "queued", JobID: job.ID}, nil
}

func (d *Daemon) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := d.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(d.logger, "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}
