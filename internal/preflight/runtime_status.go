package preflight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ripline/internal/disc"
)

// DiscProbe reports the current optical-disc detection snapshot.
type DiscProbe struct {
	Detected bool   `json:"detected"`
	Device   string `json:"device"`
	Label    string `json:"label,omitempty"`
	Tray     string `json:"tray"`
}

// ProbeDisc reads the tray state and volume label of device.
func ProbeDisc(ctx context.Context, device string) DiscProbe {
	device = strings.TrimSpace(device)
	probe := DiscProbe{Device: device, Tray: disc.DriveStatusNoInfo.String()}
	if device == "" {
		return probe
	}
	status, err := disc.CheckDriveStatus(device)
	if err != nil {
		return probe
	}
	probe.Tray = status.String()
	if status != disc.DriveStatusDiscOK {
		return probe
	}
	probe.Detected = true
	if label, err := disc.ReadLabel(ctx, device, 2*time.Second); err == nil {
		probe.Label = label
	}
	return probe
}

// DiscDetail renders a display-friendly summary for status UIs.
func (p DiscProbe) DiscDetail() string {
	if !p.Detected {
		if p.Device == "" {
			return "No drive configured"
		}
		return fmt.Sprintf("No disc detected (%s)", p.Tray)
	}
	label := p.Label
	if label == "" {
		label = "Unknown"
	}
	return fmt.Sprintf("Disc '%s' on %s", label, p.Device)
}
