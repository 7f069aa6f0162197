package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"ripline/internal/config"
)

// Requirement defines an external program ripline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the programs the configuration needs. The ffmpeg
// backend requires its binary; the drapto library shells out to ffmpeg and
// ffprobe from PATH.
func Requirements(cfg *config.Config) []Requirement {
	var reqs []Requirement
	switch strings.ToLower(strings.TrimSpace(cfg.Conversion.Backend)) {
	case "drapto":
		reqs = append(reqs,
			Requirement{Name: "FFmpeg", Command: "ffmpeg", Description: "Used by drapto for encoding"},
			Requirement{Name: "FFprobe", Command: "ffprobe", Description: "Used by drapto for media analysis"},
		)
	default:
		binary := strings.TrimSpace(cfg.Conversion.FFmpegBinary)
		if binary == "" {
			binary = "ffmpeg"
		}
		reqs = append(reqs, Requirement{Name: "FFmpeg", Command: binary, Description: "Conversion backend"})
	}
	reqs = append(reqs,
		Requirement{Name: "eject", Command: "eject", Description: "Fallback when the tray ioctl is refused", Optional: !cfg.Drive.Eject},
		Requirement{Name: "lsblk", Command: "lsblk", Description: "Reads volume labels for disc titles", Optional: true},
		Requirement{Name: "mount", Command: "mount", Description: "Mounts inserted discs for auto enqueue", Optional: !cfg.Drive.AutoEnqueue},
	)
	return reqs
}

// CheckBinaries resolves each requirement on PATH. Available entries carry
// the resolved path in Command.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, len(requirements))
	for i, req := range requirements {
		st := Status{
			Name:        req.Name,
			Command:     strings.TrimSpace(req.Command),
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if st.Command == "" {
			st.Detail = "command not configured"
		} else if path, err := exec.LookPath(st.Command); err != nil {
			st.Detail = fmt.Sprintf("binary %q not found", st.Command)
		} else {
			st.Command, st.Available = path, true
		}
		results[i] = st
	}
	return results
}

// Missing returns the unavailable required dependencies.
func Missing(statuses []Status) []Status {
	var missing []Status
	for _, status := range statuses {
		if !status.Available && !status.Optional {
			missing = append(missing, status)
		}
	}
	return missing
}
