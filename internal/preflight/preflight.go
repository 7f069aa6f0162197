package preflight

import (
	"context"

	"ripline/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Scratch directory", cfg.Paths.ScratchDir),
		CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir),
		// DVD is the smallest requirement; larger discs are checked per job.
		CheckFreeSpace("Scratch space", cfg.Paths.ScratchDir, cfg.Pipeline.MinFreeGBDVD, nil),
		CheckDevice(cfg.Drive.Device),
		CheckKeyDB(cfg.AACS.KeyDBPath),
	}
	for _, dep := range CheckSystemDeps(cfg) {
		if dep.Optional && !dep.Available {
			continue
		}
		result := Result{Name: dep.Name, Passed: dep.Available, Detail: dep.Command}
		if !dep.Available {
			result.Detail = dep.Detail
		}
		results = append(results, result)
	}
	if cfg.Notifications.NtfyTopic != "" {
		results = append(results, CheckNtfy(ctx, cfg.Notifications.NtfyTopic))
	}
	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
