package testsupport

import (
	"path/filepath"
	"testing"

	"ripline/internal/config"
)

// ConfigOption adjusts a test config after the temp layout is in place.
type ConfigOption func(*config.Config)

// NewConfig returns a default config whose directories, socket, KEYDB path
// and device all live under a fresh t.TempDir.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()
	base := t.TempDir()
	under := func(parts ...string) string {
		return filepath.Join(append([]string{base}, parts...)...)
	}

	cfg := config.Default()
	cfg.Paths.ScratchDir = under("scratch")
	cfg.Paths.OutputDir = under("output")
	cfg.Paths.StateDir = under("state")
	cfg.Paths.LogDir = under("logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.AACS.KeyDBPath = under("keydb", "KEYDB.cfg")
	cfg.Drive.Device = under("sr0")
	cfg.Drive.Eject = false

	// Fixture discs are a few megabytes; the real free-space floors would
	// fail on most build hosts.
	cfg.Pipeline.MinFreeGBDVD = 1
	cfg.Pipeline.MinFreeGBBluRay = 1
	cfg.Pipeline.MinFreeGBUHD = 1
	cfg.Pipeline.ProgressEventsPerSecond = 1000

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithConversionSlots sets pipeline.max_concurrent_conversions.
func WithConversionSlots(n int) ConfigOption {
	return func(cfg *config.Config) { cfg.Pipeline.MaxConcurrentConversions = n }
}

// WithDecryption sets drive.decryption ("auto" or "off").
func WithDecryption(mode string) ConfigOption {
	return func(cfg *config.Config) { cfg.Drive.Decryption = mode }
}

// BaseDir returns the temp directory NewConfig laid the config out under.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ScratchDir)
}
