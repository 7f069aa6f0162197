package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"ripline/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantScratch := filepath.Join(tempHome, ".local", "share", "ripline", "scratch")
	if cfg.Paths.ScratchDir != wantScratch {
		t.Fatalf("unexpected scratch dir: got %q want %q", cfg.Paths.ScratchDir, wantScratch)
	}
	if cfg.Pipeline.MaxConcurrentConversions != 2 {
		t.Fatalf("expected 2 conversion slots, got %d", cfg.Pipeline.MaxConcurrentConversions)
	}
	if got := cfg.ConversionTimeout().Minutes(); got != 30 {
		t.Fatalf("expected 30 minute conversion timeout, got %v", got)
	}
	if got := cfg.MinTitleDuration().Seconds(); got != 60 {
		t.Fatalf("expected 60s minimum title duration, got %v", got)
	}
	if cfg.Pipeline.MinFreeGBDVD != 10 || cfg.Pipeline.MinFreeGBBluRay != 50 || cfg.Pipeline.MinFreeGBUHD != 100 {
		t.Fatalf("unexpected free space minimums: %+v", cfg.Pipeline)
	}
	if cfg.QueueDBPath() != filepath.Join(tempHome, ".local", "share", "ripline", "jobs.db") {
		t.Fatalf("unexpected queue db path %q", cfg.QueueDBPath())
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(tempHome, "config.toml")
	payload := `
[paths]
scratch_dir = "~/scratch"

[pipeline]
max_concurrent_conversions = 4

[conversion]
backend = "DRAPTO"
container = ".MP4"

[aacs]
processing_keys = ["0x0123456789abcdef0123456789abcdef"]
`
	if err := os.WriteFile(configPath, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected config at %q, got %q exists=%v", configPath, resolved, exists)
	}
	if cfg.Paths.ScratchDir != filepath.Join(tempHome, "scratch") {
		t.Fatalf("unexpected scratch dir %q", cfg.Paths.ScratchDir)
	}
	if cfg.Pipeline.MaxConcurrentConversions != 4 {
		t.Fatalf("expected 4 conversion slots, got %d", cfg.Pipeline.MaxConcurrentConversions)
	}
	if cfg.Conversion.Backend != "drapto" || cfg.Conversion.Container != "mp4" {
		t.Fatalf("expected normalized conversion settings, got %+v", cfg.Conversion)
	}
	if len(cfg.AACS.ProcessingKeys) != 1 || cfg.AACS.ProcessingKeys[0] != "0123456789ABCDEF0123456789ABCDEF" {
		t.Fatalf("unexpected processing keys %v", cfg.AACS.ProcessingKeys)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("RIPLINE_SCRATCH_DIR", filepath.Join(tempHome, "env-scratch"))
	t.Setenv("RIPLINE_MAX_CONCURRENT_CONVERSIONS", "3")
	t.Setenv("RIPLINE_DEVICE", "/dev/sr1")

	configPath := filepath.Join(tempHome, "config.toml")
	if err := os.WriteFile(configPath, []byte("[pipeline]\nmax_concurrent_conversions = 5\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.ScratchDir != filepath.Join(tempHome, "env-scratch") {
		t.Fatalf("expected env scratch dir, got %q", cfg.Paths.ScratchDir)
	}
	if cfg.Pipeline.MaxConcurrentConversions != 3 {
		t.Fatalf("expected env to win over file, got %d", cfg.Pipeline.MaxConcurrentConversions)
	}
	if cfg.Drive.Device != "/dev/sr1" {
		t.Fatalf("expected env device, got %q", cfg.Drive.Device)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero slots", func(c *config.Config) { c.Pipeline.MaxConcurrentConversions = 0 }, "max_concurrent_conversions"},
		{"bad backend", func(c *config.Config) { c.Conversion.Backend = "handbrake" }, "conversion.backend"},
		{"bad decryption", func(c *config.Config) { c.Drive.Decryption = "maybe" }, "drive.decryption"},
		{"short processing key", func(c *config.Config) { c.AACS.ProcessingKeys = []string{"ABCD"} }, "processing_keys"},
		{"negative title length", func(c *config.Config) { c.Pipeline.MinTitleSeconds = -1 }, "min_title_seconds"},
		{"bad player key", func(c *config.Config) { c.CSS.PlayerKeys = []string{"3:zz"} }, "css.player_keys"},
		{"cert without key", func(c *config.Config) { c.AACS.HostCertificate = "/tmp/host.cert" }, "host_private_key"},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestSampleConfigMatchesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var parsed config.Config
	if err := toml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("sample does not parse: %v", err)
	}
	def := config.Default()
	if parsed.Pipeline != def.Pipeline {
		t.Fatalf("sample pipeline %+v differs from defaults %+v", parsed.Pipeline, def.Pipeline)
	}
	if parsed.Conversion != def.Conversion {
		t.Fatalf("sample conversion %+v differs from defaults %+v", parsed.Conversion, def.Conversion)
	}
	if parsed.Paths.ScratchDir != def.Paths.ScratchDir {
		t.Fatalf("sample scratch dir %q differs from default %q", parsed.Paths.ScratchDir, def.Paths.ScratchDir)
	}
}

func TestParsePlayerKey(t *testing.T) {
	index, key, err := config.ParsePlayerKey("12:0x01AF2C3D4E")
	if err != nil {
		t.Fatalf("ParsePlayerKey: %v", err)
	}
	if index != 12 {
		t.Fatalf("index = %d, want 12", index)
	}
	if key != [5]byte{0x01, 0xAF, 0x2C, 0x3D, 0x4E} {
		t.Fatalf("key = %x", key)
	}
	for _, bad := range []string{"", "12", "409:0102030405", "1:01020304"} {
		if _, _, err := config.ParsePlayerKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
