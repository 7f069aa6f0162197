package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// EnvPrefix is prepended to every environment override name.
const EnvPrefix = "RIPLINE_"

// Paths contains directory and bind address configuration.
type Paths struct {
	ScratchDir string `toml:"scratch_dir" env:"SCRATCH_DIR"`
	OutputDir  string `toml:"output_dir" env:"OUTPUT_DIR"`
	StateDir   string `toml:"state_dir" env:"STATE_DIR"`
	LogDir     string `toml:"log_dir" env:"LOG_DIR"`
	APIBind    string `toml:"api_bind" env:"API_BIND"`
	APIToken   string `toml:"api_token" env:"API_TOKEN"`
}

// Drive contains configuration for the optical drive.
type Drive struct {
	Device string `toml:"device" env:"DEVICE"`
	// Decryption selects how protected discs are read: "auto" authenticates
	// against the drive, "off" copies sectors verbatim.
	Decryption  string `toml:"decryption" env:"DECRYPTION"`
	Eject       bool   `toml:"eject" env:"EJECT"`
	AutoEnqueue bool   `toml:"auto_enqueue" env:"AUTO_ENQUEUE"`
	// MountPoint is where the daemon expects the inserted disc filesystem.
	MountPoint string `toml:"mount_point" env:"MOUNT_POINT"`
}

// Pipeline contains scheduling limits for the job pipeline.
type Pipeline struct {
	MaxConcurrentConversions int `toml:"max_concurrent_conversions" env:"MAX_CONCURRENT_CONVERSIONS"`
	ConversionTimeoutMinutes int `toml:"conversion_timeout_minutes" env:"CONVERSION_TIMEOUT_MINUTES"`
	MinTitleSeconds          int `toml:"min_title_seconds"`
	MinFreeGBDVD             int `toml:"min_free_gb_dvd"`
	MinFreeGBBluRay          int `toml:"min_free_gb_bluray"`
	MinFreeGBUHD             int `toml:"min_free_gb_uhd"`
	ScratchRetentionHours    int `toml:"scratch_retention_hours"`
	ProgressEventsPerSecond  int `toml:"progress_events_per_second"`
}

// Conversion contains transcoder settings.
type Conversion struct {
	Backend          string `toml:"backend" env:"CONVERSION_BACKEND"`
	Codec            string `toml:"codec"`
	Quality          int    `toml:"quality"`
	Preset           string `toml:"preset"`
	Container        string `toml:"container"`
	IncludeSubtitles bool   `toml:"include_subtitles"`
	IncludeChapters  bool   `toml:"include_chapters"`
	FFmpegBinary     string `toml:"ffmpeg_binary" env:"FFMPEG_BINARY"`
}

// CSS contains player keys for DVD disc key recovery. Entries use the form
// "index:hexkey" where index is the slot in the disc key block.
type CSS struct {
	PlayerKeys []string `toml:"player_keys"`
}

// AACS contains key material sources for Blu-ray decryption.
type AACS struct {
	KeyDBPath            string   `toml:"keydb_path" env:"KEYDB_PATH"`
	KeyDBDownloadURL     string   `toml:"keydb_download_url"`
	KeyDBDownloadTimeout int      `toml:"keydb_download_timeout"`
	ProcessingKeys       []string `toml:"processing_keys"`
	HostCertificate      string   `toml:"host_certificate" env:"AACS_HOST_CERTIFICATE"`
	HostPrivateKey       string   `toml:"host_private_key" env:"AACS_HOST_PRIVATE_KEY"`
	TrustedRoot          string   `toml:"trusted_root" env:"AACS_TRUSTED_ROOT"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic" env:"NTFY_TOPIC"`
	RequestTimeout int    `toml:"request_timeout"`
	Extraction     bool   `toml:"extraction"`
	Conversion     bool   `toml:"conversion"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format" env:"LOG_FORMAT"`
	Level         string `toml:"level" env:"LOG_LEVEL"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for ripline.
//
// Configuration sections by subsystem:
//   - Paths: scratch, output, state and log directories plus the API bind
//   - Drive: optical device, decryption mode and ejection
//   - Pipeline: extraction/conversion scheduling limits
//   - Conversion: transcoder backend and encode settings
//   - CSS: DVD player keys
//   - AACS: KEYDB catalog, processing keys and host credentials
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Drive         Drive         `toml:"drive"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Conversion    Conversion    `toml:"conversion"`
	CSS           CSS           `toml:"css"`
	AACS          AACS          `toml:"aacs"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. Environment
// overrides (RIPLINE_*) are applied after the file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, "", false, fmt.Errorf("parse environment overrides: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("ripline.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// OutputDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ScratchDir, c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.OutputDir) != "" {
		_ = os.MkdirAll(c.Paths.OutputDir, 0o755)
	}
	return nil
}

// QueueDBPath returns the SQLite job database location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// SocketPath returns the daemon IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "ripline.sock")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "ripline.lock")
}

// PIDPath returns the daemon process id file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "ripline.pid")
}

// ConversionTimeout returns the maximum wait for a single conversion.
func (c *Config) ConversionTimeout() time.Duration {
	return time.Duration(c.Pipeline.ConversionTimeoutMinutes) * time.Minute
}

// MinTitleDuration returns the shortest title duration kept by default selection.
func (c *Config) MinTitleDuration() time.Duration {
	return time.Duration(c.Pipeline.MinTitleSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
