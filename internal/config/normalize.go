package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDrive()
	c.normalizeConversion()
	if err := c.normalizeAACS(); err != nil {
		return err
	}
	c.normalizeCSS()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
		def   string
	}{
		{"paths.scratch_dir", &c.Paths.ScratchDir, defaultScratchDir},
		{"paths.output_dir", &c.Paths.OutputDir, defaultOutputDir},
		{"paths.state_dir", &c.Paths.StateDir, defaultStateDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.def
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeDrive() {
	c.Drive.Device = strings.TrimSpace(c.Drive.Device)
	c.Drive.MountPoint = strings.TrimSpace(c.Drive.MountPoint)
	c.Drive.Decryption = strings.ToLower(strings.TrimSpace(c.Drive.Decryption))
	if c.Drive.Decryption == "" {
		c.Drive.Decryption = defaultDecryption
	}
}

func (c *Config) normalizeConversion() {
	c.Conversion.Backend = strings.ToLower(strings.TrimSpace(c.Conversion.Backend))
	if c.Conversion.Backend == "" {
		c.Conversion.Backend = defaultBackend
	}
	c.Conversion.Codec = strings.TrimSpace(c.Conversion.Codec)
	if c.Conversion.Codec == "" {
		c.Conversion.Codec = defaultCodec
	}
	c.Conversion.Preset = strings.TrimSpace(c.Conversion.Preset)
	c.Conversion.Container = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Conversion.Container), "."))
	if c.Conversion.Container == "" {
		c.Conversion.Container = defaultContainer
	}
	c.Conversion.FFmpegBinary = strings.TrimSpace(c.Conversion.FFmpegBinary)
	if c.Conversion.FFmpegBinary == "" {
		c.Conversion.FFmpegBinary = defaultFFmpegBinary
	}
}

func (c *Config) normalizeAACS() error {
	if strings.TrimSpace(c.AACS.KeyDBPath) != "" {
		expanded, err := expandPath(strings.TrimSpace(c.AACS.KeyDBPath))
		if err != nil {
			return fmt.Errorf("aacs.keydb_path: %w", err)
		}
		c.AACS.KeyDBPath = expanded
	}
	for _, field := range []struct {
		name  string
		value *string
	}{
		{"aacs.host_certificate", &c.AACS.HostCertificate},
		{"aacs.host_private_key", &c.AACS.HostPrivateKey},
		{"aacs.trusted_root", &c.AACS.TrustedRoot},
	} {
		trimmed := strings.TrimSpace(*field.value)
		if trimmed == "" {
			*field.value = ""
			continue
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	c.AACS.KeyDBDownloadURL = strings.TrimSpace(c.AACS.KeyDBDownloadURL)
	keys := c.AACS.ProcessingKeys[:0]
	for _, key := range c.AACS.ProcessingKeys {
		key = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(strings.ToLower(key)), "0x"))
		if key != "" {
			keys = append(keys, key)
		}
	}
	c.AACS.ProcessingKeys = keys
	return nil
}

func (c *Config) normalizeCSS() {
	keys := c.CSS.PlayerKeys[:0]
	for _, key := range c.CSS.PlayerKeys {
		key = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), " ", ""))
		if key != "" {
			keys = append(keys, key)
		}
	}
	c.CSS.PlayerKeys = keys
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
