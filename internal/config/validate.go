package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateDrive(); err != nil {
		return err
	}
	if err := c.validateConversion(); err != nil {
		return err
	}
	if err := c.validateCSS(); err != nil {
		return err
	}
	if err := c.validateAACS(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if err := ensurePositiveMap(map[string]int{
		"pipeline.max_concurrent_conversions": c.Pipeline.MaxConcurrentConversions,
		"pipeline.conversion_timeout_minutes": c.Pipeline.ConversionTimeoutMinutes,
		"pipeline.min_free_gb_dvd":            c.Pipeline.MinFreeGBDVD,
		"pipeline.min_free_gb_bluray":         c.Pipeline.MinFreeGBBluRay,
		"pipeline.min_free_gb_uhd":            c.Pipeline.MinFreeGBUHD,
		"pipeline.progress_events_per_second": c.Pipeline.ProgressEventsPerSecond,
	}); err != nil {
		return err
	}
	if c.Pipeline.MinTitleSeconds < 0 {
		return errors.New("pipeline.min_title_seconds must be >= 0")
	}
	if c.Pipeline.ScratchRetentionHours < 0 {
		return errors.New("pipeline.scratch_retention_hours must be >= 0")
	}
	return nil
}

func (c *Config) validateDrive() error {
	switch c.Drive.Decryption {
	case "auto", "off":
	default:
		return fmt.Errorf("drive.decryption: unsupported value %q (want auto or off)", c.Drive.Decryption)
	}
	if c.Drive.AutoEnqueue && c.Drive.MountPoint == "" {
		return errors.New("drive.mount_point must be set when drive.auto_enqueue is true")
	}
	return nil
}

func (c *Config) validateConversion() error {
	switch c.Conversion.Backend {
	case "ffmpeg", "drapto":
	default:
		return fmt.Errorf("conversion.backend: unsupported value %q (want ffmpeg or drapto)", c.Conversion.Backend)
	}
	if c.Conversion.Quality < 0 || c.Conversion.Quality > 63 {
		return errors.New("conversion.quality must be between 0 and 63")
	}
	return nil
}

func (c *Config) validateAACS() error {
	if c.AACS.KeyDBDownloadTimeout <= 0 {
		return errors.New("aacs.keydb_download_timeout must be positive (seconds)")
	}
	for i, key := range c.AACS.ProcessingKeys {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 16 {
			return fmt.Errorf("aacs.processing_keys[%d] must be 32 hex characters", i)
		}
	}
	if (c.AACS.HostCertificate == "") != (c.AACS.HostPrivateKey == "") {
		return errors.New("aacs.host_certificate and aacs.host_private_key must be set together")
	}
	return nil
}

func (c *Config) validateCSS() error {
	for i, entry := range c.CSS.PlayerKeys {
		if _, _, err := ParsePlayerKey(entry); err != nil {
			return fmt.Errorf("css.player_keys[%d]: %w", i, err)
		}
	}
	return nil
}

// ParsePlayerKey splits an "index:hexkey" player key entry.
func ParsePlayerKey(entry string) (int, [5]byte, error) {
	var key [5]byte
	indexPart, keyPart, ok := strings.Cut(entry, ":")
	if !ok {
		return 0, key, errors.New("want index:hexkey")
	}
	index, err := strconv.Atoi(strings.TrimSpace(indexPart))
	if err != nil || index < 0 || index >= 408 {
		return 0, key, fmt.Errorf("index %q out of range", indexPart)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(keyPart)), "0x"))
	if err != nil || len(raw) != len(key) {
		return 0, key, errors.New("key must be 10 hex characters")
	}
	copy(key[:], raw)
	return index, key, nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
