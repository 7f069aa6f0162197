package config

const (
	defaultConfigPath               = "~/.config/ripline/config.toml"
	defaultScratchDir               = "~/.local/share/ripline/scratch"
	defaultOutputDir                = "~/videos/ripline"
	defaultStateDir                 = "~/.local/share/ripline"
	defaultLogDir                   = "~/.local/share/ripline/logs"
	defaultAPIBind                  = "127.0.0.1:7491"
	defaultDevice                   = "/dev/sr0"
	defaultMountPoint               = "/media/cdrom"
	defaultDecryption               = "auto"
	defaultMaxConcurrentConversions = 2
	defaultConversionTimeoutMinutes = 30
	defaultMinTitleSeconds          = 60
	defaultMinFreeGBDVD             = 10
	defaultMinFreeGBBluRay          = 50
	defaultMinFreeGBUHD             = 100
	defaultScratchRetentionHours    = 72
	defaultProgressEventsPerSecond  = 4
	defaultBackend                  = "ffmpeg"
	defaultCodec                    = "libx265"
	defaultQuality                  = 22
	defaultPreset                   = "medium"
	defaultContainer                = "mkv"
	defaultFFmpegBinary             = "ffmpeg"
	defaultKeyDBPath                = "~/.config/ripline/keydb/KEYDB.cfg"
	defaultKeyDBDownloadURL         = "http://fvonline-db.bplaced.net/export/keydb_eng.zip"
	defaultKeyDBDownloadTimeout     = 300
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
	defaultLogRetentionDays         = 30
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			ScratchDir: defaultScratchDir,
			OutputDir:  defaultOutputDir,
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Drive: Drive{
			Device:     defaultDevice,
			Decryption: defaultDecryption,
			Eject:      true,
			MountPoint: defaultMountPoint,
		},
		Pipeline: Pipeline{
			MaxConcurrentConversions: defaultMaxConcurrentConversions,
			ConversionTimeoutMinutes: defaultConversionTimeoutMinutes,
			MinTitleSeconds:          defaultMinTitleSeconds,
			MinFreeGBDVD:             defaultMinFreeGBDVD,
			MinFreeGBBluRay:          defaultMinFreeGBBluRay,
			MinFreeGBUHD:             defaultMinFreeGBUHD,
			ScratchRetentionHours:    defaultScratchRetentionHours,
			ProgressEventsPerSecond:  defaultProgressEventsPerSecond,
		},
		Conversion: Conversion{
			Backend:          defaultBackend,
			Codec:            defaultCodec,
			Quality:          defaultQuality,
			Preset:           defaultPreset,
			Container:        defaultContainer,
			IncludeSubtitles: true,
			IncludeChapters:  true,
			FFmpegBinary:     defaultFFmpegBinary,
		},
		AACS: AACS{
			KeyDBPath:            defaultKeyDBPath,
			KeyDBDownloadURL:     defaultKeyDBDownloadURL,
			KeyDBDownloadTimeout: defaultKeyDBDownloadTimeout,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Extraction:     true,
			Conversion:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
