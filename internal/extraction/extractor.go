package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ripline/internal/aacs"
	"ripline/internal/config"
	"ripline/internal/disc"
	"ripline/internal/keydb"
	"ripline/internal/logging"
	"ripline/internal/services"
)

const (
	stageName     = "extraction"
	manifestName  = "manifest.json"
	progressEvery = 256
)

// Request describes one extraction.
type Request struct {
	JobID      string
	SourcePath string
	// Device is the drive holding the source; empty for copies on disk,
	// which then must not contain protected sectors.
	Device string
	// Titles restricts extraction to these numbers; empty means every title
	// at least the configured minimum length.
	Titles []int
}

// StagedFile is one decrypted title written to scratch.
type StagedFile struct {
	Title     int     `json:"title"`
	Path      string  `json:"path"`
	Duration  float64 `json:"duration_seconds"`
	Chapters  int     `json:"chapters"`
	Sectors   uint64  `json:"sectors"`
	Decrypted uint64  `json:"decrypted_sectors"`
}

// Result is the outcome of a successful extraction.
type Result struct {
	ScratchDir string       `json:"scratch_dir"`
	MediaKind  disc.Kind    `json:"media_kind"`
	DiscTitle  string       `json:"disc_title"`
	Files      []StagedFile `json:"files"`
	NavFiles   []string     `json:"nav_files"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ProgressFunc receives the fraction of sectors copied so far.
type ProgressFunc func(fraction float64, message string)

// Extractor stages decrypted titles into scratch directories.
type Extractor struct {
	cfg         *config.Config
	logger      *slog.Logger
	openDrive   DriveOpener
	catalog     *keydb.Catalog
	freeSpace   FreeSpaceFunc
	credentials func() (aacs.Credentials, error)
}

// Option customises an Extractor.
type Option func(*Extractor)

// WithDriveOpener replaces the SG_IO drive used for key exchange.
func WithDriveOpener(open DriveOpener) Option {
	return func(e *Extractor) { e.openDrive = open }
}

// WithKeyCatalog supplies KEYDB volume and processing keys.
func WithKeyCatalog(catalog *keydb.Catalog) Option {
	return func(e *Extractor) { e.catalog = catalog }
}

// WithFreeSpace replaces the statfs probe.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(e *Extractor) { e.freeSpace = fn }
}

// WithAACSCredentials uses creds instead of loading them from the
// configured files.
func WithAACSCredentials(creds aacs.Credentials) Option {
	return func(e *Extractor) {
		e.credentials = func() (aacs.Credentials, error) { return creds, nil }
	}
}

// New builds an Extractor from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, stageName),
		openDrive: OpenMMCDrive,
		freeSpace: FreeSpace,
	}
	e.credentials = func() (aacs.Credentials, error) {
		a := cfg.AACS
		if a.HostCertificate == "" || a.HostPrivateKey == "" || a.TrustedRoot == "" {
			return aacs.Credentials{}, errors.New("aacs.host_certificate, aacs.host_private_key and aacs.trusted_root must be configured")
		}
		return aacs.LoadCredentials(a.HostCertificate, a.HostPrivateKey, a.TrustedRoot)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract copies the selected titles of req.SourcePath into
// <scratch_dir>/<job id>. On error nothing is left in scratch.
func (e *Extractor) Extract(ctx context.Context, req Request, progress ProgressFunc) (result Result, err error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, services.Wrap(services.ErrValidation, stageName, "extract", "job id is required", nil)
	}
	if progress == nil {
		progress = func(float64, string) {}
	}
	logger := logging.WithContext(ctx, e.logger)

	// The layout alone sets the space threshold, so a full scratch fails
	// before a slow parse of the disc.
	kind, err := disc.DetectKind(req.SourcePath)
	if err != nil {
		return Result{}, err
	}
	scratchRoot := e.cfg.Paths.ScratchDir
	if err := CheckDiskSpace(scratchRoot, RequiredSpace(e.cfg, kind), e.freeSpace); err != nil {
		var spaceErr *InsufficientDiskSpaceError
		if errors.As(err, &spaceErr) {
			logging.WarnWithContext(logger, "scratch space below minimum", "disk_space_insufficient",
				logging.Uint64("required_bytes", spaceErr.Required),
				logging.Uint64("available_bytes", spaceErr.Available),
				logging.String(logging.FieldErrorHint, "free space in paths.scratch_dir or lower pipeline.min_free_gb_*"),
			)
		}
		return Result{}, err
	}

	media, err := disc.Open(req.SourcePath)
	if err != nil {
		return Result{}, err
	}
	titles, err := disc.SelectTitles(media, e.cfg.MinTitleDuration(), req.Titles)
	if err != nil {
		return Result{}, err
	}

	scratch := filepath.Join(scratchRoot, req.JobID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, stageName, "create scratch", scratch, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logging.WarnWithContext(logger, "failed to remove scratch after error", "scratch_cleanup_failed",
				logging.String("scratch_dir", scratch),
				logging.Error(rmErr),
			)
		}
	}()

	logger.Info("extraction started",
		logging.String(logging.FieldEventType, "extraction_start"),
		logging.String("source_path", media.Root),
		logging.String("media_kind", media.Kind.String()),
		logging.Int("titles", len(titles)),
		logging.String("scratch_dir", scratch),
	)

	result = Result{
		ScratchDir: scratch,
		MediaKind:  media.Kind,
		DiscTitle:  disc.DisplayTitle("", media.Root),
		CreatedAt:  time.Now().UTC(),
	}
	if result.NavFiles, err = copyNavigation(ctx, media, scratch); err != nil {
		return Result{}, err
	}

	unlock, err := e.newUnlocker(media, req.Device)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if closeErr := unlock.Close(); closeErr != nil {
			logger.Debug("closing decryption session", logging.Error(closeErr))
		}
	}()

	copier := &titleCopier{
		media:    media,
		unlock:   unlock,
		scratch:  scratch,
		progress: progress,
		total:    totalSectors(media, titles),
	}
	for _, title := range titles {
		staged, err := copier.copyTitle(ctx, title)
		if err != nil {
			return Result{}, err
		}
		result.Files = append(result.Files, staged)
		logger.Info("title staged",
			logging.String(logging.FieldEventType, "title_staged"),
			logging.Int("title", staged.Title),
			logging.Uint64("sectors", staged.Sectors),
			logging.Uint64("decrypted_sectors", staged.Decrypted),
			logging.String("path", staged.Path),
		)
	}

	if err := WriteManifest(scratch, result); err != nil {
		return Result{}, err
	}
	progress(1, "extraction complete")
	logger.Info("extraction completed",
		logging.String(logging.FieldEventType, "extraction_complete"),
		logging.Int("files", len(result.Files)),
	)
	return result, nil
}

func progressMessage(title int, done, total uint64) string {
	if total == 0 {
		return fmt.Sprintf("title %d", title)
	}
	return fmt.Sprintf("title %d: %d/%d sectors", title, done, total)
}
