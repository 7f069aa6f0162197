package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"ripline/internal/config"
	"ripline/internal/deps"
	"ripline/internal/disc"
	"ripline/internal/logging"
	"ripline/internal/notifications"
	"ripline/internal/pipeline"
	"ripline/internal/preflight"
	"ripline/internal/queue"
	"ripline/internal/services"
)

const shutdownTimeout = 30 * time.Second

// MountFunc resolves the filesystem root of the disc in device.
type MountFunc func(ctx context.Context, device string) (string, error)

// Daemon coordinates the pipeline, disc monitoring and the HTTP API, and
// enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	pipeline *pipeline.Manager
	stream   *logging.StreamHub
	notifier notifications.Service
	mount    MountFunc
	status   disc.StatusFunc

	lockPath string
	lock     *flock.Flock

	monitor *discMonitor
	api     *apiServer

	mu        sync.Mutex
	running   atomic.Bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	StartedAt    time.Time           `json:"started_at"`
	Pipeline     pipeline.Summary    `json:"pipeline"`
	Dependencies []deps.Status       `json:"dependencies"`
	Disc         preflight.DiscProbe `json:"disc"`
	DiscMonitor  bool                `json:"disc_monitor"`
	QueueDBPath  string              `json:"queue_db_path"`
	LockFilePath string              `json:"lock_file_path"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLogStream exposes hub through the API log endpoint.
func WithLogStream(hub *logging.StreamHub) Option {
	return func(d *Daemon) { d.stream = hub }
}

// WithNotifier replaces the ntfy notifier built from config.
func WithNotifier(n notifications.Service) Option {
	return func(d *Daemon) { d.notifier = n }
}

// WithMounter replaces the fstab mount used for drive enqueues.
func WithMounter(fn MountFunc) Option {
	return func(d *Daemon) { d.mount = fn }
}

// WithDriveStatus replaces the CDROM_DRIVE_STATUS probe used before a
// detected disc is enqueued.
func WithDriveStatus(fn disc.StatusFunc) Option {
	return func(d *Daemon) { d.status = fn }
}

// New constructs a daemon around an unstarted pipeline manager.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, mgr *pipeline.Manager, opts ...Option) (*Daemon, error) {
	if cfg == nil || logger == nil || mgr == nil {
		return nil, errors.New("daemon requires config, logger, and pipeline manager")
	}

	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		pipeline: mgr,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		status:   disc.CheckDriveStatus,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}
	if d.mount == nil {
		d.mount = func(ctx context.Context, device string) (string, error) {
			root, _, err := disc.EnsureMounted(ctx, device, logger)
			return root, err
		}
	}
	if cfg.Drive.AutoEnqueue {
		d.monitor = newDiscMonitor(cfg, logger, d.HandleDiscInserted)
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock and launches the pipeline, disc monitor and
// API server.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another ripline daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.pipeline.Start(d.ctx); err != nil {
		d.releaseLocked()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := d.monitor.Start(d.ctx); err != nil {
		d.logger.Warn("disc monitor unavailable", logging.Error(err))
	}
	if err := d.api.start(d.ctx); err != nil {
		d.monitor.Stop()
		d.shutdownPipeline()
		d.releaseLocked()
		return err
	}

	d.startedAt = time.Now()
	d.running.Store(true)
	d.logger.Info("ripline daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.Bool("disc_monitor", d.monitor.Running()),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock. Jobs that
// were mid-stage resume through recovery on the next start.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.monitor.Stop()
	d.shutdownPipeline()
	d.releaseLocked()
	d.running.Store(false)
	d.logger.Info("ripline daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

func (d *Daemon) shutdownPipeline() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.pipeline.Shutdown(ctx); err != nil {
		logging.WarnWithContext(d.logger, "pipeline did not stop cleanly", "pipeline_shutdown_timeout",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "a transcoder may be ignoring cancellation"),
			logging.String(logging.FieldImpact, "in-flight jobs are recovered on next start"),
		)
	}
}

func (d *Daemon) releaseLocked() {
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether Start has succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Enqueue adds a job. A request without a source path reads from the drive
// named by req.Device, or the configured drive, after mounting it.
func (d *Daemon) Enqueue(ctx context.Context, req pipeline.EnqueueRequest) (*queue.Job, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		device := strings.TrimSpace(req.Device)
		if device == "" {
			device = d.cfg.Drive.Device
		}
		if device == "" {
			return nil, services.Wrap(services.ErrValidation, "daemon", "enqueue", "no source path and no drive configured", nil)
		}
		root, err := d.mount(ctx, device)
		if err != nil {
			return nil, services.Wrap(services.ErrNotFound, "daemon", "mount disc", "Unable to mount disc in "+device, err)
		}
		req.SourcePath = root
		req.Device = device
	}
	return d.pipeline.Enqueue(ctx, req)
}

// Cancel cancels a pending job.
func (d *Daemon) Cancel(ctx context.Context, id string) (*queue.Job, error) {
	return d.pipeline.Cancel(ctx, id)
}

// CancelAllPending cancels every pending job and reports how many changed.
func (d *Daemon) CancelAllPending(ctx context.Context) int {
	return d.pipeline.CancelAllPending(ctx)
}

// Clear removes a finished job and its scratch data.
func (d *Daemon) Clear(ctx context.Context, id string) error {
	return d.pipeline.Clear(ctx, id)
}

// ClearFinished removes every finished job.
func (d *Daemon) ClearFinished(ctx context.Context) int {
	return d.pipeline.ClearFinished(ctx)
}

// Jobs lists jobs in queue order, optionally filtered by status.
func (d *Daemon) Jobs(statuses ...queue.Status) []*queue.Job {
	jobs := d.pipeline.Jobs()
	if len(statuses) == 0 {
		return jobs
	}
	wanted := make(map[queue.Status]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}
	filtered := jobs[:0]
	for _, job := range jobs {
		if _, ok := wanted[job.Status]; ok {
			filtered = append(filtered, job)
		}
	}
	return filtered
}

// Job returns a single job by ID.
func (d *Daemon) Job(id string) (*queue.Job, error) {
	return d.pipeline.Job(id)
}

// Stats returns job counts by status.
func (d *Daemon) Stats() map[queue.Status]int {
	return d.pipeline.Stats()
}

// Subscribe streams pipeline job events.
func (d *Daemon) Subscribe(buffer int) (<-chan pipeline.Event, func()) {
	return d.pipeline.Subscribe(buffer)
}

// LogStream returns the in-memory log hub, if one was configured.
func (d *Daemon) LogStream() *logging.StreamHub {
	return d.stream
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Publish(ctx, notifications.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.Lock()
	startedAt := d.startedAt
	d.mu.Unlock()
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StartedAt:    startedAt,
		Pipeline:     d.pipeline.Status(),
		Dependencies: preflight.CheckSystemDeps(d.cfg),
		Disc:         preflight.ProbeDisc(ctx, d.cfg.Drive.Device),
		DiscMonitor:  d.monitor.Running(),
		QueueDBPath:  d.QueueDBPath(),
		LockFilePath: d.lockPath,
	}
}

// APIAddr returns the address the HTTP API listens on, or "" when disabled.
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// DatabaseHealth pings the job database and counts persisted jobs.
func (d *Daemon) DatabaseHealth(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, errors.New("job store unavailable")
	}
	return d.store.CheckHealth(ctx)
}

// QueueDBPath returns the job database location.
func (d *Daemon) QueueDBPath() string {
	return d.cfg.QueueDBPath()
}
