package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ripline/internal/config"
	"ripline/internal/conversion"
	"ripline/internal/disc"
	"ripline/internal/extraction"
	"ripline/internal/logging"
	"ripline/internal/notifications"
	"ripline/internal/queue"
	"ripline/internal/staging"
)

const (
	storeTimeout  = 10 * time.Second
	ejectTimeout  = 30 * time.Second
	notifyTimeout = 15 * time.Second
)

// Extractor stages a job's titles into scratch.
type Extractor interface {
	Extract(ctx context.Context, req extraction.Request, progress extraction.ProgressFunc) (extraction.Result, error)
}

// EjectFunc is invoked once per job after a successful extraction.
type EjectFunc func(ctx context.Context, job *queue.Job) error

// Manager runs jobs through extraction and conversion.
type Manager struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	extractor  Extractor
	transcoder conversion.Transcoder
	eject      EjectFunc
	notifier   notifications.Service
	now        func() time.Time
	slots      int
	events     *hub

	mu       sync.RWMutex
	jobs     []*queue.Job
	index    map[string]*queue.Job
	runtime  map[string]*jobRuntime
	nextSeq  int64
	ctx      context.Context
	cancel   context.CancelFunc
	stopping bool
	busy     bool
	wg       sync.WaitGroup
}

type jobRuntime struct {
	limiter *rate.Limiter
	sampler *logging.ProgressSampler
	ejected bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithStore mirrors jobs to store. Without one the queue lives in memory.
func WithStore(store *queue.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithExtractor replaces the disc extractor.
func WithExtractor(e Extractor) Option {
	return func(m *Manager) { m.extractor = e }
}

// WithTranscoder replaces the configured conversion backend.
func WithTranscoder(t conversion.Transcoder) Option {
	return func(m *Manager) { m.transcoder = t }
}

// WithEjector replaces the drive ejector.
func WithEjector(fn EjectFunc) Option {
	return func(m *Manager) { m.eject = fn }
}

// WithNotifier replaces the ntfy notifier.
func WithNotifier(n notifications.Service) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager. Collaborators not supplied as options are built
// from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: config is required")
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
		now:     time.Now,
		slots:   cfg.Pipeline.MaxConcurrentConversions,
		index:   make(map[string]*queue.Job),
		runtime: make(map[string]*jobRuntime),
		nextSeq: 1,
	}
	m.events = newHub(m.logger)
	for _, opt := range opts {
		opt(m)
	}
	if m.slots <= 0 {
		m.slots = 2
	}
	if m.extractor == nil {
		m.extractor = extraction.New(cfg, logger)
	}
	if m.transcoder == nil {
		runner, err := conversion.NewFromConfig(cfg, logger)
		if err != nil {
			return nil, err
		}
		m.transcoder = runner
	}
	if m.notifier == nil {
		m.notifier = notifications.NewService(cfg)
	}
	if m.eject == nil && cfg.Drive.Eject {
		m.eject = DriveEjector(disc.NewEjector())
	}
	return m, nil
}

// DriveEjector adapts a disc.Ejector to the job's device. Jobs without a
// device, such as copies on disk, are skipped.
func DriveEjector(ejector disc.Ejector) EjectFunc {
	return func(ctx context.Context, job *queue.Job) error {
		if job == nil || job.Device == "" {
			return nil
		}
		return ejector.Eject(ctx, job.Device)
	}
}

// Start loads persisted jobs, removes stale scratch data and begins
// scheduling. Stages run under ctx until Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return errors.New("pipeline already started")
	}
	m.mu.Unlock()

	jobs, err := m.load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, job := range jobs {
		m.jobs = append(m.jobs, job)
		m.index[job.ID] = job
		if job.Seq >= m.nextSeq {
			m.nextSeq = job.Seq + 1
		}
	}
	m.mu.Unlock()

	m.cleanScratch(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.logger.Info("pipeline started",
		logging.String(logging.FieldEventType, "pipeline_start"),
		logging.Int("jobs", len(m.jobs)),
		logging.Int("conversion_slots", m.slots),
		logging.String("transcoder", m.transcoder.Name()),
	)
	m.scheduleLocked()
	return nil
}

func (m *Manager) load(ctx context.Context) ([]*queue.Job, error) {
	if m.store == nil {
		return nil, nil
	}
	recovered, err := m.store.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if recovered.Interrupted > 0 || recovered.Requeued > 0 {
		m.logger.Info("recovered interrupted jobs",
			logging.String(logging.FieldEventType, "pipeline_recovery"),
			logging.Int("interrupted", recovered.Interrupted),
			logging.Int("requeued", recovered.Requeued),
		)
	}
	return m.store.List(ctx)
}

func (m *Manager) cleanScratch(ctx context.Context) {
	m.mu.RLock()
	pinned := make(map[string]bool)
	live := make(map[string]bool)
	for _, job := range m.jobs {
		switch {
		case !job.Status.IsTerminal():
			pinned[job.ID] = true
		case job.ScratchDir != "":
			live[job.ID] = true
		}
	}
	m.mu.RUnlock()

	result := staging.Clean(ctx, m.cfg.Paths.ScratchDir, staging.Policy{
		Pinned: func(name string) bool { return pinned[name] },
		Live:   func(name string) bool { return live[name] },
		MaxAge: time.Duration(m.cfg.Pipeline.ScratchRetentionHours) * time.Hour,
		Now:    m.now,
	}, m.logger)
	if len(result.Removed) == 0 {
		return
	}

	removed := make(map[string]bool, len(result.Removed))
	for _, path := range result.Removed {
		removed[path] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ScratchDir != "" && removed[job.ScratchDir] {
			job.ScratchDir = ""
			m.persistLocked(job)
		}
	}
}

// Shutdown stops scheduling and waits for running stages to observe
// cancellation. Interrupted jobs keep their state for recovery on the next
// Start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.events.close()
	m.logger.Info("pipeline stopped", logging.String(logging.FieldEventType, "pipeline_stop"))
	return nil
}

// Subscribe returns a channel of job events and a function that ends the
// subscription. Events are dropped, and the loss logged, for subscribers
// whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

func (m *Manager) publishLocked(kind EventKind, job *queue.Job) {
	m.events.publish(Event{Kind: kind, Job: job.Clone(), Time: m.now().UTC()})
}

// persistLocked mirrors job to the store. Store failures are logged; the
// in-memory job stays authoritative for this process.
func (m *Manager) persistLocked(job *queue.Job) {
	if err := m.saveLocked(job); err != nil {
		logging.WarnWithContext(m.logger, "failed to persist job", "queue_persist_failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("status", string(job.Status)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions and free space"),
			logging.String(logging.FieldImpact, "job state may be stale after restart"),
		)
	}
}

func (m *Manager) saveLocked(job *queue.Job) error {
	if m.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return m.store.Save(ctx, job)
}

func (m *Manager) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := m.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "user not notified"),
		)
	}
}

func (m *Manager) runtimeLocked(id string) *jobRuntime {
	rt := m.runtime[id]
	if rt == nil {
		perSecond := m.cfg.Pipeline.ProgressEventsPerSecond
		if perSecond <= 0 {
			perSecond = 2
		}
		rt = &jobRuntime{
			limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
			sampler: logging.NewProgressSampler(0.1),
		}
		m.runtime[id] = rt
	}
	return rt
}
