package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"ripline/internal/config"
	"ripline/internal/logging"
)

// A single insert raises "add" and one or more "change" uevents within a
// few seconds of each other.
const insertDebounce = 5 * time.Second

// DiscDetectedResult describes what the daemon did with an inserted disc.
type DiscDetectedResult struct {
	Handled bool
	Message string
	JobID   string
}

type discHandler func(ctx context.Context, device string) (*DiscDetectedResult, error)

// discMonitor watches kernel uevents for media appearing in the configured
// drive and hands the device to handler.
type discMonitor struct {
	logger  *slog.Logger
	handler discHandler
	device  string
	// names holds the configured path and its resolved target, so that
	// /dev/cdrom in the config still matches uevents for /dev/sr0.
	names map[string]bool
	now   func() time.Time

	mu       sync.Mutex
	conn     *netlink.UEventConn
	stop     chan struct{}
	done     sync.WaitGroup
	lastSeen time.Time
}

func newDiscMonitor(cfg *config.Config, logger *slog.Logger, handler discHandler) *discMonitor {
	if cfg == nil || strings.TrimSpace(cfg.Drive.Device) == "" {
		return nil
	}
	device := strings.TrimSpace(cfg.Drive.Device)
	names := map[string]bool{device: true}
	if resolved, err := filepath.EvalSymlinks(device); err == nil {
		names[resolved] = true
	}
	return &discMonitor{
		logger:  logging.NewComponentLogger(logger, "disc-monitor"),
		handler: handler,
		device:  device,
		names:   names,
		now:     time.Now,
	}
}

// Start subscribes to uevents. When the socket cannot be opened the monitor
// logs a warning and stays off; `ripline enqueue` keeps working.
func (m *discMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "disc monitor unavailable", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "allow the daemon to open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "inserted discs are not queued automatically"),
		)
		return nil
	}
	m.conn = conn
	m.stop = make(chan struct{})
	m.done.Add(1)
	go m.watch(ctx, conn, m.stop)

	m.logger.Info("disc monitor started",
		logging.String(logging.FieldEventType, "disc_monitor_started"),
		logging.String(logging.FieldDevice, m.device),
	)
	return nil
}

// Stop closes the uevent socket and waits for any handler call to return.
func (m *discMonitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return
	}
	close(m.stop)
	_ = m.conn.Close()
	m.conn, m.stop = nil, nil
	m.mu.Unlock()

	m.done.Wait()
	m.logger.Info("disc monitor stopped", logging.String(logging.FieldEventType, "disc_monitor_stopped"))
}

func (m *discMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *discMonitor) watch(ctx context.Context, conn *netlink.UEventConn, stop <-chan struct{}) {
	defer m.done.Done()
	events := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(events, errs, buildMatcher())
	defer close(quit)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev := <-events:
			m.handleEvent(ctx, ev)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "uevent read failed", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "a disc insert may have been missed"),
			)
		}
	}
}

// buildMatcher keeps add/change events for optical block devices that
// report media present.
func buildMatcher() netlink.Matcher {
	action := "change|add"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM":      "block",
			"ID_CDROM":       "1",
			"ID_CDROM_MEDIA": "1",
		},
	})
	return rules
}

func (m *discMonitor) handleEvent(ctx context.Context, ev netlink.UEvent) {
	device := deviceName(ev)
	if device == "" || !m.names[device] {
		m.logger.Debug("uevent ignored",
			logging.String(logging.FieldDevice, device),
			logging.String("action", string(ev.Action)),
		)
		return
	}
	if m.debounced() {
		m.logger.Debug("duplicate insert event ignored", logging.String(logging.FieldDevice, device))
		return
	}

	m.logger.Info("disc inserted",
		logging.String(logging.FieldEventType, "disc_media_detected"),
		logging.String(logging.FieldDevice, device),
		logging.String("action", string(ev.Action)),
	)
	if m.handler == nil {
		return
	}
	result, err := m.handler(ctx, m.device)
	switch {
	case err != nil:
		logging.WarnWithContext(m.logger, "inserted disc not queued", "disc_enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldDevice, device),
			logging.String(logging.FieldErrorHint, "queue it by hand with ripline enqueue"),
			logging.String(logging.FieldImpact, "disc not queued"),
		)
	case result != nil && result.Handled:
		m.logger.Info("disc queued",
			logging.String(logging.FieldEventType, "disc_queued"),
			logging.String(logging.FieldDevice, device),
			logging.String(logging.FieldJobID, result.JobID),
		)
	case result != nil:
		m.logger.Debug("disc not queued",
			logging.String(logging.FieldDevice, device),
			logging.String("reason", result.Message),
		)
	}
}

// debounced reports whether an insert was already handled within
// insertDebounce, and records this one otherwise.
func (m *discMonitor) debounced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.lastSeen.IsZero() && now.Sub(m.lastSeen) < insertDebounce {
		return true
	}
	m.lastSeen = now
	return false
}

// deviceName prefers DEVNAME and falls back to the last DEVPATH element,
// e.g. /devices/pci0000:00/.../block/sr0.
func deviceName(ev netlink.UEvent) string {
	if name := ev.Env["DEVNAME"]; name != "" {
		if strings.HasPrefix(name, "/") {
			return name
		}
		return "/dev/" + name
	}
	if path := ev.Env["DEVPATH"]; path != "" {
		return "/dev/" + filepath.Base(path)
	}
	return ""
}
