package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"ripline/internal/config"
	"ripline/internal/daemon"
	"ripline/internal/ipc"
	"ripline/internal/logging"
	"ripline/internal/pipeline"
	"ripline/internal/queue"
	"ripline/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	store      *queue.Store
	daemon     *daemon.Daemon
	hub        *logging.StreamHub
	extractor  *testsupport.FakeExtractor
	socketPath string
	configPath string
	source     string
	stopped    chan struct{}
}

type envOption func(*cliTestEnv)

// withOpenGate lets fake extractions finish immediately instead of blocking
// until the test releases them.
func withOpenGate() envOption {
	return func(env *cliTestEnv) { env.extractor.Gate = nil }
}

// newOfflineEnv writes a config file and a fixture disc without starting a
// daemon.
func newOfflineEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	base := testsupport.BaseDir(cfg)
	env := &cliTestEnv{
		cfg:        cfg,
		socketPath: cfg.SocketPath(),
		configPath: filepath.Join(base, "ripline.toml"),
		stopped:    make(chan struct{}),
	}
	env.source = testsupport.WriteDVD(t, filepath.Join(base, "DISC"), nil,
		testsupport.DVDTitle{Seconds: 600, Chapters: 4},
		testsupport.DVDTitle{Seconds: 20},
	)
	writeTestConfig(t, env.configPath, cfg)
	return env
}

func setupCLITestEnv(t *testing.T, opts ...envOption) *cliTestEnv {
	t.Helper()
	env := newOfflineEnv(t)
	env.extractor = &testsupport.FakeExtractor{ScratchRoot: env.cfg.Paths.ScratchDir, Gate: make(chan struct{})}
	for _, opt := range opts {
		opt(env)
	}

	env.store = testsupport.MustOpenStore(t, env.cfg)
	logger := logging.NewNop()
	mgr, err := pipeline.New(env.cfg, logger,
		pipeline.WithStore(env.store),
		pipeline.WithExtractor(env.extractor),
		pipeline.WithTranscoder(&testsupport.FakeTranscoder{}),
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	env.hub = logging.NewStreamHub(64)
	d, err := daemon.New(env.cfg, env.store, logger, mgr, daemon.WithLogStream(env.hub))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	env.daemon = d
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var srv *ipc.Server
	onStop := func() {
		close(env.stopped)
		srv.Close()
	}
	srv, err = ipc.NewServer(ctx, env.socketPath, d, logger, onStop)
	if err != nil {
		cancel()
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		if env.extractor.Gate != nil {
			close(env.extractor.Gate)
		}
		cancel()
		srv.Close()
		d.Stop()
	})
	return env
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (env *cliTestEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	out, _, err := runCLI(t, args, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("ripline %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
