package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"ripline/internal/config"
	"ripline/internal/ipc"
)

const (
	envSocket = "RIPLINE_SOCKET"
	envConfig = "RIPLINE_CONFIG"

	// Commands carrying this annotation load configuration themselves or
	// need none.
	annotationSkipConfig = "skipConfigLoad"
)

// commandContext is shared by every subcommand. Configuration is loaded at
// most once per invocation and only when a command asks for it.
type commandContext struct {
	socketFlag *string
	configFlag *string

	load func() (*config.Config, error)
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	c := &commandContext{socketFlag: socketFlag, configFlag: configFlag}
	c.load = sync.OnceValues(func() (*config.Config, error) {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			return nil, err
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		return cfg, nil
	})
	return c
}

func firstSet(flag *string, env string) string {
	if flag != nil {
		if v := strings.TrimSpace(*flag); v != "" {
			return v
		}
	}
	return strings.TrimSpace(os.Getenv(env))
}

// configPath is --config, else $RIPLINE_CONFIG. Empty selects the default
// location.
func (c *commandContext) configPath() string {
	return firstSet(c.configFlag, envConfig)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	return c.load()
}

// configValue is ensureConfig for callers that can live without a config.
func (c *commandContext) configValue() *config.Config {
	cfg, err := c.load()
	if err != nil {
		return nil
	}
	return cfg
}

// socketPath is --socket, else $RIPLINE_SOCKET, else the socket in the
// configured state directory.
func (c *commandContext) socketPath() string {
	if socket := firstSet(c.socketFlag, envSocket); socket != "" {
		return socket
	}
	if cfg := c.configValue(); cfg != nil {
		return cfg.SocketPath()
	}
	return ""
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	client, err := c.dialClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func (c *commandContext) dialClient() (*ipc.Client, error) {
	socket := c.socketPath()
	if socket == "" {
		return nil, errors.New("connect to daemon: socket path unknown; check the configuration")
	}
	client, err := ipc.Dial(socket)
	if err != nil {
		return nil, wrapDialError(err, socket)
	}
	return client, nil
}

func wrapDialError(err error, socket string) error {
	var hint string
	switch {
	case errors.Is(err, syscall.ENOENT), errors.Is(err, os.ErrNotExist):
		hint = "not found; start the daemon with `ripline start`"
	case errors.Is(err, syscall.ECONNREFUSED):
		hint = "refused the connection; verify the daemon is running"
	default:
		return fmt.Errorf("connect to daemon: %w", err)
	}
	return fmt.Errorf("connect to daemon: socket %s %s", socket, hint)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for ; cmd != nil; cmd = cmd.Parent() {
		if cmd.Annotations[annotationSkipConfig] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
