// Package gateway runs a local OpenAI-compatible proxy (litellm by default)
// for the lifetime of a run, so any model the proxy knows can be driven
// through the openai provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Gateway struct {
	Port    int
	cmd     *exec.Cmd
	exited  chan struct{}
	logFile *os.File
	logger  *zap.Logger
}

type StartOpts struct {
	// Command is split on whitespace; --port and, when set, --config are
	// appended.
	Command    string
	ConfigFile string
	// Env is appended to the process environment.
	Env     []string
	LogDir  string
	Timeout time.Duration
	Logger  *zap.Logger
}

func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

func (g *Gateway) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", g.Port)
}

// BaseURL is the OpenAI API root served by the gateway.
func (g *Gateway) BaseURL() string {
	return g.URL() + "/v1"
}

func Start(ctx context.Context, opts *StartOpts) (*Gateway, error) {
	args := strings.Fields(opts.Command)
	if len(args) == 0 {
		return nil, errors.New("gateway command is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gateway")

	port, err := FindFreePort()
	if err != nil {
		return nil, err
	}
	args = append(args, "--port", strconv.Itoa(port))
	if opts.ConfigFile != "" {
		args = append(args, "--config", opts.ConfigFile)
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating gateway log dir: %w", err)
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("gateway-%d.log", port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	// Not CommandContext: the gateway outlives the start context and is
	// stopped explicitly.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), opts.Env...)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", args[0], err)
	}
	g := &Gateway{Port: port, cmd: cmd, exited: make(chan struct{}), logFile: logFile, logger: logger}
	go func() {
		cmd.Wait()
		close(g.exited)
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := g.waitReady(ctx, timeout); err != nil {
		g.Stop()
		return nil, fmt.Errorf("%s did not start (log: %s): %w", args[0], logPath, err)
	}
	logger.Info("gateway started", zap.Int("port", port), zap.String("log", logPath))
	return g, nil
}

func (g *Gateway) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(g.Port))
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-g.exited:
			return fmt.Errorf("process exited: %s", g.cmd.ProcessState)
		case <-ctx.Done():
			return fmt.Errorf("port %d not ready after %s: %w", g.Port, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stop kills the gateway and waits for it to exit. Safe to call twice.
func (g *Gateway) Stop() error {
	if g.cmd != nil && g.cmd.Process != nil {
		select {
		case <-g.exited:
		default:
			g.cmd.Process.Kill()
			<-g.exited
			g.logger.Info("gateway stopped", zap.Int("port", g.Port))
		}
	}
	if g.logFile != nil {
		g.logFile.Close()
		g.logFile = nil
	}
	return nil
}
