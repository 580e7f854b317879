package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalRunner runs tool commands on the host through sh -c, one process
// group per invocation.
type LocalRunner struct {
	Shell     string
	MaxOutput int
	Logger    *zap.Logger
}

func NewLocalRunner(maxOutput int, logger *zap.Logger) *LocalRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalRunner{Shell: "sh", MaxOutput: maxOutput, Logger: logger.Named("toolchain.local")}
}

func (r *LocalRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", inv.Command)
	cmd.Dir = inv.Dir
	cmd.Env = os.Environ()
	for k, v := range inv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdout := &cappedBuffer{limit: r.MaxOutput}
	stderr := &cappedBuffer{limit: r.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Kill the whole group so compiler subprocesses (cc1, clang-tidy workers)
	// die with the shell.
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = ExitTimeout
		res.TimedOut = true
		r.Logger.Warn("tool timed out",
			zap.String("tool", inv.Tool),
			zap.Duration("timeout", inv.Timeout),
			zap.String("dir", inv.Dir))
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			res.ExitCode = cmd.ProcessState.ExitCode()
		default:
			return nil, fmt.Errorf("running %s: %w", inv.Tool, err)
		}
	}
	return res, nil
}

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest. A zero limit keeps everything.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
