package toolchain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/signalnine/driverbench/internal/docker"
)

// DockerRunner runs tool commands inside a prebuilt toolchain image. The
// iteration directory is mounted at its host path so rendered paths stay
// valid inside the container.
type DockerRunner struct {
	Image       string
	MaxOutput   int
	CPULimit    float64
	MemoryLimit int64
	Mounts      []docker.Mount
	Logger      *zap.Logger
}

func NewDockerRunner(image string, maxOutput int, logger *zap.Logger) *DockerRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRunner{Image: image, MaxOutput: maxOutput, Logger: logger.Named("toolchain.docker")}
}

func (r *DockerRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	out, err := docker.RunContainer(ctx, &docker.RunOpts{
		Image:       r.Image,
		Command:     []string{"sh", "-c", inv.Command},
		WorkDir:     inv.Dir,
		MountPath:   inv.Dir,
		Env:         inv.Env,
		Timeout:     inv.Timeout,
		ExtraMounts: r.Mounts,
		CPULimit:    r.CPULimit,
		MemoryLimit: r.MemoryLimit,
		NoNetwork:   true,
		MaxLogBytes: int64(r.MaxOutput),
	})
	if out == nil {
		return nil, fmt.Errorf("running %s in %s: %w", inv.Tool, r.Image, err)
	}
	res := &Result{
		ExitCode:  out.ExitCode,
		Stdout:    out.Logs,
		TimedOut:  out.TimedOut,
		Duration:  out.Duration,
		Truncated: r.MaxOutput > 0 && len(out.Logs) >= r.MaxOutput,
	}
	if err != nil {
		return res, err
	}
	if res.TimedOut {
		r.Logger.Warn("tool timed out", zap.String("tool", inv.Tool), zap.String("image", r.Image))
	}
	return res, nil
}
