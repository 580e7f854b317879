package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"
)

type RunOpts struct {
	Image   string
	Command []string
	// WorkDir is bind-mounted at MountPath (default /workspace) and used as
	// the container's working directory.
	WorkDir     string
	MountPath   string
	Env         map[string]string
	Timeout     time.Duration
	ExtraMounts []Mount
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	NoNetwork   bool
	// MaxLogBytes caps the captured output; 0 means unlimited.
	MaxLogBytes int64
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	// Logs is the container's combined output. The container runs with a TTY,
	// so stdout and stderr arrive interleaved in emission order.
	Logs string
}

func RunContainer(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	envSlice := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envSlice = append(envSlice, k+"="+v)
	}

	target := opts.MountPath
	if target == "" {
		target = "/workspace"
	}
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: opts.WorkDir,
			Target: target,
		},
	}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if opts.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(opts.CPULimit * 1e9)
	}
	if opts.MemoryLimit > 0 {
		hostCfg.Memory = opts.MemoryLimit
	}

	containerCfg := &container.Config{
		Image:           opts.Image,
		Cmd:             opts.Command,
		Env:             envSlice,
		WorkingDir:      target,
		Tty:             true,
		NetworkDisabled: opts.NoNetwork,
		Labels:          map[string]string{"driverbench": "true"},
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	waitResult := cli.ContainerWait(waitCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	errCh, resultCh := waitResult.Error, waitResult.Result
	for {
		select {
		case err := <-errCh:
			if err == nil {
				// nil error means no error on this channel; wait for result
				errCh = nil
				continue
			}
			cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			logs := readLogs(cli, containerID, opts.MaxLogBytes)
			if ctx.Err() != nil {
				return &RunResult{ExitCode: -1, Duration: time.Since(start), Logs: logs}, ctx.Err()
			}
			return &RunResult{
				ExitCode: 124,
				TimedOut: true,
				Duration: time.Since(start),
				Logs:     logs,
			}, nil
		case status := <-resultCh:
			return &RunResult{
				ExitCode: int(status.StatusCode),
				TimedOut: false,
				Duration: time.Since(start),
				Logs:     readLogs(cli, containerID, opts.MaxLogBytes),
			}, nil
		}
	}
}

func readLogs(cli *client.Client, containerID string, limit int64) string {
	logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil || logReader == nil {
		return ""
	}
	defer logReader.Close()
	var r io.Reader = logReader
	if limit > 0 {
		r = io.LimitReader(logReader, limit)
	}
	data, _ := io.ReadAll(r)
	return string(data)
}
