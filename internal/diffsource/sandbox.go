package diffsource

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult is the outcome of one command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs commands in an agent's sandbox container.
type Executor interface {
	Exec(ctx context.Context, sandboxID, workdir string, cmd []string) (ExecResult, error)
	Running(ctx context.Context, sandboxID string) (bool, error)
}

// DockerExecutor talks to the Docker daemon that hosts the agent sandboxes.
type DockerExecutor struct {
	client *client.Client
}

// NewDockerExecutor connects using the standard DOCKER_* environment, or
// host when it is set.
func NewDockerExecutor(host string) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{client: cli}, nil
}

func (d *DockerExecutor) Exec(ctx context.Context, sandboxID, workdir string, cmd []string) (ExecResult, error) {
	created, err := d.client.ContainerExecCreate(ctx, sandboxID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader); err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{ExitCode: -1}, fmt.Errorf("inspect exec: %w", err)
	}
	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}, nil
}

func (d *DockerExecutor) Running(ctx context.Context, sandboxID string) (bool, error) {
	info, err := d.client.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

// Ping checks that the Docker daemon answers.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close closes the docker client.
func (d *DockerExecutor) Close() error {
	return d.client.Close()
}

// SandboxSource diffs the working tree of a still-running sandbox against
// the run's base ref. Untracked files are included via intent-to-add.
type SandboxSource struct {
	Exec    Executor
	Workdir string
}

func (s *SandboxSource) Name() string { return "sandbox" }

func (s *SandboxSource) FetchDiff(ctx context.Context, req DiffRequest) (string, error) {
	if s.Exec == nil || req.SandboxID == "" {
		return "", ErrUnavailable
	}
	running, err := s.Exec.Running(ctx, req.SandboxID)
	if err != nil {
		return "", err
	}
	if !running {
		return "", fmt.Errorf("sandbox %s not running: %w", req.SandboxID, ErrUnavailable)
	}

	base := req.BaseRef
	if base == "" {
		base = "HEAD"
	}
	script := "git add -N . >/dev/null 2>&1; git diff --no-color " + shellQuote(base)
	res, err := s.Exec.Exec(ctx, req.SandboxID, s.Workdir, []string{"sh", "-c", script})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git diff exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (s *SandboxSource) Reachable(ctx context.Context, req DiffRequest) bool {
	if s.Exec == nil || req.SandboxID == "" {
		return false
	}
	running, err := s.Exec.Running(ctx, req.SandboxID)
	return err == nil && running
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
