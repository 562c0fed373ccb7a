// Package sandbox executes one short-lived untrusted agent program in a
// locked-down container: no network by default, read-only rootfs, an
// allowlisted environment, and a unix-socket bridge as the only path to
// the LLM proxy. The container is removed on every exit path.
package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cognihq/agent-runtime/internal/core"
)

// NetworkMode selects the container's network isolation.
type NetworkMode string

const (
	// NetworkNone attaches no network interface. With the proxy bridge
	// enabled, the mounted unix socket is the only way out.
	NetworkNone NetworkMode = "none"
	// NetworkInternal attaches a named network that has no external
	// default route.
	NetworkInternal NetworkMode = "internal"
)

// ProxyBridge exposes a host proxy socket at 127.0.0.1:8080 inside the
// container through a small in-container forwarder.
type ProxyBridge struct {
	SocketPath string // host path of the proxy's unix socket
}

// VolumeMount is one extra bind mount.
type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// RunSpec describes one runOnce invocation.
type RunSpec struct {
	Image        string
	Cmd          []string
	WorkspaceDir string            // host dir, mounted read-write at /workspace
	Env          map[string]string // explicitly enumerated user env; nothing else leaks in
	Volumes      []VolumeMount
	Network      NetworkMode
	InternalNet  string // network name when Network == NetworkInternal
	LLMProxy     *ProxyBridge
	MaxRuntime   time.Duration
	MaxMemoryMB  int64
	Labels       map[string]string
}

// RunResult is the standardized outcome of one container execution.
type RunResult struct {
	OK       bool
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// ExecBackend abstracts the container runtime for the runner.
type ExecBackend interface {
	CreateContainer(ctx context.Context, spec RunSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	// WaitContainer blocks until the container stops and returns its exit code.
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	// ContainerLogs returns demuxed stdout and stderr after exit.
	ContainerLogs(ctx context.Context, containerID string) (stdout, stderr string, err error)
	// StopContainer sends SIGTERM, then SIGKILL after grace.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
}

// Runner executes RunSpecs with teardown guarantees.
type Runner struct {
	backend ExecBackend
	grace   time.Duration
}

func NewRunner(backend ExecBackend, grace time.Duration) *Runner {
	if grace == 0 {
		grace = 5 * time.Second
	}
	return &Runner{backend: backend, grace: grace}
}

// RunOnce runs the spec to completion. Container-completed outcomes
// (success, non-zero exit, wall-clock timeout) come back as a RunResult
// with a nil error; only startup failures and caller cancellation return
// an error. The container is removed before RunOnce returns, on every
// path.
func (r *Runner) RunOnce(ctx context.Context, spec RunSpec) (*RunResult, error) {
	containerID, err := r.backend.CreateContainer(ctx, spec)
	if err != nil {
		return &RunResult{OK: false, ExitCode: -1},
			core.NewRunError(core.KindSandboxStart, "create sandbox container", err)
	}
	defer r.remove(containerID)

	if err := r.backend.StartContainer(ctx, containerID); err != nil {
		return &RunResult{OK: false, ExitCode: -1},
			core.NewRunError(core.KindSandboxStart, "start sandbox container", err)
	}

	// The wait runs on a background context: caller cancellation and the
	// wall-clock limit both go through StopContainer, and the wait then
	// observes the container exiting.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	type waitOutcome struct {
		code int64
		err  error
	}
	waitCh := make(chan waitOutcome, 1)
	go func() {
		code, werr := r.backend.WaitContainer(waitCtx, containerID)
		waitCh <- waitOutcome{code: code, err: werr}
	}()

	timer := time.NewTimer(spec.MaxRuntime)
	defer timer.Stop()

	timedOut := false
	var wait waitOutcome
	select {
	case wait = <-waitCh:
	case <-timer.C:
		timedOut = true
		r.stop(containerID)
		wait = <-waitCh
	case <-ctx.Done():
		r.stop(containerID)
		<-waitCh
		return &RunResult{OK: false, ExitCode: -1},
			core.NewRunError(core.KindCancelled, "run cancelled", ctx.Err())
	}
	if wait.err != nil {
		return &RunResult{OK: false, ExitCode: -1},
			core.NewRunError(core.KindSandboxStart, "wait for sandbox container", wait.err)
	}

	stdout, stderr, err := r.backend.ContainerLogs(context.Background(), containerID)
	if err != nil {
		slog.Warn("sandbox log capture failed", "container_id", containerID, "error", err)
	}

	result := &RunResult{
		ExitCode: int(wait.code),
		Stdout:   stdout,
		Stderr:   stderr,
		TimedOut: timedOut,
	}
	if timedOut {
		result.OK = false
		result.ExitCode = -1
	} else {
		result.OK = wait.code == 0
	}
	return result, nil
}

func (r *Runner) stop(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.grace+10*time.Second)
	defer cancel()
	if err := r.backend.StopContainer(ctx, containerID, r.grace); err != nil {
		slog.Warn("sandbox stop failed", "container_id", containerID, "error", err)
	}
}

func (r *Runner) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.backend.RemoveContainer(ctx, containerID); err != nil {
		slog.Warn("sandbox remove failed", "container_id", containerID, "error", err)
	}
}
