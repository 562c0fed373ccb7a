package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerWorkspace is the in-container mount point of the run's
// read-write workspace. Agent programs read inputs and write outputs here.
const ContainerWorkspace = "/workspace"

// containerProxyDir is where the proxy's run dir (socket included) is
// mounted when the bridge is on.
const containerProxyDir = "/var/run/llmproxy"

// proxyBaseURL is what agent SDKs see. The forwarder inside the container
// relays it onto the mounted unix socket.
const proxyBaseURL = "http://127.0.0.1:8080/v1"

// DockerExecBackend runs sandboxes on the local Docker daemon. Clients are
// short-lived, one per call.
type DockerExecBackend struct{}

func NewDockerExecBackend() *DockerExecBackend { return &DockerExecBackend{} }

// buildContainerConfig translates a RunSpec into Docker create options.
// Split out from CreateContainer so the hardening invariants are testable
// without a daemon.
func buildContainerConfig(spec RunSpec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cmd := spec.Cmd
	if spec.LLMProxy != nil {
		env = append(env, "OPENAI_API_BASE="+proxyBaseURL)
		cmd = bridgeCommand(spec.Cmd)
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: ContainerWorkspace,
		Labels:     spec.Labels,
	}

	binds := []string{spec.WorkspaceDir + ":" + ContainerWorkspace}
	if spec.LLMProxy != nil {
		binds = append(binds, spec.LLMProxy.SocketPath+":"+containerProxyDir+"/llm.sock")
	}
	for _, v := range spec.Volumes {
		bind := v.HostPath + ":" + v.ContainerPath
		if v.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	networkMode := "none"
	if spec.Network == NetworkInternal && spec.InternalNet != "" {
		networkMode = spec.InternalNet
	}

	host := &container.HostConfig{
		Binds:          binds,
		NetworkMode:    container.NetworkMode(networkMode),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
		Resources: container.Resources{
			Memory: spec.MaxMemoryMB * 1024 * 1024,
		},
		AutoRemove: false,
	}
	return cfg, host
}

// bridgeCommand wraps the agent command so a socat forwarder relays
// 127.0.0.1:8080 onto the mounted proxy socket before the agent starts.
// The sandbox image ships socat for exactly this.
func bridgeCommand(cmd []string) []string {
	wrapped := []string{
		"/bin/sh", "-c",
		"socat TCP-LISTEN:8080,bind=127.0.0.1,fork,reuseaddr UNIX-CONNECT:" +
			containerProxyDir + "/llm.sock & exec \"$@\"",
		"--",
	}
	return append(wrapped, cmd...)
}

func (d *DockerExecBackend) CreateContainer(ctx context.Context, spec RunSpec) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	cfg, host := buildContainerConfig(spec)
	resp, err := cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerExecBackend) StartContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *DockerExecBackend) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return -1, err
	}
	defer cli.Close()

	waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return -1, fmt.Errorf("container wait: %s", res.Error.Message)
		}
		return res.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("container wait: %w", err)
	}
}

func (d *DockerExecBackend) ContainerLogs(ctx context.Context, containerID string) (string, string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", "", err
	}
	defer cli.Close()

	rc, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (d *DockerExecBackend) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	timeout := int(grace.Seconds())
	return cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerExecBackend) RemoveContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
