// Package proxymanager owns the set of live per-run authenticating
// proxies. Each proxy is a container running the llmproxy binary with a
// per-run directory mounted in: the unix socket, the pinned config and the
// append-only audit log all live there.
package proxymanager

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// RunLabel marks every proxy container owned by this core. The sweeper
// enumerates by this label, so changing it orphans containers started by
// older builds.
const RunLabel = "io.cogni.proxy.run-id"

// ProxySpec describes one proxy container to create.
type ProxySpec struct {
	Image     string
	RunID     string
	RunDir    string // host dir bind-mounted at ContainerRunDir
	MasterKey string
}

// ContainerRunDir is where the per-run directory appears inside the proxy
// container.
const ContainerRunDir = "/var/run/llmproxy"

// LabeledContainer is one owned container found by the sweeper.
type LabeledContainer struct {
	ID    string
	RunID string
}

// ContainerBackend abstracts the container runtime so the manager can be
// tested without a Docker daemon.
type ContainerBackend interface {
	CreateProxyContainer(ctx context.Context, spec ProxySpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	ListOwned(ctx context.Context) ([]LabeledContainer, error)
	Name() string
}

// DockerBackend implements ContainerBackend against the local Docker
// daemon. Clients are short-lived, one per call, matching how the rest of
// the core talks to the daemon.
type DockerBackend struct{}

func NewDockerBackend() *DockerBackend { return &DockerBackend{} }

func (d *DockerBackend) Name() string { return "docker-local" }

func (d *DockerBackend) CreateProxyContainer(ctx context.Context, spec ProxySpec) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		Binds:          []string{spec.RunDir + ":" + ContainerRunDir},
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 500_000_000,
			Memory:   128 * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Labels: map[string]string{RunLabel: spec.RunID},
		Env:    []string{"LITELLM_MASTER_KEY=" + spec.MasterKey},
		Cmd:    []string{"-config", ContainerRunDir + "/proxy.yaml"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create proxy container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerBackend) StartContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *DockerBackend) StopContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	timeout := 5
	return cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerBackend) RemoveContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (d *DockerBackend) ListOwned(ctx context.Context) ([]LabeledContainer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	args := filters.NewArgs(filters.Arg("label", RunLabel))
	list, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list proxy containers: %w", err)
	}

	owned := make([]LabeledContainer, 0, len(list))
	for _, c := range list {
		owned = append(owned, LabeledContainer{ID: c.ID, RunID: c.Labels[RunLabel]})
	}
	return owned, nil
}
