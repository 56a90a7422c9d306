// Package docker implements ports.ContainerRuntime over the Docker SDK.
// Every container it creates carries the hardened sandbox contract:
// read-only root filesystem with tmpfs scratch, all capabilities dropped
// except NET_BIND_SERVICE, no privilege escalation, hard memory ceiling
// with no swap allowance, a CPU-share ceiling, automatic restart, an init
// process for signal handling, and network placement restricted to the
// egress bridge with the published port bound to the management interface.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/openclaw/launcher/internal/core/domain"
)

// Adapter implements ports.ContainerRuntime using the Docker SDK.
type Adapter struct {
	cli *client.Client
}

// NewAdapter creates a new Docker adapter instance.
func NewAdapter() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

// Ping verifies the control socket is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, err)
	}
	return nil
}

// CreateAndStart creates the hardened container and starts it.
func (a *Adapter) CreateAndStart(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	gatewayPort := nat.Port(fmt.Sprintf("%d/tcp", spec.GatewayPort))

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          env,
		ExposedPorts: nat.PortSet{gatewayPort: struct{}{}},
	}

	initProcess := true
	hostConfig := &container.HostConfig{
		Binds: []string{
			spec.ConfigDir + ":/home/node/.openclaw",
			spec.WorkspaceDir + ":/home/node/.openclaw/workspace",
		},
		PortBindings: nat.PortMap{
			gatewayPort: []nat.PortBinding{{HostIP: spec.HostIP, HostPort: strconv.Itoa(spec.HostPort)}},
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"NET_BIND_SERVICE"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,size=64m",
			"/run": "rw,size=16m",
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Init:          &initProcess,
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes, // equal limits: no swap allowance
			NanoCPUs:   spec.NanoCPUs,
		},
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {},
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, spec.Name)
	if err != nil {
		return "", a.wrap("create container", err)
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", a.wrap("start container", err)
	}
	return resp.ID, nil
}

// Start starts an existing, stopped container.
func (a *Adapter) Start(ctx context.Context, name string) error {
	if err := a.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return a.wrap("start container", err)
	}
	return nil
}

// Stop stops a container gracefully, forcing after the grace period.
func (a *Adapter) Stop(ctx context.Context, name string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := a.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &seconds}); err != nil {
		return a.wrap("stop container", err)
	}
	return nil
}

// Remove deletes a container.
func (a *Adapter) Remove(ctx context.Context, name string, force bool) error {
	err := a.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: force})
	if err != nil {
		return a.wrap("remove container", err)
	}
	return nil
}

// Status returns the runtime's status string for a container.
func (a *Adapter) Status(ctx context.Context, name string) (string, error) {
	info, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", a.wrap("inspect container", err)
	}
	return info.State.Status, nil
}

// Sample returns one raw CPU/memory reading for a running container.
func (a *Adapter) Sample(ctx context.Context, name string) (domain.ResourceSample, error) {
	resp, err := a.cli.ContainerStats(ctx, name, false)
	if err != nil {
		return domain.ResourceSample{}, a.wrap("container stats", err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.ResourceSample{}, fmt.Errorf("decode container stats: %w", err)
	}

	cores := int(stats.CPUStats.OnlineCPUs)
	if cores == 0 {
		cores = len(stats.CPUStats.CPUUsage.PercpuUsage)
	}
	if cores == 0 {
		cores = 1
	}
	return domain.ResourceSample{
		CPUTotal:    stats.CPUStats.CPUUsage.TotalUsage,
		SystemCPU:   stats.CPUStats.SystemUsage,
		OnlineCPUs:  cores,
		MemoryBytes: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}, nil
}

// Logs fetches up to tail lines of container output, demultiplexed.
func (a *Adapter) Logs(ctx context.Context, name string, tail int) (string, error) {
	rc, err := a.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", a.wrap("container logs", err)
	}
	defer rc.Close()

	var buf demuxBuffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil && err != io.EOF {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return string(buf.data), nil
}

// FollowLogs streams demultiplexed container output. Closing the returned
// reader releases the underlying runtime log stream.
func (a *Adapter) FollowLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := a.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, a.wrap("follow container logs", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return &followStream{pr: pr, source: rc}, nil
}

// Address returns the container's IP address on the named network.
func (a *Adapter) Address(ctx context.Context, name, networkName string) (string, error) {
	info, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", a.wrap("inspect container", err)
	}
	endpoint, ok := info.NetworkSettings.Networks[networkName]
	if !ok || endpoint.IPAddress == "" {
		return "", fmt.Errorf("%w: container %s not attached to network %s", domain.ErrNotFound, name, networkName)
	}
	return endpoint.IPAddress, nil
}

// EnsureNetwork creates the egress bridge network if it does not exist.
func (a *Adapter) EnsureNetwork(ctx context.Context, name, subnet, gateway string) error {
	_, err := a.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return a.wrap("inspect network", err)
	}
	_, err = a.cli.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet, Gateway: gateway}},
		},
	})
	if err != nil {
		return a.wrap("create network", err)
	}
	return nil
}

// wrap maps SDK errors onto the domain taxonomy: a missing container is
// domain.ErrNotFound, a dead control socket is domain.ErrRuntimeUnavailable.
func (a *Adapter) wrap(op string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w", op, domain.ErrRuntimeUnavailable)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

type demuxBuffer struct {
	data []byte
}

func (b *demuxBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// followStream ties the demux pipe to the runtime stream so a consumer
// disconnect closes both promptly.
type followStream struct {
	pr     *io.PipeReader
	source io.ReadCloser
}

func (s *followStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *followStream) Close() error {
	s.source.Close()
	return s.pr.Close()
}
