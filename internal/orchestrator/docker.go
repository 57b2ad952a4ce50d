package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/fedistack/fedistack/internal/topology"
)

// DockerRuntime implements Runtime against the local Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine using the standard DOCKER_HOST
// environment conventions.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the engine connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	_, err := r.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	if _, err := r.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (r *DockerRuntime) PullImage(ctx context.Context, img string) error {
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (r *DockerRuntime) CreateAndStart(ctx context.Context, networkName string, svc topology.ServiceSpec) error {
	env, err := buildEnv(svc)
	if err != nil {
		return err
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pm := range svc.Ports {
		cp := nat.Port(strconv.Itoa(pm.Container) + "/tcp")
		exposedPorts[cp] = struct{}{}
		portBindings[cp] = []nat.PortBinding{
			{HostIP: pm.HostIP, HostPort: strconv.Itoa(pm.Host)},
		}
	}

	config := &container.Config{
		Image:        svc.Image,
		Cmd:          strslice.StrSlice(svc.Command),
		Env:          env,
		ExposedPorts: exposedPorts,
	}
	if svc.HealthCheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:     svc.HealthCheck.Test,
			Interval: time.Duration(svc.HealthCheck.Interval),
			Timeout:  time.Duration(svc.HealthCheck.Timeout),
			Retries:  svc.HealthCheck.Retries,
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        svc.Volumes,
	}
	if svc.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(svc.Restart),
		}
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, svc.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// Container exists but is stopped; start it as-is.
			return r.startExisting(ctx, svc.Name)
		}
		return fmt.Errorf("create container %s: %w", svc.Name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", svc.Name, err)
	}
	return nil
}

func (r *DockerRuntime) startExisting(ctx context.Context, name string) error {
	if err := r.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (r *DockerRuntime) Stop(ctx context.Context, name string) error {
	err := r.cli.ContainerStop(ctx, name, container.StopOptions{})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

func (r *DockerRuntime) State(ctx context.Context, name string) (*ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &ContainerState{}, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}

	health := "none"
	if info.State.Health != nil {
		health = info.State.Health.Status
	}
	return &ContainerState{
		Exists:  true,
		Running: info.State.Running,
		Health:  health,
	}, nil
}

func (r *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (*ExecResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := r.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", name, err)
	}

	resp, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", name, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("exec read output in %s: %w", name, err)
	}

	inspectResp, err := r.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", name, err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// buildEnv merges the service's env file with its inline env map. Inline
// values win. Keys are sorted so container creation is deterministic.
func buildEnv(svc topology.ServiceSpec) ([]string, error) {
	merged := map[string]string{}
	if svc.EnvFile != "" {
		fileEnv, err := readEnvFile(svc.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svc.Name, err)
		}
		for _, kv := range fileEnv {
			i := strings.IndexByte(kv, '=')
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range svc.Env {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env, nil
}
