package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fedistack/fedistack/internal/topology"
)

// ContainerState is the runtime's view of one container.
type ContainerState struct {
	Exists  bool
	Running bool
	Health  string // healthy, unhealthy, starting, or none
}

// ExecResult holds the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime abstracts the container engine so the driver can be exercised
// against a fake in tests.
type Runtime interface {
	EnsureNetwork(ctx context.Context, name string) error
	PullImage(ctx context.Context, image string) error
	CreateAndStart(ctx context.Context, network string, svc topology.ServiceSpec) error
	Stop(ctx context.Context, name string) error
	State(ctx context.Context, name string) (*ContainerState, error)
	Exec(ctx context.Context, name string, cmd []string) (*ExecResult, error)
}

// Driver turns a declarative topology into running containers. It is not
// transactional: a failure mid-Up leaves already-started services running
// for the operator to inspect.
type Driver struct {
	rt            Runtime
	log           zerolog.Logger
	healthTimeout time.Duration
}

const (
	pollInitial = 500 * time.Millisecond
	pollMax     = 5 * time.Second
)

// New creates a Driver. healthTimeout bounds how long Up waits for any
// single service to report healthy.
func New(rt Runtime, log zerolog.Logger, healthTimeout time.Duration) *Driver {
	return &Driver{rt: rt, log: log, healthTimeout: healthTimeout}
}

// Up starts every service in dependency order. A service is started only
// once all of its dependencies are ready; health-checked services are then
// polled until healthy or the timeout elapses. On failure the error names
// the service and already-started services are left running.
func (d *Driver) Up(ctx context.Context, topo *topology.Topology) error {
	order, err := topo.StartOrder()
	if err != nil {
		return err
	}

	if err := d.rt.EnsureNetwork(ctx, topo.Network); err != nil {
		return fmt.Errorf("ensure network %s: %w", topo.Network, err)
	}

	for _, svc := range order {
		if err := d.checkDependencies(ctx, topo, svc); err != nil {
			return err
		}

		state, err := d.rt.State(ctx, svc.Name)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", svc.Name, err)
		}
		if state.Exists && state.Running {
			d.log.Info().Str("svc", svc.Name).Msg("already running, skipping start")
		} else {
			d.log.Info().Str("svc", svc.Name).Str("image", svc.Image).Msg("starting service")
			if err := d.rt.PullImage(ctx, svc.Image); err != nil {
				return fmt.Errorf("pull %s: %w", svc.Image, err)
			}
			if err := d.rt.CreateAndStart(ctx, topo.Network, svc); err != nil {
				return fmt.Errorf("start %s: %w", svc.Name, err)
			}
		}

		if svc.HealthCheck != nil {
			if err := d.waitHealthy(ctx, svc.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkDependencies refuses to start a service while any of its dependencies
// is missing, stopped, or failing its health check.
func (d *Driver) checkDependencies(ctx context.Context, topo *topology.Topology, svc topology.ServiceSpec) error {
	for _, dep := range svc.DependsOn {
		state, err := d.rt.State(ctx, dep)
		if err != nil {
			return fmt.Errorf("inspect dependency %s of %s: %w", dep, svc.Name, err)
		}
		if !state.Exists || !state.Running {
			return fmt.Errorf("refusing to start %s: dependency %s is not running", svc.Name, dep)
		}
		depSpec, _ := topo.Service(dep)
		if depSpec != nil && depSpec.HealthCheck != nil && state.Health != "healthy" {
			return fmt.Errorf("refusing to start %s: dependency %s is %s, not healthy", svc.Name, dep, state.Health)
		}
	}
	return nil
}

// waitHealthy polls the container's health status with capped exponential
// backoff until it reports healthy or the bounded timeout elapses.
func (d *Driver) waitHealthy(ctx context.Context, name string) error {
	deadline := time.Now().Add(d.healthTimeout)
	interval := pollInitial
	for {
		state, err := d.rt.State(ctx, name)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", name, err)
		}
		if state.Health == "healthy" {
			d.log.Info().Str("svc", name).Msg("service healthy")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s did not become healthy within %s (last status: %s)",
				name, d.healthTimeout, state.Health)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", name, ctx.Err())
		case <-time.After(interval):
		}
		if interval < pollMax {
			interval *= 2
			if interval > pollMax {
				interval = pollMax
			}
		}
	}
}

// Down stops every service in reverse dependency order. Containers are kept
// so a subsequent Up restarts them with their volumes intact.
func (d *Driver) Down(ctx context.Context, topo *topology.Topology) error {
	order, err := topo.StartOrder()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		svc := order[i]
		d.log.Info().Str("svc", svc.Name).Msg("stopping service")
		if err := d.rt.Stop(ctx, svc.Name); err != nil {
			return fmt.Errorf("stop %s: %w", svc.Name, err)
		}
	}
	return nil
}

// Restart stops then starts the full topology. Used after migrations so the
// application tier picks up schema changes cleanly.
func (d *Driver) Restart(ctx context.Context, topo *topology.Topology) error {
	if err := d.Down(ctx, topo); err != nil {
		return err
	}
	return d.Up(ctx, topo)
}

// RunOnce executes cmd inside the named service's container and returns its
// exit status and captured output.
func (d *Driver) RunOnce(ctx context.Context, topo *topology.Topology, service string, cmd []string) (*ExecResult, error) {
	if _, ok := topo.Service(service); !ok {
		return nil, fmt.Errorf("run once: unknown service %s", service)
	}
	d.log.Info().Str("svc", service).Strs("cmd", cmd).Msg("running command")
	res, err := d.rt.Exec(ctx, service, cmd)
	if err != nil {
		return nil, fmt.Errorf("exec in %s: %w", service, err)
	}
	return res, nil
}

// readEnvFile parses KEY=VALUE lines, skipping blanks and comments. Used to
// pass a rendered env file to containers through the engine API, which has
// no env-file concept of its own.
func readEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	var env []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "=") {
			continue
		}
		env = append(env, line)
	}
	return env, nil
}
