package topology

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PortMapping publishes a container port on a host address.
type PortMapping struct {
	HostIP    string `yaml:"host_ip,omitempty"`
	Host      int    `yaml:"host"`
	Container int    `yaml:"container"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// HealthCheck is the in-container probe that decides when a service is ready
// to receive traffic and commands.
type HealthCheck struct {
	Test     []string `yaml:"test"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

// ServiceSpec declares one service of the deployment.
type ServiceSpec struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	EnvFile     string            `yaml:"env_file,omitempty"`
	Ports       []PortMapping     `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
	HealthCheck *HealthCheck      `yaml:"healthcheck,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
}

// Topology is the full declarative deployment: a named container network and
// an ordered list of services whose dependency graph must be acyclic.
type Topology struct {
	Network  string        `yaml:"network"`
	Services []ServiceSpec `yaml:"services"`
}

// Load reads a topology declaration from a YAML file and validates it.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if topo.Network == "" {
		topo.Network = "fedistack"
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Service returns the ServiceSpec with the given name.
func (t *Topology) Service(name string) (*ServiceSpec, bool) {
	for i := range t.Services {
		if t.Services[i].Name == name {
			return &t.Services[i], true
		}
	}
	return nil, false
}

// Validate checks that service names are unique, every dependency refers to
// a declared service, and the dependency graph has no cycle.
func (t *Topology) Validate() error {
	seen := make(map[string]bool, len(t.Services))
	for _, svc := range t.Services {
		if svc.Name == "" {
			return fmt.Errorf("topology: service with empty name")
		}
		if svc.Image == "" {
			return fmt.Errorf("topology: service %s has no image", svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("topology: duplicate service %s", svc.Name)
		}
		seen[svc.Name] = true
	}
	for _, svc := range t.Services {
		for _, dep := range svc.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("topology: service %s depends on unknown service %s", svc.Name, dep)
			}
		}
	}
	if _, err := t.StartOrder(); err != nil {
		return err
	}
	return nil
}

// StartOrder returns the services sorted so that every service appears after
// all of its dependencies. Declaration order breaks ties, so the result is
// deterministic. A dependency cycle is an error naming one involved service.
func (t *Topology) StartOrder() ([]ServiceSpec, error) {
	indegree := make(map[string]int, len(t.Services))
	dependents := make(map[string][]string, len(t.Services))
	for _, svc := range t.Services {
		indegree[svc.Name] += 0
		for _, dep := range svc.DependsOn {
			indegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	ordered := make([]ServiceSpec, 0, len(t.Services))
	placed := make(map[string]bool, len(t.Services))
	for len(ordered) < len(t.Services) {
		progressed := false
		for _, svc := range t.Services {
			if placed[svc.Name] || indegree[svc.Name] != 0 {
				continue
			}
			ordered = append(ordered, svc)
			placed[svc.Name] = true
			for _, dep := range dependents[svc.Name] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			for _, svc := range t.Services {
				if !placed[svc.Name] {
					return nil, fmt.Errorf("topology: dependency cycle involving service %s", svc.Name)
				}
			}
		}
	}
	return ordered, nil
}
