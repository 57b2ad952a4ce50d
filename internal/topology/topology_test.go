package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_EightServices(t *testing.T) {
	topo := Default(Params{
		EnvFile:        "/srv/fedistack/.env.production",
		CaddyFile:      "/srv/fedistack/Caddyfile",
		DataDir:        "/srv/fedistack/data",
		DBPassword:     "x",
		RedisPassword:  "y",
		BrokerPassword: "z",
	})

	require.NoError(t, topo.Validate())
	assert.Len(t, topo.Services, 8)

	names := make([]string, 0, len(topo.Services))
	for _, svc := range topo.Services {
		names = append(names, svc.Name)
	}
	assert.ElementsMatch(t, names, []string{
		"postgres", "redis", "rabbitmq", "elasticsearch",
		"web", "streaming", "sidekiq", "caddy",
	})
}

func TestDefault_LeavesHaveHealthChecks(t *testing.T) {
	topo := Default(Params{DBPassword: "x", RedisPassword: "y", BrokerPassword: "z"})
	for _, name := range []string{"postgres", "redis", "rabbitmq", "elasticsearch"} {
		svc, ok := topo.Service(name)
		require.True(t, ok, name)
		assert.Empty(t, svc.DependsOn, "%s is a leaf", name)
		require.NotNil(t, svc.HealthCheck, "%s must be health-checked", name)
		assert.NotEmpty(t, svc.HealthCheck.Test)
	}
}

func TestDefault_ProxyStartsLast(t *testing.T) {
	topo := Default(Params{DBPassword: "x", RedisPassword: "y", BrokerPassword: "z"})
	order, err := topo.StartOrder()
	require.NoError(t, err)
	assert.Equal(t, "caddy", order[len(order)-1].Name)
}

func TestStartOrder_DependenciesFirst(t *testing.T) {
	topo := Default(Params{DBPassword: "x", RedisPassword: "y", BrokerPassword: "z"})
	order, err := topo.StartOrder()
	require.NoError(t, err)

	position := make(map[string]int, len(order))
	for i, svc := range order {
		position[svc.Name] = i
	}
	for _, svc := range topo.Services {
		for _, dep := range svc.DependsOn {
			assert.Less(t, position[dep], position[svc.Name],
				"%s must start after %s", svc.Name, dep)
		}
	}
}

func TestStartOrder_Deterministic(t *testing.T) {
	topo := Default(Params{DBPassword: "x", RedisPassword: "y", BrokerPassword: "z"})
	first, err := topo.StartOrder()
	require.NoError(t, err)
	second, err := topo.StartOrder()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidate_UnknownDependency(t *testing.T) {
	topo := &Topology{Services: []ServiceSpec{
		{Name: "web", Image: "img", DependsOn: []string{"postgres"}},
	}}
	err := topo.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service postgres")
}

func TestValidate_Cycle(t *testing.T) {
	topo := &Topology{Services: []ServiceSpec{
		{Name: "a", Image: "img", DependsOn: []string{"b"}},
		{Name: "b", Image: "img", DependsOn: []string{"c"}},
		{Name: "c", Image: "img", DependsOn: []string{"a"}},
	}}
	err := topo.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidate_DuplicateName(t *testing.T) {
	topo := &Topology{Services: []ServiceSpec{
		{Name: "web", Image: "img"},
		{Name: "web", Image: "img"},
	}}
	err := topo.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	data := `
network: masto
services:
  - name: postgres
    image: postgres:16-alpine
    healthcheck:
      test: ["CMD-SHELL", "pg_isready"]
      interval: 5s
      timeout: 3s
      retries: 5
  - name: web
    image: ghcr.io/mastodon/mastodon:v4.3.2
    depends_on: [postgres]
    ports:
      - host: 3000
        container: 3000
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	topo, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "masto", topo.Network)
	require.Len(t, topo.Services, 2)

	web, ok := topo.Service("web")
	require.True(t, ok)
	assert.Equal(t, []string{"postgres"}, web.DependsOn)
	require.Len(t, web.Ports, 1)
	assert.Equal(t, 3000, web.Ports[0].Container)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	data := `
services:
  - name: web
    image: img
    depends_on: [missing]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}
