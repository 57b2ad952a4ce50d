package topology

import (
	"fmt"
	"time"
)

// Images for the default topology. A YAML topology file overrides these.
const (
	imagePostgres      = "postgres:16-alpine"
	imageRedis         = "redis:7-alpine"
	imageRabbitMQ      = "rabbitmq:3.13-alpine"
	imageElasticsearch = "docker.elastic.co/elasticsearch/elasticsearch:7.17.21"
	imageMastodon      = "ghcr.io/mastodon/mastodon:v4.3.2"
	imageStreaming     = "ghcr.io/mastodon/mastodon-streaming:v4.3.2"
	imageCaddy         = "caddy:2-alpine"
)

// Params carries the runtime values the default topology needs: rendered
// file paths, data directory, and the credentials for the leaf services.
type Params struct {
	EnvFile        string
	CaddyFile      string
	DataDir        string
	DBPassword     string
	RedisPassword  string
	BrokerPassword string
}

// Default declares the standard eight-service Mastodon deployment. Leaves
// (postgres, redis, rabbitmq, elasticsearch) carry health checks and no
// dependencies; the application tier depends on them; the proxy starts last.
func Default(p Params) *Topology {
	probe := &HealthCheck{
		Interval: Duration(5 * time.Second),
		Timeout:  Duration(5 * time.Second),
		Retries:  10,
	}
	pgHealth := *probe
	pgHealth.Test = []string{"CMD-SHELL", "pg_isready -U mastodon"}
	redisHealth := *probe
	redisHealth.Test = []string{"CMD-SHELL", fmt.Sprintf("redis-cli -a %s ping | grep PONG", p.RedisPassword)}
	brokerHealth := *probe
	brokerHealth.Test = []string{"CMD-SHELL", "rabbitmq-diagnostics -q ping"}
	esHealth := *probe
	esHealth.Test = []string{"CMD-SHELL", "curl -fsS http://localhost:9200/_cluster/health >/dev/null"}
	webHealth := *probe
	webHealth.Test = []string{"CMD-SHELL", "wget -q --spider --proxy=off http://localhost:3000/health"}
	streamingHealth := *probe
	streamingHealth.Test = []string{"CMD-SHELL", "wget -q --spider --proxy=off http://localhost:4000/api/v1/streaming/health"}

	return &Topology{
		Network: "fedistack",
		Services: []ServiceSpec{
			{
				Name:  "postgres",
				Image: imagePostgres,
				Env: map[string]string{
					"POSTGRES_USER":     "mastodon",
					"POSTGRES_DB":       "mastodon",
					"POSTGRES_PASSWORD": p.DBPassword,
				},
				Ports:       []PortMapping{{HostIP: "127.0.0.1", Host: 5432, Container: 5432}},
				Volumes:     []string{p.DataDir + "/postgres:/var/lib/postgresql/data"},
				Restart:     "always",
				HealthCheck: &pgHealth,
			},
			{
				Name:        "redis",
				Image:       imageRedis,
				Command:     []string{"redis-server", "--requirepass", p.RedisPassword},
				Volumes:     []string{p.DataDir + "/redis:/data"},
				Restart:     "always",
				HealthCheck: &redisHealth,
			},
			{
				Name:  "rabbitmq",
				Image: imageRabbitMQ,
				Env: map[string]string{
					"RABBITMQ_DEFAULT_USER": "fedistack",
					"RABBITMQ_DEFAULT_PASS": p.BrokerPassword,
				},
				Volumes:     []string{p.DataDir + "/rabbitmq:/var/lib/rabbitmq"},
				Restart:     "always",
				HealthCheck: &brokerHealth,
			},
			{
				Name:  "elasticsearch",
				Image: imageElasticsearch,
				Env: map[string]string{
					"discovery.type":         "single-node",
					"xpack.security.enabled": "false",
					"ES_JAVA_OPTS":           "-Xms512m -Xmx512m",
				},
				Volumes:     []string{p.DataDir + "/elasticsearch:/usr/share/elasticsearch/data"},
				Restart:     "always",
				HealthCheck: &esHealth,
			},
			{
				Name:        "web",
				Image:       imageMastodon,
				Command:     []string{"bundle", "exec", "puma", "-C", "config/puma.rb"},
				EnvFile:     p.EnvFile,
				Volumes:     []string{p.DataDir + "/system:/mastodon/public/system"},
				Restart:     "always",
				HealthCheck: &webHealth,
				DependsOn:   []string{"postgres", "redis"},
			},
			{
				Name:        "streaming",
				Image:       imageStreaming,
				Command:     []string{"node", "./streaming/index.js"},
				EnvFile:     p.EnvFile,
				Restart:     "always",
				HealthCheck: &streamingHealth,
				DependsOn:   []string{"postgres", "redis"},
			},
			{
				Name:      "sidekiq",
				Image:     imageMastodon,
				Command:   []string{"bundle", "exec", "sidekiq"},
				EnvFile:   p.EnvFile,
				Volumes:   []string{p.DataDir + "/system:/mastodon/public/system"},
				Restart:   "always",
				DependsOn: []string{"postgres", "redis", "rabbitmq"},
			},
			{
				Name:  "caddy",
				Image: imageCaddy,
				Ports: []PortMapping{
					{Host: 80, Container: 80},
					{Host: 443, Container: 443},
				},
				Volumes: []string{
					p.CaddyFile + ":/etc/caddy/Caddyfile:ro",
					p.DataDir + "/caddy:/data",
				},
				Restart:   "always",
				DependsOn: []string{"web", "streaming"},
			},
		},
	}
}
