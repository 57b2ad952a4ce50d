package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fedistack/fedistack/internal/bootstrap"
	"github.com/fedistack/fedistack/internal/config"
	"github.com/fedistack/fedistack/internal/fedi"
	"github.com/fedistack/fedistack/internal/logging"
	"github.com/fedistack/fedistack/internal/orchestrator"
	"github.com/fedistack/fedistack/internal/render"
	"github.com/fedistack/fedistack/internal/status"
	"github.com/fedistack/fedistack/internal/topology"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "deploy":
		err = runDeploy(ctx, os.Args[2:], true)
	case "bootstrap":
		err = runDeploy(ctx, os.Args[2:], false)
	case "render":
		err = runRender(os.Args[2:])
	case "up":
		err = runUpDown(ctx, os.Args[2:], true)
	case "down":
		err = runUpDown(ctx, os.Args[2:], false)
	case "follow":
		err = runFollow(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: fedistack <command> [flags]

Commands:
  deploy      Render config, start all services, bootstrap, and follow
  bootstrap   Like deploy but without the follow phase
  render      Render the env file and Caddyfile only
  up          Start the service topology
  down        Stop the service topology
  follow      Run the follow phase against a live instance

Required environment:
  POSTGRES_PASSWORD    database password
  REDIS_PASSWORD       cache password
  LETSENCRYPT_EMAIL    certificate operator email
`)
}

type deployFlags struct {
	outputDir     string
	topologyFile  string
	statusAddr    string
	adminPassword string
	instanceURL   string
}

func parseDeployFlags(name string, args []string) (*deployFlags, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &deployFlags{}
	fs.StringVar(&f.outputDir, "o", ".", "Output directory for rendered config and service data")
	fs.StringVar(&f.topologyFile, "f", "", "Topology YAML file (default: built-in eight-service topology)")
	fs.StringVar(&f.statusAddr, "status-addr", "", "Serve /status, /healthz, and /metrics on this address (default: $STATUS_ADDR)")
	fs.StringVar(&f.adminPassword, "admin-password", "", "Admin password to reuse when the account already exists")
	fs.StringVar(&f.instanceURL, "instance", "", "Instance base URL for the follow phase (default: https://<domain>)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// loadConfig assembles the deployment configuration. The required-env check
// runs before any prompt, file write, or container API call.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(os.Stdin, os.Stdout)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.LogLevel, cfg.Domain)
	return cfg, log, nil
}

func buildTopology(cfg *config.Config, f *deployFlags) (*topology.Topology, error) {
	if f.topologyFile != "" {
		return topology.Load(f.topologyFile)
	}
	absOut, err := filepath.Abs(f.outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	return topology.Default(topology.Params{
		EnvFile:        filepath.Join(absOut, render.EnvFilename),
		CaddyFile:      filepath.Join(absOut, render.CaddyFilename),
		DataDir:        filepath.Join(absOut, "data"),
		DBPassword:     cfg.DBPassword,
		RedisPassword:  cfg.RedisPassword,
		BrokerPassword: cfg.BrokerPassword,
	}), nil
}

// resolveStatusAddr falls back to the STATUS_ADDR environment setting when
// the -status-addr flag is unset.
func resolveStatusAddr(f *deployFlags, cfg *config.Config) {
	if f.statusAddr == "" {
		f.statusAddr = cfg.StatusAddr
	}
}

func warnOnRerun(cfg *config.Config, log zerolog.Logger, outputDir string) {
	envPath := filepath.Join(outputDir, render.EnvFilename)
	if _, err := os.Stat(envPath); err == nil {
		log.Warn().Str("path", envPath).
			Msg("existing config will be overwritten with fresh secrets; sessions bound to the old secrets become invalid")
	}
}

func runDeploy(ctx context.Context, args []string, follow bool) error {
	f, err := parseDeployFlags("deploy", args)
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	resolveStatusAddr(f, cfg)
	warnOnRerun(cfg, log, f.outputDir)

	topo, err := buildTopology(cfg, f)
	if err != nil {
		return err
	}

	rt, err := orchestrator.NewDockerRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	driver := orchestrator.New(rt, log, cfg.HealthTimeout)

	pg, err := bootstrap.Connect(ctx, bootstrap.DSN(cfg), cfg.DBReadyTimeout)
	if err != nil {
		return err
	}
	defer pg.Close()

	registry := prometheus.NewRegistry()
	tracker := status.NewTracker(registry)
	status.RegisterPgxPoolMetrics(registry, pg.Pool())

	g, gctx := errgroup.WithContext(ctx)
	var statusSrv *http.Server
	if f.statusAddr != "" {
		statusSrv = status.NewServer(f.statusAddr, tracker, registry)
		g.Go(func() error {
			log.Info().Str("addr", f.statusAddr).Msg("status server listening")
			if err := statusSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	seq := bootstrap.NewSequencer(cfg, topo, driver, pg, log, bootstrap.Options{
		OutputDir:     f.outputDir,
		AdminPassword: f.adminPassword,
		Progress:      tracker.RecordStep,
	})

	st, runErr := seq.Run(gctx)
	if runErr == nil && follow {
		runErr = followTargets(gctx, log, cfg, f, st.AdminPassword, tracker.RecordFollow)
	}

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusSrv.Shutdown(shutdownCtx)
	}
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	log.Info().Str("stage", string(st.Stage)).Msg("deployment complete")
	return nil
}

func runRender(args []string) error {
	f, err := parseDeployFlags("render", args)
	if err != nil {
		return err
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	warnOnRerun(cfg, log, f.outputDir)

	paths, err := render.WriteAll(cfg, f.outputDir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		log.Info().Str("path", p).Msg("rendered")
	}
	return nil
}

func runUpDown(ctx context.Context, args []string, up bool) error {
	name := "down"
	if up {
		name = "up"
	}
	f, err := parseDeployFlags(name, args)
	if err != nil {
		return err
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	topo, err := buildTopology(cfg, f)
	if err != nil {
		return err
	}

	rt, err := orchestrator.NewDockerRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	driver := orchestrator.New(rt, log, cfg.HealthTimeout)

	if up {
		return driver.Up(ctx, topo)
	}
	return driver.Down(ctx, topo)
}

func runFollow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	instanceURL := fs.String("instance", "", "Instance base URL (default: https://<domain>)")
	password := fs.String("password", "", "Admin password (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		return fmt.Errorf("follow: -password flag is required")
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	f := &deployFlags{instanceURL: *instanceURL}
	return followTargets(ctx, log, cfg, f, *password, nil)
}

// followTargets registers an OAuth2 app, obtains a token with the admin
// credentials, and follows the static target list. Per-item failures are
// logged and never abort the batch.
func followTargets(ctx context.Context, log zerolog.Logger, cfg *config.Config, f *deployFlags, password string, record func(fedi.FollowResult)) error {
	if password == "" {
		return fmt.Errorf("follow: no admin password available")
	}
	instance := f.instanceURL
	if instance == "" {
		instance = "https://" + cfg.Domain
	}

	client := fedi.NewClient(instance, log)
	log.Info().Str("instance", instance).Msg("waiting for instance to serve requests")
	if err := client.WaitReady(ctx, cfg.HealthTimeout); err != nil {
		return err
	}

	app, err := client.RegisterApp(ctx, "fedistack", "urn:ietf:wg:oauth:2.0:oob", "read write follow")
	if err != nil {
		return err
	}
	token, err := client.Token(ctx, app, cfg.AdminEmail, password, "read write follow")
	if err != nil {
		return err
	}

	results := client.FollowAll(ctx, token, fedi.DefaultFollowTargets, cfg.FollowDelay)
	counts := map[fedi.Outcome]int{}
	for _, res := range results {
		counts[res.Outcome]++
		if record != nil {
			record(res)
		}
	}
	log.Info().
		Int("followed", counts[fedi.OutcomeFollowed]).
		Int("skipped", counts[fedi.OutcomeSkipped]).
		Int("failed", counts[fedi.OutcomeFailed]).
		Msg("follow phase complete")
	return nil
}
