package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fedistack/fedistack/internal/config"
	"github.com/fedistack/fedistack/internal/orchestrator"
	"github.com/fedistack/fedistack/internal/render"
	"github.com/fedistack/fedistack/internal/topology"
)

// StepID identifies one stage of the bootstrap sequence.
type StepID string

// Bootstrap stages, in execution order. Each transition depends on state
// produced by the previous one, so the sequence is strictly sequential.
const (
	StepRendered         StepID = "rendered"
	StepServicesUp       StepID = "services_up"
	StepDBReady          StepID = "db_ready"
	StepMigrated         StepID = "migrated"
	StepSeeded           StepID = "seeded"
	StepRestarted        StepID = "restarted"
	StepAdminCreated     StepID = "admin_created"
	StepAdminRoled       StepID = "admin_roled"
	StepAdmin2FADisabled StepID = "admin_2fa_disabled"
	StepAdminApproved    StepID = "admin_approved"
	StepRelaysLoaded     StepID = "relays_loaded"
	StepDone             StepID = "done"
)

// ErrPasswordNotFound indicates the account-creation output did not contain
// the expected password line. The sequencer never treats an empty password
// as valid.
var ErrPasswordNotFound = errors.New("admin password not found in account creation output")

// passwordPattern matches the password line tootctl prints when it creates
// an account. Text scraping is fragile; the "pattern not found" path is an
// explicit, tested failure.
var passwordPattern = regexp.MustCompile(`New password:\s*(\S+)`)

// ExtractPassword pulls the generated admin password out of tootctl output.
func ExtractPassword(output string) (string, error) {
	m := passwordPattern.FindStringSubmatch(output)
	if m == nil {
		return "", ErrPasswordNotFound
	}
	return m[1], nil
}

// Database is the direct-storage collaborator for steps that bypass the
// application's own write path.
type Database interface {
	WaitReady(ctx context.Context) error
	DisableAdmin2FA(ctx context.Context, username string) error
	SeedRelays(ctx context.Context, domain string) (int, error)
}

// State is the immutable value threaded through the sequence. Each step
// receives the previous State and returns an updated copy; nothing is
// mutated in place.
type State struct {
	Stage         StepID
	EnvPath       string
	CaddyPath     string
	AdminPassword string
}

// Progress is invoked after every step with its outcome. err is nil on
// success.
type Progress func(step StepID, err error)

// Options tunes a Sequencer.
type Options struct {
	// OutputDir is where rendered config files are written.
	OutputDir string
	// AdminPassword, when set, is used instead of creating a fresh admin
	// account password. Needed on reruns where the account already exists
	// and tootctl will not print a password again.
	AdminPassword string
	// Progress, when set, observes every step outcome.
	Progress Progress
}

// Sequencer runs the one-time post-start tasks in strict order. A failing
// step aborts the sequence; completed steps keep their effects and the
// returned error names the stage.
type Sequencer struct {
	cfg    *config.Config
	topo   *topology.Topology
	driver *orchestrator.Driver
	db     Database
	log    zerolog.Logger
	opts   Options
}

// NewSequencer wires a Sequencer.
func NewSequencer(cfg *config.Config, topo *topology.Topology, driver *orchestrator.Driver, db Database, log zerolog.Logger, opts Options) *Sequencer {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Sequencer{cfg: cfg, topo: topo, driver: driver, db: db, log: log, opts: opts}
}

type step struct {
	id StepID
	fn func(ctx context.Context, st State) (State, error)
}

func (s *Sequencer) steps() []step {
	return []step{
		{StepRendered, s.stepRender},
		{StepServicesUp, s.stepServicesUp},
		{StepDBReady, s.stepDBReady},
		{StepMigrated, s.stepMigrate},
		{StepSeeded, s.stepSeed},
		{StepRestarted, s.stepRestart},
		{StepAdminCreated, s.stepAdminCreate},
		{StepAdminRoled, s.stepAdminRole},
		{StepAdmin2FADisabled, s.stepAdmin2FA},
		{StepAdminApproved, s.stepAdminApprove},
		{StepRelaysLoaded, s.stepRelays},
	}
}

// Run executes the full sequence and returns the final State. On failure the
// returned State reflects the last completed stage and the error names the
// failed one.
func (s *Sequencer) Run(ctx context.Context) (State, error) {
	st := State{}
	for _, step := range s.steps() {
		s.log.Info().Str("stage", string(step.id)).Msg("running bootstrap stage")
		next, err := step.fn(ctx, st)
		if s.opts.Progress != nil {
			s.opts.Progress(step.id, err)
		}
		if err != nil {
			return st, fmt.Errorf("stage %s: %w", step.id, err)
		}
		next.Stage = step.id
		st = next
	}
	st.Stage = StepDone
	if s.opts.Progress != nil {
		s.opts.Progress(StepDone, nil)
	}
	return st, nil
}

func (s *Sequencer) stepRender(_ context.Context, st State) (State, error) {
	paths, err := render.WriteAll(s.cfg, s.opts.OutputDir)
	if err != nil {
		return st, err
	}
	st.EnvPath = paths[0]
	st.CaddyPath = paths[1]
	return st, nil
}

func (s *Sequencer) stepServicesUp(ctx context.Context, st State) (State, error) {
	return st, s.driver.Up(ctx, s.topo)
}

func (s *Sequencer) stepDBReady(ctx context.Context, st State) (State, error) {
	return st, s.db.WaitReady(ctx)
}

func (s *Sequencer) stepMigrate(ctx context.Context, st State) (State, error) {
	_, err := s.runOnce(ctx, "web", []string{"bundle", "exec", "rails", "db:migrate"})
	return st, err
}

func (s *Sequencer) stepSeed(ctx context.Context, st State) (State, error) {
	_, err := s.runOnce(ctx, "web", []string{"bundle", "exec", "rails", "db:seed"})
	return st, err
}

func (s *Sequencer) stepRestart(ctx context.Context, st State) (State, error) {
	return st, s.driver.Restart(ctx, s.topo)
}

func (s *Sequencer) stepAdminCreate(ctx context.Context, st State) (State, error) {
	out, err := s.runOnce(ctx, "web", []string{
		"tootctl", "accounts", "create", s.cfg.AdminUsername,
		"--email", s.cfg.AdminEmail,
		"--confirmed",
	})
	if err != nil {
		if s.opts.AdminPassword != "" && strings.Contains(err.Error(), "taken") {
			s.log.Warn().Str("user", s.cfg.AdminUsername).Msg("admin account already exists, using provided password")
			st.AdminPassword = s.opts.AdminPassword
			return st, nil
		}
		return st, err
	}

	password, err := ExtractPassword(out)
	if err != nil {
		return st, err
	}
	st.AdminPassword = password
	return st, nil
}

func (s *Sequencer) stepAdminRole(ctx context.Context, st State) (State, error) {
	_, err := s.runOnce(ctx, "web", []string{
		"tootctl", "accounts", "modify", s.cfg.AdminUsername, "--role", "Owner",
	})
	return st, err
}

func (s *Sequencer) stepAdmin2FA(ctx context.Context, st State) (State, error) {
	return st, s.db.DisableAdmin2FA(ctx, s.cfg.AdminUsername)
}

func (s *Sequencer) stepAdminApprove(ctx context.Context, st State) (State, error) {
	_, err := s.runOnce(ctx, "web", []string{
		"tootctl", "accounts", "approve", s.cfg.AdminUsername,
	})
	return st, err
}

func (s *Sequencer) stepRelays(ctx context.Context, st State) (State, error) {
	n, err := s.db.SeedRelays(ctx, s.cfg.Domain)
	if err != nil {
		return st, err
	}
	s.log.Info().Int("inserted", n).Msg("relay entries loaded")
	return st, nil
}

// runOnce executes a command in a service container and fails on a non-zero
// exit, surfacing the command's stderr.
func (s *Sequencer) runOnce(ctx context.Context, service string, cmd []string) (string, error) {
	res, err := s.driver.RunOnce(ctx, s.topo, service, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		return "", fmt.Errorf("%s in %s exited %d: %s", strings.Join(cmd, " "), service, res.ExitCode, detail)
	}
	return res.Stdout, nil
}
