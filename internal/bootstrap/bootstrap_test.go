package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedistack/fedistack/internal/config"
	"github.com/fedistack/fedistack/internal/orchestrator"
	"github.com/fedistack/fedistack/internal/secrets"
	"github.com/fedistack/fedistack/internal/topology"
)

// scriptedRuntime satisfies orchestrator.Runtime with every container
// healthy and Exec outcomes decided by a handler.
type scriptedRuntime struct {
	running map[string]bool
	onExec  func(name string, cmd []string) (*orchestrator.ExecResult, error)
}

func newScriptedRuntime(onExec func(string, []string) (*orchestrator.ExecResult, error)) *scriptedRuntime {
	return &scriptedRuntime{running: map[string]bool{}, onExec: onExec}
}

func (r *scriptedRuntime) EnsureNetwork(context.Context, string) error { return nil }
func (r *scriptedRuntime) PullImage(context.Context, string) error     { return nil }

func (r *scriptedRuntime) CreateAndStart(_ context.Context, _ string, svc topology.ServiceSpec) error {
	r.running[svc.Name] = true
	return nil
}

func (r *scriptedRuntime) Stop(_ context.Context, name string) error {
	r.running[name] = false
	return nil
}

func (r *scriptedRuntime) State(_ context.Context, name string) (*orchestrator.ContainerState, error) {
	if !r.running[name] {
		return &orchestrator.ContainerState{}, nil
	}
	return &orchestrator.ContainerState{Exists: true, Running: true, Health: "healthy"}, nil
}

func (r *scriptedRuntime) Exec(_ context.Context, name string, cmd []string) (*orchestrator.ExecResult, error) {
	return r.onExec(name, cmd)
}

// fakeDB satisfies Database in memory.
type fakeDB struct {
	readyErr     error
	twoFACleared []string
	relayDomains []string
	relayCount   int
}

func (f *fakeDB) WaitReady(context.Context) error { return f.readyErr }

func (f *fakeDB) DisableAdmin2FA(_ context.Context, username string) error {
	f.twoFACleared = append(f.twoFACleared, username)
	return nil
}

func (f *fakeDB) SeedRelays(_ context.Context, domain string) (int, error) {
	f.relayDomains = append(f.relayDomains, domain)
	return f.relayCount, nil
}

func testSequencerConfig(t *testing.T) *config.Config {
	t.Helper()
	set, err := secrets.NewSet()
	require.NoError(t, err)
	return &config.Config{
		Domain:         "example.test",
		PublicIP:       "203.0.113.5",
		OperatorEmail:  "admin@example.test",
		DBPassword:     "x",
		RedisPassword:  "y",
		BrokerPassword: "z",
		AdminUsername:  "admin",
		AdminEmail:     "admin@example.test",
		Secrets:        set,
	}
}

// okExec approves every command and prints a password on account creation.
func okExec(name string, cmd []string) (*orchestrator.ExecResult, error) {
	joined := strings.Join(cmd, " ")
	if strings.HasPrefix(joined, "tootctl accounts create") {
		return &orchestrator.ExecResult{ExitCode: 0, Stdout: "OK\nNew password: s3cretpw\n"}, nil
	}
	return &orchestrator.ExecResult{ExitCode: 0, Stdout: "OK"}, nil
}

func newTestSequencer(t *testing.T, rt orchestrator.Runtime, db Database, opts Options) *Sequencer {
	t.Helper()
	cfg := testSequencerConfig(t)
	topo := topology.Default(topology.Params{
		DBPassword:     cfg.DBPassword,
		RedisPassword:  cfg.RedisPassword,
		BrokerPassword: cfg.BrokerPassword,
	})
	driver := orchestrator.New(rt, zerolog.Nop(), 2*time.Second)
	if opts.OutputDir == "" {
		opts.OutputDir = t.TempDir()
	}
	return NewSequencer(cfg, topo, driver, db, zerolog.Nop(), opts)
}

func TestExtractPassword(t *testing.T) {
	pw, err := ExtractPassword("Congratulations!\nNew password: hunter2xyz\n")
	require.NoError(t, err)
	assert.Equal(t, "hunter2xyz", pw)
}

func TestExtractPassword_PatternNotFound(t *testing.T) {
	for _, output := range []string{"", "account created", "New password:\n"} {
		_, err := ExtractPassword(output)
		require.ErrorIs(t, err, ErrPasswordNotFound, "output=%q", output)
	}
}

func TestRun_ReachesDone(t *testing.T) {
	rt := newScriptedRuntime(okExec)
	db := &fakeDB{relayCount: len(DefaultRelayInboxes)}

	var seen []StepID
	seq := newTestSequencer(t, rt, db, Options{
		Progress: func(id StepID, err error) {
			require.NoError(t, err, "step %s", id)
			seen = append(seen, id)
		},
	})

	st, err := seq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StepDone, st.Stage)
	assert.Equal(t, "s3cretpw", st.AdminPassword, "password must thread through unchanged")
	assert.NotEmpty(t, st.EnvPath)
	assert.NotEmpty(t, st.CaddyPath)

	assert.Equal(t, []StepID{
		StepRendered, StepServicesUp, StepDBReady, StepMigrated, StepSeeded,
		StepRestarted, StepAdminCreated, StepAdminRoled, StepAdmin2FADisabled,
		StepAdminApproved, StepRelaysLoaded, StepDone,
	}, seen)

	assert.Equal(t, []string{"admin"}, db.twoFACleared)
	assert.Equal(t, []string{"example.test"}, db.relayDomains)
}

func TestRun_PasswordPatternMissingAborts(t *testing.T) {
	rt := newScriptedRuntime(func(name string, cmd []string) (*orchestrator.ExecResult, error) {
		joined := strings.Join(cmd, " ")
		if strings.HasPrefix(joined, "tootctl accounts create") {
			return &orchestrator.ExecResult{ExitCode: 0, Stdout: "account created\n"}, nil
		}
		return &orchestrator.ExecResult{ExitCode: 0, Stdout: "OK"}, nil
	})
	db := &fakeDB{}

	seq := newTestSequencer(t, rt, db, Options{})
	st, err := seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPasswordNotFound)
	assert.Contains(t, err.Error(), "stage admin_created")
	assert.Equal(t, StepRestarted, st.Stage, "state reflects the last completed stage")
	assert.Empty(t, st.AdminPassword)
	assert.Empty(t, db.twoFACleared, "later stages must not run")
}

func TestRun_MigrationFailureNamesStage(t *testing.T) {
	rt := newScriptedRuntime(func(name string, cmd []string) (*orchestrator.ExecResult, error) {
		if strings.Contains(strings.Join(cmd, " "), "db:migrate") {
			return &orchestrator.ExecResult{ExitCode: 1, Stderr: "PG::ConnectionBad"}, nil
		}
		return &orchestrator.ExecResult{ExitCode: 0, Stdout: "OK"}, nil
	})

	seq := newTestSequencer(t, rt, &fakeDB{}, Options{})
	st, err := seq.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage migrated")
	assert.Contains(t, err.Error(), "PG::ConnectionBad")
	assert.Equal(t, StepDBReady, st.Stage)
}

func TestRun_DBNotReadyAborts(t *testing.T) {
	rt := newScriptedRuntime(okExec)
	db := &fakeDB{readyErr: fmt.Errorf("database not ready within 2m0s")}

	seq := newTestSequencer(t, rt, db, Options{})
	st, err := seq.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage db_ready")
	assert.Equal(t, StepServicesUp, st.Stage)
}

func TestRun_ExistingAdminUsesProvidedPassword(t *testing.T) {
	rt := newScriptedRuntime(func(name string, cmd []string) (*orchestrator.ExecResult, error) {
		joined := strings.Join(cmd, " ")
		if strings.HasPrefix(joined, "tootctl accounts create") {
			return &orchestrator.ExecResult{ExitCode: 1, Stderr: "Failure/Error: email is taken"}, nil
		}
		return &orchestrator.ExecResult{ExitCode: 0, Stdout: "OK"}, nil
	})

	seq := newTestSequencer(t, rt, &fakeDB{}, Options{AdminPassword: "operator-pw"})
	st, err := seq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "operator-pw", st.AdminPassword)
}

func TestRun_ExistingAdminWithoutPasswordFails(t *testing.T) {
	rt := newScriptedRuntime(func(name string, cmd []string) (*orchestrator.ExecResult, error) {
		joined := strings.Join(cmd, " ")
		if strings.HasPrefix(joined, "tootctl accounts create") {
			return &orchestrator.ExecResult{ExitCode: 1, Stderr: "Failure/Error: email is taken"}, nil
		}
		return &orchestrator.ExecResult{ExitCode: 0, Stdout: "OK"}, nil
	})

	seq := newTestSequencer(t, rt, &fakeDB{}, Options{})
	_, err := seq.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage admin_created")
}
