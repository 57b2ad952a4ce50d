package bootstrap

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	calls []struct {
		sql  string
		args []any
	}
	tag pgconn.CommandTag
	err error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, struct {
		sql  string
		args []any
	}{sql, args})
	return f.tag, f.err
}

func TestDefaultRelayInboxes_Static(t *testing.T) {
	assert.Len(t, DefaultRelayInboxes, 18)

	seen := map[string]bool{}
	for _, inbox := range DefaultRelayInboxes {
		assert.True(t, strings.HasPrefix(inbox, "https://"), inbox)
		assert.False(t, seen[inbox], "duplicate relay inbox %s", inbox)
		seen[inbox] = true
	}
}

func TestSeedRelays_InsertsAllAccepted(t *testing.T) {
	exec := &fakeExecer{tag: pgconn.NewCommandTag("INSERT 0 1")}
	pg := &PG{exec: exec}

	n, err := pg.SeedRelays(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	require.Len(t, exec.calls, 18)

	for i, call := range exec.calls {
		assert.Contains(t, call.sql, "WHERE NOT EXISTS", "insert must be rerun-safe")
		require.Len(t, call.args, 3)
		assert.Equal(t, DefaultRelayInboxes[i], call.args[0])
		assert.Contains(t, call.args[1], "https://example.test/")
		assert.Equal(t, RelayStateAccepted, call.args[2])
	}
}

func TestSeedRelays_CountsOnlyNewRows(t *testing.T) {
	exec := &fakeExecer{tag: pgconn.NewCommandTag("INSERT 0 0")}
	pg := &PG{exec: exec}

	n, err := pg.SeedRelays(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Zero(t, n, "rerun against seeded table inserts nothing")
}

func TestSeedRelays_ErrorNamesInbox(t *testing.T) {
	exec := &fakeExecer{err: fmt.Errorf("connection refused")}
	pg := &PG{exec: exec}

	_, err := pg.SeedRelays(context.Background(), "example.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), DefaultRelayInboxes[0])
}

func TestDisableAdmin2FA(t *testing.T) {
	exec := &fakeExecer{tag: pgconn.NewCommandTag("UPDATE 1")}
	pg := &PG{exec: exec}

	require.NoError(t, pg.DisableAdmin2FA(context.Background(), "admin"))
	require.Len(t, exec.calls, 1)
	assert.Contains(t, exec.calls[0].sql, "otp_required_for_login = FALSE")
	assert.Equal(t, []any{"admin"}, exec.calls[0].args)
}

func TestDisableAdmin2FA_NoSuchUser(t *testing.T) {
	exec := &fakeExecer{tag: pgconn.NewCommandTag("UPDATE 0")}
	pg := &PG{exec: exec}

	err := pg.DisableAdmin2FA(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no user found")
}

func TestWaitReady_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	pg := &PG{
		readyTimeout: 5 * time.Second,
		ping: func(context.Context) error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
	}
	require.NoError(t, pg.WaitReady(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestWaitReady_BoundedTimeout(t *testing.T) {
	pg := &PG{
		readyTimeout: 50 * time.Millisecond,
		ping: func(context.Context) error {
			return fmt.Errorf("connection refused")
		},
	}
	err := pg.WaitReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not ready within")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDSN(t *testing.T) {
	cfg := testSequencerConfig(t)
	assert.Equal(t, "postgres://mastodon:x@127.0.0.1:5432/mastodon", DSN(cfg))
}

func TestDSN_EscapesReservedPasswordCharacters(t *testing.T) {
	cfg := testSequencerConfig(t)
	cfg.DBPassword = "p@ss:w/rd?&"

	u, err := url.Parse(DSN(cfg))
	require.NoError(t, err)
	assert.Equal(t, "mastodon", u.User.Username())
	pw, set := u.User.Password()
	require.True(t, set)
	assert.Equal(t, cfg.DBPassword, pw)
	assert.Equal(t, "127.0.0.1:5432", u.Host)
	assert.Equal(t, "/mastodon", u.Path)
}
