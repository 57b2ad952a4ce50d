package bootstrap

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedistack/fedistack/internal/config"
)

// relayInsertSQL inserts one accepted relay entry, guarded for rerun safety
// without relying on a unique index the application schema does not have.
// This statement writes the application's relays table directly and is tied
// to its schema; revisit it when the application image is upgraded.
const relayInsertSQL = `
INSERT INTO relays (inbox_url, follow_activity_id, state, created_at, updated_at)
SELECT $1, $2, $3, now(), now()
WHERE NOT EXISTS (SELECT 1 FROM relays WHERE inbox_url = $1)`

// disable2FASQL clears the two-factor requirement on the admin user.
const disable2FASQL = `
UPDATE users SET otp_required_for_login = FALSE, updated_at = now()
FROM accounts
WHERE users.account_id = accounts.id AND accounts.username = $1`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PG implements Database against the deployment's PostgreSQL instance.
type PG struct {
	pool         *pgxpool.Pool
	exec         execer
	ping         func(ctx context.Context) error
	readyTimeout time.Duration
}

// DSN builds the connection string for the published postgres port. The
// password is operator-supplied and must be escaped so reserved URL
// characters do not break parsing.
func DSN(cfg *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword("mastodon", cfg.DBPassword),
		Host:   "127.0.0.1:5432",
		Path:   "/mastodon",
	}
	return u.String()
}

// Connect creates a lazy connection pool. The database may not be up yet;
// WaitReady is the readiness gate.
func Connect(ctx context.Context, dsn string, readyTimeout time.Duration) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	return &PG{
		pool:         pool,
		exec:         pool,
		ping:         pool.Ping,
		readyTimeout: readyTimeout,
	}, nil
}

// Pool exposes the underlying pool for metrics registration.
func (p *PG) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases the pool.
func (p *PG) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// WaitReady probes the database with capped exponential backoff until a ping
// succeeds or the bounded timeout elapses. This replaces the fixed sleep a
// naive script would use with an explicit readiness predicate.
func (p *PG) WaitReady(ctx context.Context) error {
	deadline := time.Now().Add(p.readyTimeout)
	interval := 500 * time.Millisecond

	var lastErr error
	for {
		lastErr = p.ping(ctx)
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not ready within %s: %w", p.readyTimeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for database: %w", ctx.Err())
		case <-time.After(interval):
		}
		if interval < 5*time.Second {
			interval *= 2
			if interval > 5*time.Second {
				interval = 5 * time.Second
			}
		}
	}
}

// DisableAdmin2FA turns off the two-factor requirement for the named admin
// account so the operator can log in with the generated password alone.
func (p *PG) DisableAdmin2FA(ctx context.Context, username string) error {
	tag, err := p.exec.Exec(ctx, disable2FASQL, username)
	if err != nil {
		return fmt.Errorf("disable 2fa for %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("disable 2fa: no user found for account %s", username)
	}
	return nil
}

// SeedRelays writes the static relay list as accepted subscriptions and
// returns how many rows were actually inserted. Existing entries are left
// untouched, so reruns are safe.
func (p *PG) SeedRelays(ctx context.Context, domain string) (int, error) {
	inserted := 0
	for _, inbox := range DefaultRelayInboxes {
		activityID := fmt.Sprintf("https://%s/%s", domain, uuid.New())
		tag, err := p.exec.Exec(ctx, relayInsertSQL, inbox, activityID, RelayStateAccepted)
		if err != nil {
			return inserted, fmt.Errorf("insert relay %s: %w", inbox, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
