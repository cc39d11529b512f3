package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authgate/internal/session"
	"authgate/pkg/platform/sentinel"
)

// Schema creates the sessions table. The full record lives in a JSONB
// payload; subject and provider session ID are lifted into columns purely
// for the back-channel logout lookups.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	subject             TEXT NOT NULL,
	provider_session_id TEXT,
	payload             JSONB NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_subject_idx ON sessions (subject);
CREATE INDEX IF NOT EXISTS sessions_provider_sid_idx ON sessions (provider_session_id);
`

// PostgresStore persists sessions in PostgreSQL. Unlike Redis there is no
// native TTL, so reads filter on expires_at and Purge removes the leftovers.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, sess session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	query := `
		INSERT INTO sessions (id, subject, provider_session_id, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, sess.ID, sess.Subject, sess.ProviderSessionID, payload, sess.ExpiresAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (session.Session, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE id = $1 AND expires_at > $2`,
		id, s.clock(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("find session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteByProviderSession(ctx context.Context, sid string) ([]session.Session, error) {
	if sid == "" {
		return nil, nil
	}
	return s.deleteReturning(ctx,
		`DELETE FROM sessions WHERE provider_session_id = $1 AND expires_at > $2 RETURNING payload`,
		sid, s.clock(),
	)
}

func (s *PostgresStore) DeleteBySubject(ctx context.Context, subject string) ([]session.Session, error) {
	if subject == "" {
		return nil, nil
	}
	return s.deleteReturning(ctx,
		`DELETE FROM sessions WHERE subject = $1 AND expires_at > $2 RETURNING payload`,
		subject, s.clock(),
	)
}

func (s *PostgresStore) deleteReturning(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	defer rows.Close()

	var removed []session.Session
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return removed, fmt.Errorf("scan deleted session: %w", err)
		}
		var sess session.Session
		if err := json.Unmarshal(payload, &sess); err != nil {
			return removed, fmt.Errorf("unmarshal deleted session: %w", err)
		}
		removed = append(removed, sess)
	}
	return removed, rows.Err()
}

// Purge removes expired rows. Run it periodically; expired sessions are
// already invisible to reads.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.clock())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}
