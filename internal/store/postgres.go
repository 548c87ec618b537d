// Package store persists finished conversation exchanges to PostgreSQL.
//
// Persistence is strictly off the real-time path: the gateway hands each
// transcript/response pair to a Recorder, which queues it for a background
// worker. A full queue or a down database drops the exchange with a log line;
// it never stalls or fails the live call.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlExchanges = `
CREATE TABLE IF NOT EXISTS exchanges (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    transcript  TEXT         NOT NULL,
    response    TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    mode        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_exchanges_session_id
    ON exchanges (session_id);

CREATE INDEX IF NOT EXISTS idx_exchanges_created_at
    ON exchanges (created_at);
`

// Exchange is one finished transcript/response pair.
type Exchange struct {
	SessionID  string
	Transcript string
	Response   string
	Language   string
	Mode       string
	CreatedAt  time.Time
}

// Postgres is the pgx-backed exchange store. All operations are safe for
// concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres establishes a connection pool to the database at dsn and
// ensures the exchanges table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlExchanges); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// SaveExchange inserts one exchange.
func (p *Postgres) SaveExchange(ctx context.Context, ex Exchange) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO exchanges (session_id, transcript, response, language, mode)
		 VALUES ($1, $2, $3, $4, $5)`,
		ex.SessionID, ex.Transcript, ex.Response, ex.Language, ex.Mode,
	)
	if err != nil {
		return fmt.Errorf("store: save exchange: %w", err)
	}
	return nil
}

// History returns the most recent exchanges for a session, oldest first.
func (p *Postgres) History(ctx context.Context, sessionID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, transcript, response, language, mode, created_at
		 FROM (
		     SELECT * FROM exchanges
		     WHERE session_id = $1
		     ORDER BY created_at DESC
		     LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.SessionID, &ex.Transcript, &ex.Response, &ex.Language, &ex.Mode, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan exchange: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}
	return out, nil
}

// Ping verifies database connectivity. Used by readiness probes.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
