package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive stores finished conversations in a relational table,
// one row per turn.
//
// Expected schema:
//
//	CREATE TABLE conversation_entries (
//	    session_id TEXT        NOT NULL,
//	    seq        INTEGER     NOT NULL,
//	    role       TEXT        NOT NULL,
//	    body       TEXT        NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (session_id, seq)
//	);
type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

func (a *PostgresArchive) Store(ctx context.Context, sessionID string, entries []Entry) error {
	if a == nil || a.pool == nil || len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, entry := range entries {
		batch.Queue(
			`INSERT INTO conversation_entries (session_id, seq, role, body, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, seq) DO NOTHING`,
			sessionID, i, entry.Role, entry.Text, entry.At,
		)
	}

	results := a.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("archive conversation %s: %w", sessionID, err)
		}
	}
	return nil
}

// Load reads an archived conversation back in turn order.
func (a *PostgresArchive) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	if a == nil || a.pool == nil {
		return nil, nil
	}
	rows, err := a.pool.Query(ctx,
		`SELECT role, body, created_at FROM conversation_entries
		 WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Role, &entry.Text, &entry.At); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", sessionID, err)
	}
	return entries, nil
}
