// Package checkpoint records each shard's durable index version in
// PostgreSQL so operators and downstream consumers can see how far every
// shard has been persisted without opening the index.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS index_checkpoints (
	shard      INTEGER PRIMARY KEY,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// The stored version only moves forward, matching the signature.
const upsert = `INSERT INTO index_checkpoints (shard, version, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (shard) DO UPDATE
SET version = GREATEST(index_checkpoints.version, EXCLUDED.version),
    updated_at = NOW()`

type Store struct {
	client *postgres.Client
	logger *slog.Logger
}

// New creates the checkpoint table when missing.
func New(ctx context.Context, client *postgres.Client) (*Store, error) {
	if _, err := client.DB.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating checkpoint table: %w", err)
	}
	return &Store{
		client: client,
		logger: slog.Default().With("component", "checkpoint"),
	}, nil
}

// Checkpoint raises shard's recorded version to version.
func (s *Store) Checkpoint(ctx context.Context, shard int, version int64) error {
	if _, err := s.client.DB.ExecContext(ctx, upsert, shard, version); err != nil {
		return fmt.Errorf("checkpointing shard %d at version %d: %w", shard, version, err)
	}
	s.logger.Debug("version checkpointed", "shard_id", shard, "version", version)
	return nil
}

// Load returns shard's recorded version. ok is false when none is recorded.
func (s *Store) Load(ctx context.Context, shard int) (version int64, ok bool, err error) {
	err = s.client.DB.QueryRowContext(ctx,
		`SELECT version FROM index_checkpoints WHERE shard = $1`, shard,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("loading checkpoint for shard %d: %w", shard, err)
	}
	return version, true, nil
}

// All returns every recorded version keyed by shard.
func (s *Store) All(ctx context.Context) (map[int]int64, error) {
	rows, err := s.client.DB.QueryContext(ctx, `SELECT shard, version FROM index_checkpoints ORDER BY shard`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int64)
	for rows.Next() {
		var shard int
		var version int64
		if err := rows.Scan(&shard, &version); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out[shard] = version
	}
	return out, rows.Err()
}

// Reset forgets shard's version, used after the shard is purged.
func (s *Store) Reset(ctx context.Context, shard int) error {
	return s.client.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM index_checkpoints WHERE shard = $1`, shard); err != nil {
			return fmt.Errorf("resetting checkpoint for shard %d: %w", shard, err)
		}
		return nil
	})
}
