package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/keypool"
)

// KeyUsageRepository persists per-key usage snapshots for dashboards.
// The in-memory pool state is authoritative; writes here are best-effort.
type KeyUsageRepository struct {
	db *sqlx.DB
}

// NewKeyUsageRepository creates a new key usage repository
func NewKeyUsageRepository(db *sqlx.DB) *KeyUsageRepository {
	return &KeyUsageRepository{db: db}
}

// RecordSnapshot upserts one row per key for the current minute bucket
func (r *KeyUsageRepository) RecordSnapshot(ctx context.Context, stats []keypool.KeyStats) error {
	bucket := time.Now().UTC().Truncate(time.Minute)

	query := `
		INSERT INTO key_usage (
			key_id, minute_bucket, health, used_today,
			consecutive_failures, last_success_at, last_failure_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (key_id, minute_bucket) DO UPDATE SET
			health = EXCLUDED.health,
			used_today = EXCLUDED.used_today,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at`

	for _, s := range stats {
		if _, err := r.db.ExecContext(ctx, query,
			s.ID, bucket, string(s.Health), s.UsedToday,
			s.ConsecutiveFailures, s.LastSuccessAt, s.LastFailureAt,
		); err != nil {
			return fmt.Errorf("failed to record key usage for %s: %w", s.ID, err)
		}
	}
	return nil
}
