package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/sanctum/internal/model"
)

// PostgresBillingEventRepo はPostgreSQLを使用した課金イベント台帳。
type PostgresBillingEventRepo struct {
	db *sql.DB
}

// NewPostgresBillingEventRepo はPostgresBillingEventRepoを生成する。
func NewPostgresBillingEventRepo(db *sql.DB) *PostgresBillingEventRepo {
	return &PostgresBillingEventRepo{db: db}
}

// IsProcessed は指定イベントの効果が適用済みかを返す。
// 失敗として記録されただけのイベントは未処理として扱う。
func (r *PostgresBillingEventRepo) IsProcessed(ctx context.Context, externalEventID string) (bool, error) {
	var processedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT processed_at FROM billing_events WHERE external_event_id = $1`,
		externalEventID,
	).Scan(&processedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up billing event: %w", err)
	}
	return processedAt.Valid, nil
}

// MarkProcessed はイベントを処理済みとして記録する。
// 既に処理済みの場合は最初の処理時刻を維持する。
func (r *PostgresBillingEventRepo) MarkProcessed(ctx context.Context, externalEventID string, eventType model.BillingEventType, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO billing_events (external_event_id, type, received_at, processed_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (external_event_id) DO UPDATE
		 SET processed_at = COALESCE(billing_events.processed_at, EXCLUDED.processed_at),
		     last_error = NULL`,
		externalEventID, string(eventType), at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark billing event processed: %w", err)
	}
	return nil
}

// RecordFailure は適用に失敗したイベントを記録する。processed_atはNULLのままにする。
func (r *PostgresBillingEventRepo) RecordFailure(ctx context.Context, externalEventID string, eventType model.BillingEventType, reason string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO billing_events (external_event_id, type, received_at, last_error)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (external_event_id) DO UPDATE
		 SET last_error = EXCLUDED.last_error
		 WHERE billing_events.processed_at IS NULL`,
		externalEventID, string(eventType), at, reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record billing event failure: %w", err)
	}
	return nil
}

// CountUnprocessed は適用に失敗し未処理のまま残っているイベント数を返す。
func (r *PostgresBillingEventRepo) CountUnprocessed(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM billing_events WHERE processed_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unprocessed billing events: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ BillingEventLedger = (*PostgresBillingEventRepo)(nil)
