// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 保持期間を超過したセッションと処理済み課金イベントを日次バッチで削除し、
// 未処理のまま残った課金イベントの件数をログに残す。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// デフォルトの保持期間
const (
	DefaultSessionRetention      = 7 * 24 * time.Hour
	DefaultBillingEventRetention = 90 * 24 * time.Hour
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// FailureCounter は未処理の課金イベント数を返す。
type FailureCounter interface {
	CountUnprocessed(ctx context.Context) (int64, error)
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	db       Executor
	failures FailureCounter
	logger   *slog.Logger
	now      func() time.Time

	SessionRetention      time.Duration // 失効・期限切れ後にセッション行を残す期間
	BillingEventRetention time.Duration // 処理済み課金イベントを重複排除のために残す期間
}

// NewCleanupJob は新しいCleanupJobを生成する。failuresはnilでもよい。
func NewCleanupJob(db Executor, failures FailureCounter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                    db,
		failures:              failures,
		logger:                logger,
		now:                   time.Now,
		SessionRetention:      DefaultSessionRetention,
		BillingEventRetention: DefaultBillingEventRetention,
	}
}

// Run はセッションと課金イベントの削除を順に実行する。
// 冪等: 削除対象がない場合でもエラーにならない。
// 未処理イベントの件数取得に失敗してもジョブ全体は失敗させない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	sessions, err := j.deleteSessions(ctx, now.Add(-j.SessionRetention))
	if err != nil {
		return err
	}

	events, err := j.deleteBillingEvents(ctx, now.Add(-j.BillingEventRetention))
	if err != nil {
		return err
	}

	j.reportUnprocessed(ctx)

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessions),
		slog.Int64("deleted_billing_events", events),
		slog.Float64("session_retention_hours", j.SessionRetention.Hours()),
		slog.Float64("billing_event_retention_hours", j.BillingEventRetention.Hours()),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// deleteSessions はcutoffより前に失効または期限切れになったセッションを削除する。
func (j *CleanupJob) deleteSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)`
	return j.exec(ctx, "sessions", query, cutoff)
}

// deleteBillingEvents はcutoffより前に処理済みになった課金イベントを削除する。
// 未処理（失敗）のイベントは手動照合のため残す。
func (j *CleanupJob) deleteBillingEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM billing_events WHERE processed_at IS NOT NULL AND processed_at < $1`
	return j.exec(ctx, "billing_events", query, cutoff)
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

func (j *CleanupJob) reportUnprocessed(ctx context.Context) {
	if j.failures == nil {
		return
	}

	count, err := j.failures.CountUnprocessed(ctx)
	if err != nil {
		j.logger.Warn("未処理課金イベント数の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if count > 0 {
		j.logger.Warn("未処理の課金イベントがあります。手動で照合してください",
			slog.Int64("unprocessed_billing_events", count),
		)
	}
}
