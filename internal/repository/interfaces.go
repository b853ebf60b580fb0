// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/sanctum/internal/model"
)

// UserDirectory はユーザー行の永続化インターフェース。
// 書き込みはすべて対象フィールドのみを更新し、行全体を上書きしない。
type UserDirectory interface {
	// GetByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, id string) (*model.User, error)

	// GetByExternalIdentity は外部IdPのキーでユーザーを取得する。見つからない場合はnilを返す。
	GetByExternalIdentity(ctx context.Context, externalIdentity string) (*model.User, error)

	// GetByBillingRef は課金サブスクリプション参照でユーザーを取得する。見つからない場合はnilを返す。
	GetByBillingRef(ctx context.Context, billingRef string) (*model.User, error)

	// Upsert は外部IdPのプロフィールでユーザーを作成または更新する。
	// 既存行はemailとdisplay_nameのみ更新し、role・subscription系フィールドには触れない。
	// 同一external_identityの同時実行でも行は1つしか作られない。
	Upsert(ctx context.Context, profile model.ExternalProfile) (*model.User, error)

	// UpdatePartial はサブスクリプション関連フィールドを部分更新する。
	// 対象ユーザーが存在しない場合はErrNotFoundを返す。
	UpdatePartial(ctx context.Context, id string, patch model.SubscriptionPatch) error

	// DeleteByID は指定IDのユーザーを削除する。sessionsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを状態に関わらず取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Revoke は指定IDのセッションを失効させる。失効済みの場合は何もしない。
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeByUserID は指定ユーザーの全セッションを失効させる。
	RevokeByUserID(ctx context.Context, userID string, at time.Time) error
}

// BillingEventLedger は課金イベントの処理台帳インターフェース。
type BillingEventLedger interface {
	// IsProcessed は指定イベントの効果が適用済みかを返す。
	IsProcessed(ctx context.Context, externalEventID string) (bool, error)
	// MarkProcessed はイベントを処理済みとして記録する。状態遷移の適用後、最後に呼ぶ。
	MarkProcessed(ctx context.Context, externalEventID string, eventType model.BillingEventType, at time.Time) error
	// RecordFailure は適用に失敗したイベントを手動照合用に記録する。processed_atはNULLのまま。
	RecordFailure(ctx context.Context, externalEventID string, eventType model.BillingEventType, reason string, at time.Time) error
}
