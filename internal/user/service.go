// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/sanctum/internal/model"
	"github.com/hitoshi/sanctum/internal/repository"
)

// SessionRevoker はユーザーの全セッション失効インターフェース。session.Storeが実装する。
type SessionRevoker interface {
	RevokeAll(ctx context.Context, userID string) error
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	users    repository.UserDirectory
	sessions SessionRevoker
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users repository.UserDirectory, sessions SessionRevoker) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 課金中（active または past_due）のサブスクリプションがある場合は拒否する。
// 削除順序: sessions（失効） → user（sessionsはCASCADE削除）
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}
	if user.HasLiveSubscription() {
		return model.NewSubscriptionPresentError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. セッションを失効
	if s.sessions != nil {
		if err := s.sessions.RevokeAll(ctx, userID); err != nil {
			return fmt.Errorf("セッションの失効に失敗しました: %w", err)
		}
	}

	// 2. ユーザーを削除
	if err := s.users.DeleteByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
