// Package auth はOAuthによる外部IdPログインとセッション発行を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/model"
	"github.com/hitoshi/sanctum/internal/repository"
	"github.com/hitoshi/sanctum/internal/session"
	"github.com/microcosm-cc/bluemonday"
)

var (
	// ErrMissingCode は認可コードが空であることを示す。外部呼び出しは行わない。
	ErrMissingCode = errors.New("authorization code is required")
	// ErrProviderExchange はIdPとのトークン交換またはプロフィール取得に失敗したことを示す。
	ErrProviderExchange = errors.New("identity provider exchange failed")
	// ErrPersistence はユーザーまたはセッションの保存に失敗したことを示す。セッションは発行されない。
	ErrPersistence = errors.New("failed to persist login")
)

// プロフィール項目の最大長（文字数）
const maxProfileFieldLen = 255

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 将来的に複数IdP（Google, GitHub等）に対応するための抽象化。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、プロフィールを取得する。
	ExchangeCode(ctx context.Context, code string) (*model.ExternalProfile, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	StoreTimeout time.Duration // ユーザー・セッション保存1回あたりのタイムアウト
}

// LoginResult はログイン完了時の結果。Tokenはクライアントに渡すセッショントークン。
type LoginResult struct {
	Token   string
	Session *model.Session
	User    *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	states    *StateSigner
	users     repository.UserDirectory
	sessions  *session.Store
	metrics   metrics.MetricsCollector
	sanitizer *bluemonday.Policy
	config    ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	states *StateSigner,
	users repository.UserDirectory,
	sessions *session.Store,
	mc metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	return &Service{
		oauth:     oauth,
		states:    states,
		users:     users,
		sessions:  sessions,
		metrics:   mc,
		sanitizer: bluemonday.StrictPolicy(),
		config:    config,
	}
}

// BeginLogin はIdPの認証URLと、Cookieで往復させるnonceを返す。
// redirectは検証済みの値に置き換えてstateに埋め込む。
func (s *Service) BeginLogin(redirect string) (loginURL string, nonce string, err error) {
	state, nonce, err := s.states.Issue(redirect)
	if err != nil {
		return "", "", err
	}
	return s.oauth.GetLoginURL(state), nonce, nil
}

// VerifyState はコールバックのstateを検証し、ログイン後の遷移先を返す。
func (s *Service) VerifyState(state, nonce string) (string, error) {
	redirect, err := s.states.Verify(state, nonce)
	if err != nil {
		s.metrics.RecordLoginFailure("state")
		return "", err
	}
	return redirect, nil
}

// CompleteLogin は認可コードを交換してユーザーを作成または更新し、セッションを発行する。
// IdPとの2回の通信が両方成功するまでは何も書き込まない。
// 保存に失敗した場合はセッションを発行せずErrPersistenceを返す。
func (s *Service) CompleteLogin(ctx context.Context, code string) (*LoginResult, error) {
	if code == "" {
		s.metrics.RecordLoginFailure("missing_code")
		return nil, ErrMissingCode
	}

	// 1. 認可コードをトークンに交換し、プロフィールを取得
	profile, err := s.oauth.ExchangeCode(ctx, code)
	if err == nil && (profile == nil || profile.Subject == "") {
		err = errors.New("provider returned no subject")
	}
	if err != nil {
		slog.Warn("identity provider exchange failed", slog.String("error", err.Error()))
		s.metrics.RecordLoginFailure("provider")
		return nil, fmt.Errorf("%w: %w", ErrProviderExchange, err)
	}

	sanitized := s.sanitizeProfile(*profile)

	// 2. ユーザーをupsert（role・tierには触れない）
	user, err := s.upsertUser(ctx, sanitized)
	if err != nil {
		slog.Error("failed to upsert user on login",
			slog.String("external_identity", sanitized.ExternalIdentity()),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordLoginFailure("persistence")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	// 3. セッションを発行
	token, sess, err := s.createSession(ctx, user.ID)
	if err != nil {
		slog.Error("failed to create session on login",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		s.metrics.RecordLoginFailure("persistence")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.metrics.RecordSessionIssued()
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("provider", sanitized.Provider),
	)

	return &LoginResult{Token: token, Session: sess, User: user}, nil
}

// Logout はセッションを失効させる。トークンが空または失効済みでもエラーにしない。
func (s *Service) Logout(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	return nil
}

// LogoutEverywhere は指定ユーザーの全セッションを失効させる。
func (s *Service) LogoutEverywhere(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	if err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}

	slog.Info("all sessions revoked", slog.String("user_id", userID))
	return nil
}

// CurrentUser はセッショントークンから現在のユーザーを取得する。
// 無効なセッションやユーザーが存在しない場合はsession.ErrInvalidSessionを返す。
func (s *Service) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()

	userID, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, session.ErrInvalidSession
	}
	return user, nil
}

func (s *Service) upsertUser(ctx context.Context, profile model.ExternalProfile) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.users.Upsert(ctx, profile)
}

func (s *Service) createSession(ctx context.Context, userID string) (string, *model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	return s.sessions.Create(ctx, userID)
}

// sanitizeProfile はIdPから受け取った表示名からマークアップを除去し、長さを制限する。
// StrictPolicyはエンティティをエスケープするため、プレーンテキストに戻して保存する。
func (s *Service) sanitizeProfile(p model.ExternalProfile) model.ExternalProfile {
	name := html.UnescapeString(s.sanitizer.Sanitize(p.DisplayName))
	p.DisplayName = truncateRunes(strings.TrimSpace(name), maxProfileFieldLen)
	p.Email = truncateRunes(strings.TrimSpace(p.Email), maxProfileFieldLen)
	return p
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
