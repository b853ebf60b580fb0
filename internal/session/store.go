// Package session はユーザーに紐付く不透明なセッショントークンの発行・検証・失効を提供する。
// Cookieでの受け渡しは呼び出し側（handler）の責務。
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sanctum/internal/model"
)

// DefaultTTL はセッションの有効期間のデフォルト（30日）。
const DefaultTTL = 30 * 24 * time.Hour

// ErrInvalidSession はトークンが存在しない・失効済み・期限切れのいずれかであることを示す。
// 呼び出し側に3者の区別は伝えない。
var ErrInvalidSession = errors.New("invalid session")

// Repository はセッションの永続化インターフェース。
type Repository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを状態に関わらず取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Revoke は指定IDのセッションを失効させる。既に失効済みの場合は何もしない。
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeByUserID は指定ユーザーの全セッションを失効させる。
	RevokeByUserID(ctx context.Context, userID string, at time.Time) error
}

// Store はセッションストア。
type Store struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewStore はStoreを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewStore(repo Repository, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{repo: repo, ttl: ttl, now: time.Now}
}

// WithClock はテスト用に時刻関数を差し替える。
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// TTL はセッションの有効期間を返す。
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create は新しいトークンを発行し、セッションを保存する。
// 返り値のトークンはここでしか得られない。永続化されるのはそのハッシュのみ。
func (s *Store) Create(ctx context.Context, userID string) (string, *model.Session, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("user ID is required")
	}

	token, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now()
	sess := &model.Session{
		ID:        hashToken(token),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	if err := s.repo.Create(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("failed to save session: %w", err)
	}

	return token, sess, nil
}

// Resolve はトークンからユーザーIDを解決する。
// 存在しない・失効済み・期限切れのいずれもErrInvalidSessionを返す。
// ストアの障害はログに残した上でErrInvalidSessionとして扱い、呼び出し側を未認証として継続させる。
func (s *Store) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidSession
	}

	sess, err := s.repo.FindByID(ctx, hashToken(token))
	if err != nil {
		slog.Error("failed to look up session", slog.String("error", err.Error()))
		return "", ErrInvalidSession
	}

	if !sess.ValidAt(s.now()) {
		return "", ErrInvalidSession
	}
	return sess.UserID, nil
}

// Revoke はトークンのセッションを失効させる。冪等。
func (s *Store) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.repo.Revoke(ctx, hashToken(token), s.now()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAll は指定ユーザーの全セッションを失効させる。
// 他ユーザーのセッションには影響しない。
func (s *Store) RevokeAll(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if err := s.repo.RevokeByUserID(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return nil
}

// generateToken は256ビットの暗号的に安全なトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashToken は永続化用のセッションIDをトークンから導出する。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
