package handler

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sanctum/internal/auth"
	"github.com/hitoshi/sanctum/internal/middleware"
	"github.com/hitoshi/sanctum/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(redirect string) (loginURL string, nonce string, err error)
	VerifyState(state, nonce string) (string, error)
	CompleteLogin(ctx context.Context, code string) (*auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
	LogoutEverywhere(ctx context.Context, userID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieDomain string
	CookieSecure bool
	SessionTTL   time.Duration // セッションCookieの有効期間
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login?redirect=/path
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	loginURL, nonce, err := h.service.BeginLogin(r.URL.Query().Get("redirect"))
	if err != nil {
		slog.Error("failed to begin login", slog.String("error", err.Error()))
		renderAuthError(w, http.StatusInternalServerError)
		return
	}

	// nonceをCookieに保存（CSRF対策）。stateトークンのjtiと照合する
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    nonce,
		Path:     "/auth",
		MaxAge:   int(auth.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	var nonce string
	if c, err := r.Cookie(oauthStateCookie); err == nil {
		nonce = c.Value
	}
	h.clearCookie(w, oauthStateCookie, "/auth")

	redirect, err := h.service.VerifyState(query.Get("state"), nonce)
	if err != nil {
		slog.Warn("oauth state verification failed", slog.String("error", err.Error()))
		renderAuthError(w, http.StatusBadRequest)
		return
	}

	// IdP側で拒否された場合
	if idpErr := query.Get("error"); idpErr != "" {
		slog.Info("identity provider returned error", slog.String("error", idpErr))
		renderAuthError(w, http.StatusBadRequest)
		return
	}

	// 2. 認証処理
	result, err := h.service.CompleteLogin(r.Context(), query.Get("code"))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrMissingCode):
			status = http.StatusBadRequest
		case errors.Is(err, auth.ErrProviderExchange):
			status = http.StatusBadGateway
		}
		slog.Error("oauth callback failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		renderAuthError(w, status)
		return
	}

	// 3. セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    result.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   int(h.config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 4. 元のページにリダイレクト
	http.Redirect(w, r, h.config.BaseURL+redirect, http.StatusFound)
}

// Logout はセッションを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionToken(r); token != "" {
		if err := h.service.Logout(r.Context(), token); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearCookie(w, middleware.SessionCookieName, "/")
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll は現在のユーザーの全セッションを失効させる。
// POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.LogoutEverywhere(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	h.clearCookie(w, middleware.SessionCookieName, "/")
	w.WriteHeader(http.StatusNoContent)
}

// meResponse は現在のユーザー情報のAPIレスポンス。
type meResponse struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	DisplayName        string     `json:"display_name"`
	Role               string     `json:"role"`
	SubscriptionTier   string     `json:"subscription_tier"`
	SubscriptionStatus string     `json:"subscription_status"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.CurrentUser(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		ID:                 user.ID,
		Email:              user.Email,
		DisplayName:        user.DisplayName,
		Role:               string(user.Role),
		SubscriptionTier:   string(user.SubscriptionTier),
		SubscriptionStatus: string(user.SubscriptionStatus),
		SubscriptionEndsAt: user.SubscriptionEndsAt,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// authErrorPage はログイン失敗時に表示する汎用エラーページ。
// IdPやDBの詳細は表示しない。
var authErrorPage = template.Must(template.New("auth_error").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p>{{.Action}}</p>
<p><a href="/">トップへ戻る</a></p>
</body>
</html>
`))

func renderAuthError(w http.ResponseWriter, status int) {
	apiErr := model.NewAuthFailedError()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := authErrorPage.Execute(w, struct {
		Title   string
		Message string
		Action  string
	}{
		Title:   "ログインできませんでした",
		Message: apiErr.Message,
		Action:  apiErr.Action,
	}); err != nil {
		slog.Error("failed to render auth error page", slog.String("error", err.Error()))
	}
}
