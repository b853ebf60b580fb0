package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/sanctum/internal/auth"
	"github.com/hitoshi/sanctum/internal/middleware"
	"github.com/hitoshi/sanctum/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	beginLoginFn       func(redirect string) (string, string, error)
	verifyStateFn      func(state, nonce string) (string, error)
	completeLoginFn    func(ctx context.Context, code string) (*auth.LoginResult, error)
	logoutFn           func(ctx context.Context, token string) error
	logoutEverywhereFn func(ctx context.Context, userID string) error
}

func (m *mockAuthService) BeginLogin(redirect string) (string, string, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn(redirect)
	}
	return "https://idp.example.com/auth?state=s", "nonce", nil
}

func (m *mockAuthService) VerifyState(state, nonce string) (string, error) {
	if m.verifyStateFn != nil {
		return m.verifyStateFn(state, nonce)
	}
	return "/", nil
}

func (m *mockAuthService) CompleteLogin(ctx context.Context, code string) (*auth.LoginResult, error) {
	if m.completeLoginFn != nil {
		return m.completeLoginFn(ctx, code)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, token string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) LogoutEverywhere(ctx context.Context, userID string) error {
	if m.logoutEverywhereFn != nil {
		return m.logoutEverywhereFn(ctx, userID)
	}
	return nil
}

func testAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		BaseURL:      "http://localhost:3000",
		CookieSecure: true,
		SessionTTL:   24 * time.Hour,
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func successfulLogin(token string) func(ctx context.Context, code string) (*auth.LoginResult, error) {
	return func(ctx context.Context, code string) (*auth.LoginResult, error) {
		return &auth.LoginResult{
			Token:   token,
			Session: &model.Session{UserID: "user-1", ExpiresAt: time.Now().Add(24 * time.Hour)},
			User:    &model.User{ID: "user-1"},
		}, nil
	}
}

// --- テスト ---

func TestAuthHandler_Login_RedirectsAndSetsNonceCookie(t *testing.T) {
	var gotRedirect string
	svc := &mockAuthService{
		beginLoginFn: func(redirect string) (string, string, error) {
			gotRedirect = redirect
			return "https://accounts.google.com/o/oauth2/auth?state=signed", "nonce-1", nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/login?redirect=/library", nil)
	w := httptest.NewRecorder()

	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "accounts.google.com") {
		t.Errorf("Location = %q, should contain google oauth URL", loc)
	}
	if gotRedirect != "/library" {
		t.Errorf("redirect = %q, want %q", gotRedirect, "/library")
	}

	c := findCookie(resp, oauthStateCookie)
	if c == nil {
		t.Fatal("oauth_state cookieが設定されていません")
	}
	if c.Value != "nonce-1" {
		t.Errorf("cookie value = %q, want %q", c.Value, "nonce-1")
	}
	if !c.HttpOnly {
		t.Error("oauth_state cookieはHttpOnlyであるべきです")
	}
	if c.MaxAge != int(auth.StateTTL.Seconds()) {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, int(auth.StateTTL.Seconds()))
	}
}

func TestAuthHandler_Login_BeginFailure_RendersErrorPage(t *testing.T) {
	svc := &mockAuthService{
		beginLoginFn: func(string) (string, string, error) {
			return "", "", errors.New("signing key missing")
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "signing key") {
		t.Error("内部エラーの詳細がページに含まれています")
	}
}

func TestAuthHandler_Callback_Success_SetsSessionCookieAndRedirects(t *testing.T) {
	var gotState, gotNonce, gotCode string
	svc := &mockAuthService{
		verifyStateFn: func(state, nonce string) (string, error) {
			gotState, gotNonce = state, nonce
			return "/library", nil
		},
		completeLoginFn: func(ctx context.Context, code string) (*auth.LoginResult, error) {
			gotCode = code
			return successfulLogin("token-abc")(ctx, code)
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc123&state=signed", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce-1"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "http://localhost:3000/library" {
		t.Errorf("Location = %q, want %q", loc, "http://localhost:3000/library")
	}
	if gotState != "signed" || gotNonce != "nonce-1" || gotCode != "abc123" {
		t.Errorf("state=%q nonce=%q code=%q", gotState, gotNonce, gotCode)
	}

	c := findCookie(resp, middleware.SessionCookieName)
	if c == nil {
		t.Fatal("session cookieが設定されていません")
	}
	if c.Value != "token-abc" {
		t.Errorf("session cookie = %q, want %q", c.Value, "token-abc")
	}
	if !c.HttpOnly || !c.Secure {
		t.Errorf("HttpOnly=%v Secure=%v, both should be true", c.HttpOnly, c.Secure)
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", c.SameSite)
	}
	if c.MaxAge != int((24 * time.Hour).Seconds()) {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, int((24 * time.Hour).Seconds()))
	}

	// stateのnonce Cookieは破棄される
	if sc := findCookie(resp, oauthStateCookie); sc == nil || sc.MaxAge >= 0 {
		t.Error("oauth_state cookieが破棄されていません")
	}
}

func TestAuthHandler_Callback_InvalidState_DoesNotCompleteLogin(t *testing.T) {
	completed := false
	svc := &mockAuthService{
		verifyStateFn: func(string, string) (string, error) {
			return "", auth.ErrInvalidState
		},
		completeLoginFn: func(ctx context.Context, code string) (*auth.LoginResult, error) {
			completed = true
			return nil, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state=forged", nil)
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if completed {
		t.Error("state不正時にCompleteLoginが呼ばれています")
	}
	if findCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("state不正時にsession cookieが設定されています")
	}
}

func TestAuthHandler_Callback_IdPDenied_RendersErrorPage(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, code string) (*auth.LoginResult, error) {
			t.Error("IdPがエラーを返した場合にCompleteLoginが呼ばれています")
			return nil, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?error=access_denied&state=s", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAuthHandler_Callback_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"認可コードなし", auth.ErrMissingCode, http.StatusBadRequest},
		{"IdP交換失敗", fmt.Errorf("%w: token endpoint returned 500", auth.ErrProviderExchange), http.StatusBadGateway},
		{"保存失敗", fmt.Errorf("%w: connection refused", auth.ErrPersistence), http.StatusInternalServerError},
		{"その他", errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				completeLoginFn: func(context.Context, string) (*auth.LoginResult, error) {
					return nil, tt.err
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=c&state=s", nil)
			req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "nonce"})
			w := httptest.NewRecorder()

			h.Callback(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
			body := w.Body.String()
			for _, leaked := range []string{"token endpoint", "connection refused", "unexpected"} {
				if strings.Contains(body, leaked) {
					t.Errorf("エラーページに内部情報 %q が含まれています", leaked)
				}
			}
			if findCookie(w.Result(), middleware.SessionCookieName) != nil {
				t.Error("失敗時にsession cookieが設定されています")
			}
		})
	}
}

func TestAuthHandler_Logout_RevokesAndClearsCookie(t *testing.T) {
	var revoked string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, token string) error {
			revoked = token
			return nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "token-abc"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if revoked != "token-abc" {
		t.Errorf("revoked = %q, want %q", revoked, "token-abc")
	}
	c := findCookie(w.Result(), middleware.SessionCookieName)
	if c == nil || c.MaxAge >= 0 {
		t.Error("session cookieが破棄されていません")
	}
}

func TestAuthHandler_Logout_FailureStillClearsCookie(t *testing.T) {
	svc := &mockAuthService{
		logoutFn: func(context.Context, string) error {
			return errors.New("db down")
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "token-abc"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if c := findCookie(w.Result(), middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Error("ログアウト失敗時もsession cookieは破棄されるべきです")
	}
}

func TestAuthHandler_Logout_WithoutCookie_DoesNotCallService(t *testing.T) {
	svc := &mockAuthService{
		logoutFn: func(context.Context, string) error {
			t.Error("Cookieがない場合にLogoutが呼ばれています")
			return nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestAuthHandler_LogoutAll(t *testing.T) {
	var gotUserID string
	svc := &mockAuthService{
		logoutEverywhereFn: func(ctx context.Context, userID string) error {
			gotUserID = userID
			return nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	t.Run("ログイン済み", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil)
		req = req.WithContext(middleware.ContextWithUser(req.Context(), &model.User{ID: "user-1"}))
		w := httptest.NewRecorder()

		h.LogoutAll(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
		}
		if gotUserID != "user-1" {
			t.Errorf("userID = %q, want %q", gotUserID, "user-1")
		}
	})

	t.Run("未ログイン", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.LogoutAll(w, httptest.NewRequest(http.MethodPost, "/auth/logout-all", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestAuthHandler_Me(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testAuthConfig())

	t.Run("ログイン済み", func(t *testing.T) {
		user := &model.User{
			ID:                 "user-1",
			Email:              "alice@example.com",
			DisplayName:        "Alice",
			Role:               model.RoleMember,
			SubscriptionTier:   model.TierInitiate,
			SubscriptionStatus: model.SubscriptionStatusActive,
		}
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req = req.WithContext(middleware.ContextWithUser(req.Context(), user))
		w := httptest.NewRecorder()

		h.Me(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body meResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body.ID != "user-1" || body.SubscriptionTier != "initiate" || body.SubscriptionStatus != "active" {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.SubscriptionEndsAt != nil {
			t.Errorf("SubscriptionEndsAt = %v, want nil", body.SubscriptionEndsAt)
		}
	})

	t.Run("未ログイン", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}
