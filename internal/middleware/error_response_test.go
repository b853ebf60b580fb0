package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/sanctum/internal/model"
)

// ミドルウェアとハンドラーが返すエラーが統一フォーマットで書き込まれることを検証する。
func TestWriteErrorResponse_ProjectErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		err          *model.APIError
		wantCode     string
		wantCategory string
	}{
		{"未ログイン", http.StatusUnauthorized, model.NewUnauthorizedError(), "UNAUTHORIZED", "auth"},
		{"認証試行の上限", http.StatusTooManyRequests, model.NewRateLimitedError(), "RATE_LIMITED", "system"},
		{"CSRF検証失敗", http.StatusForbidden, model.NewCSRFFailedError(), "CSRF_FAILED", "auth"},
		{"アップグレードが必要", http.StatusForbidden, model.NewUpgradeRequiredError(model.TierElder), "UPGRADE_REQUIRED", "access"},
		{"Webhook署名不正", http.StatusBadRequest, model.NewInvalidSignatureError(), "INVALID_SIGNATURE", "billing"},
		{"Webhook本文が大きすぎる", http.StatusRequestEntityTooLarge, model.NewPayloadTooLargeError(), "PAYLOAD_TOO_LARGE", "validation"},
		{"課金中の退会", http.StatusConflict, model.NewSubscriptionPresentError(), "SUBSCRIPTION_PRESENT", "billing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.status, tt.err)

			resp := w.Result()
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", body.Category, tt.wantCategory)
			}
			// 利用者が次に取る行動を必ず示す
			if body.Message == "" || body.Action == "" {
				t.Errorf("message/action should not be empty: %+v", body)
			}
		})
	}
}

// 内部エラーは詳細を含めず、system分類の汎用メッセージのみを返す。
func TestWriteInternalServerError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(raw) != 4 {
		t.Errorf("body fields = %v, want exactly code/message/category/action", raw)
	}
	if raw["code"] != "INTERNAL_ERROR" || raw["category"] != "system" {
		t.Errorf("body = %v", raw)
	}
}
