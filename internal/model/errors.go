// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, billing, access, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInvalidSignature    = "INVALID_SIGNATURE"
	ErrCodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	ErrCodeInvalidPayload      = "INVALID_PAYLOAD"
	ErrCodeInvalidTier         = "INVALID_TIER"
	ErrCodeUpgradeRequired     = "UPGRADE_REQUIRED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeSubscriptionPresent = "SUBSCRIPTION_PRESENT"
	ErrCodeCSRFFailed          = "CSRF_FAILED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewAuthFailedError は認証失敗エラーを生成する。
// IdPやDBの詳細は含めない。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewRateLimitedError は試行回数超過エラーを生成する。
// 認証失敗とは区別して返す。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "試行回数が上限に達しました。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInvalidSignatureError はWebhook署名検証の失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "署名を検証できませんでした。",
		Category: "billing",
		Action:   "署名シークレットの設定を確認してください。",
	}
}

// NewPayloadTooLargeError はリクエスト本文が上限を超えた場合のエラーを生成する。
func NewPayloadTooLargeError() *APIError {
	return &APIError{
		Code:     ErrCodePayloadTooLarge,
		Message:  "リクエスト本文が大きすぎます。",
		Category: "validation",
		Action:   "本文のサイズを確認してください。",
	}
}

// NewInvalidPayloadError はリクエスト本文を読み取れなかった場合のエラーを生成する。
func NewInvalidPayloadError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPayload,
		Message:  "リクエスト本文を読み取れませんでした。",
		Category: "validation",
		Action:   "再度送信してください。",
	}
}

// NewInvalidTierError は未定義のティアが指定された場合のエラーを生成する。
func NewInvalidTierError(tier string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTier,
		Message:  fmt.Sprintf("無効なティアです: %s", tier),
		Category: "validation",
		Action:   "ティアには free、seeker、initiate、elder のいずれかを指定してください。",
	}
}

// NewUpgradeRequiredError は現在のティアでは閲覧できない場合のエラーを生成する。
func NewUpgradeRequiredError(required Tier) *APIError {
	return &APIError{
		Code:     ErrCodeUpgradeRequired,
		Message:  fmt.Sprintf("このコンテンツには %s 以上のティアが必要です。", required),
		Category: "access",
		Action:   "プランをアップグレードしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewSubscriptionPresentError は課金中のサブスクリプションがあるため退会できない場合のエラーを生成する。
func NewSubscriptionPresentError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionPresent,
		Message:  "有効なサブスクリプションが残っています。",
		Category: "billing",
		Action:   "サブスクリプションを解約してから退会してください。",
	}
}

// NewCSRFFailedError はCSRFトークン検証の失敗エラーを生成する。
func NewCSRFFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
