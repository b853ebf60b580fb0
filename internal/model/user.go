// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限種別を表す。
type Role string

const (
	RoleMember Role = "member"
	// RoleAdmin はティア判定をすべてバイパスする。
	RoleAdmin  Role = "admin"
)

// SubscriptionStatus は課金サブスクリプションの状態を表す。
type SubscriptionStatus string

const (
	SubscriptionStatusNone     SubscriptionStatus = "none"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Valid は定義済みのステータスかどうかを返す。
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusNone, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return true
	}
	return false
}

// User はサービス利用ユーザーを表す。
// サブスクリプション関連フィールドの書き込み元は課金イベント処理のみ。
type User struct {
	ID               string
	ExternalIdentity string // "<provider>:<subject>"
	Email            string
	DisplayName      string
	Role             Role

	SubscriptionTier       Tier
	SubscriptionStatus     SubscriptionStatus
	BillingSubscriptionRef *string
	SubscriptionEndsAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAdmin は管理者ロールかどうかを返す。
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// HasLiveSubscription は課金中（active または past_due）のサブスクリプションを持つかを返す。
func (u *User) HasLiveSubscription() bool {
	if u == nil {
		return false
	}
	return u.SubscriptionStatus == SubscriptionStatusActive || u.SubscriptionStatus == SubscriptionStatusPastDue
}

// ExternalProfile は外部IdPから取得したプロフィールを表す。
// ログインのたびにemailとdisplay nameを上書きする。
type ExternalProfile struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// ExternalIdentity はusers.external_identityに格納するキーを返す。
func (p ExternalProfile) ExternalIdentity() string {
	return p.Provider + ":" + p.Subject
}

// SubscriptionPatch はユーザー行のサブスクリプション関連フィールドの部分更新を表す。
// nilフィールドは変更しない。Clear系フラグはNULLへの更新を示す。
type SubscriptionPatch struct {
	Tier            *Tier
	Status          *SubscriptionStatus
	BillingRef      *string
	ClearBillingRef bool
	EndsAt          *time.Time
	ClearEndsAt     bool
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (p SubscriptionPatch) IsEmpty() bool {
	return p.Tier == nil && p.Status == nil && p.BillingRef == nil && !p.ClearBillingRef &&
		p.EndsAt == nil && !p.ClearEndsAt
}

// Session はユーザーのログインセッションを表す。
// IDはCookieに載せるトークンそのものではなく、そのSHA-256ハッシュ。
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// ValidAt は指定時刻においてセッションが有効かどうかを返す。
func (s *Session) ValidAt(now time.Time) bool {
	return s != nil && !s.Revoked && now.Before(s.ExpiresAt)
}
