package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/sanctum/internal/model"
)

var (
	// ErrMalformedEvent はイベント本文が期待する形をしていないことを示す。
	ErrMalformedEvent = errors.New("malformed billing event")
	// ErrUnknownTier はイベントが未定義のティアを指定していることを示す。
	ErrUnknownTier = errors.New("unknown subscription tier")
	// ErrUnknownUser はイベントの対象ユーザーを特定できないことを示す。
	ErrUnknownUser = errors.New("billing event does not resolve to a known user")
)

// プロバイダー側のイベント種別
const (
	providerCheckoutCompleted   = "checkout.session.completed"
	providerSubscriptionUpdated = "customer.subscription.updated"
	providerSubscriptionDeleted = "customer.subscription.deleted"
	providerInvoicePaymentFail  = "invoice.payment_failed"
)

// Event は署名検証済みのWebhookイベント。
type Event struct {
	ID           string
	ProviderType string
	Type         model.BillingEventType
	Created      time.Time

	object json.RawMessage
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSession struct {
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CancelAt          *int64 `json:"cancel_at"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
}

type invoiceObject struct {
	Subscription string `json:"subscription"`
}

// ParseEvent はWebhook本文をEventに変換する。
// idとtypeを持たない本文はErrMalformedEventとする。
func ParseEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	return &Event{
		ID:           env.ID,
		ProviderType: env.Type,
		Type:         mapEventType(env.Type),
		Created:      time.Unix(env.Created, 0).UTC(),
		object:       env.Data.Object,
	}, nil
}

func mapEventType(providerType string) model.BillingEventType {
	switch providerType {
	case providerCheckoutCompleted:
		return model.BillingSubscriptionActivated
	case providerSubscriptionUpdated:
		return model.BillingSubscriptionUpdated
	case providerSubscriptionDeleted:
		return model.BillingSubscriptionCanceled
	case providerInvoicePaymentFail:
		return model.BillingInvoicePaymentFailed
	default:
		return model.BillingUnrecognized
	}
}

// mapProviderStatus はプロバイダーのサブスクリプション状態を内部状態へ変換する。
// 対応しない状態はfalseを返し、呼び出し側は状態を変更しない。
func mapProviderStatus(status string) (model.SubscriptionStatus, bool) {
	switch status {
	case "active", "trialing":
		return model.SubscriptionStatusActive, true
	case "past_due", "unpaid":
		return model.SubscriptionStatusPastDue, true
	case "canceled", "incomplete_expired":
		return model.SubscriptionStatusCanceled, true
	default:
		return "", false
	}
}

// transition は1つのイベントがユーザー行に与える変更。
// 対象はuserIDかbillingRefのどちらか一方で特定する。
type transition struct {
	userID     string
	billingRef string
	patch      model.SubscriptionPatch
}

// transition はイベント種別ごとの状態遷移を組み立てる。I/Oは行わない。
func (e *Event) transition() (*transition, error) {
	switch e.Type {
	case model.BillingSubscriptionActivated:
		var obj checkoutSession
		if err := e.decodeObject(&obj); err != nil {
			return nil, err
		}
		userID := obj.Metadata["user_id"]
		if userID == "" {
			userID = obj.ClientReferenceID
		}
		if userID == "" || obj.Subscription == "" {
			return nil, fmt.Errorf("%w: activation requires user id and subscription", ErrMalformedEvent)
		}
		tier, ok := model.ParseTier(obj.Metadata["tier"])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, obj.Metadata["tier"])
		}
		status := model.SubscriptionStatusActive
		ref := obj.Subscription
		return &transition{
			userID: userID,
			patch: model.SubscriptionPatch{
				Tier:        &tier,
				Status:      &status,
				BillingRef:  &ref,
				ClearEndsAt: true,
			},
		}, nil

	case model.BillingSubscriptionUpdated:
		var obj subscriptionObject
		if err := e.decodeObject(&obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, fmt.Errorf("%w: subscription id is required", ErrMalformedEvent)
		}
		var patch model.SubscriptionPatch
		status, ok := mapProviderStatus(obj.Status)
		if ok {
			patch.Status = &status
		}
		if ok && status == model.SubscriptionStatusCanceled {
			// 解約済みならティアを即座にfreeへ戻す。
			// 後続のsubscriptionCanceledが同じユーザーを引けるよう参照は残す
			tier := model.TierFree
			patch.Tier = &tier
			patch.ClearEndsAt = true
		} else if endsAt := obj.scheduledEnd(); endsAt != nil {
			patch.EndsAt = endsAt
		} else {
			patch.ClearEndsAt = true
		}
		return &transition{billingRef: obj.ID, patch: patch}, nil

	case model.BillingSubscriptionCanceled:
		var obj subscriptionObject
		if err := e.decodeObject(&obj); err != nil {
			return nil, err
		}
		if obj.ID == "" {
			return nil, fmt.Errorf("%w: subscription id is required", ErrMalformedEvent)
		}
		tier := model.TierFree
		status := model.SubscriptionStatusCanceled
		return &transition{
			billingRef: obj.ID,
			patch: model.SubscriptionPatch{
				Tier:            &tier,
				Status:          &status,
				ClearBillingRef: true,
				ClearEndsAt:     true,
			},
		}, nil

	case model.BillingInvoicePaymentFailed:
		var obj invoiceObject
		if err := e.decodeObject(&obj); err != nil {
			return nil, err
		}
		if obj.Subscription == "" {
			return nil, fmt.Errorf("%w: invoice has no subscription", ErrMalformedEvent)
		}
		// ティアは据え置き（猶予期間）
		status := model.SubscriptionStatusPastDue
		return &transition{
			billingRef: obj.Subscription,
			patch:      model.SubscriptionPatch{Status: &status},
		}, nil
	}

	return nil, fmt.Errorf("%w: no transition for %s", ErrMalformedEvent, e.Type)
}

func (e *Event) decodeObject(dst any) error {
	if len(e.object) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(e.object, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// scheduledEnd は解約予定日時を返す。更新継続中ならnil。
func (s subscriptionObject) scheduledEnd() *time.Time {
	if s.CancelAt != nil && *s.CancelAt > 0 {
		t := time.Unix(*s.CancelAt, 0).UTC()
		return &t
	}
	if s.CancelAtPeriodEnd && s.CurrentPeriodEnd > 0 {
		t := time.Unix(s.CurrentPeriodEnd, 0).UTC()
		return &t
	}
	return nil
}
