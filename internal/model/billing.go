package model

// BillingEventType は状態遷移を引き起こす課金イベントの種別。
type BillingEventType string

const (
	BillingSubscriptionActivated BillingEventType = "subscriptionActivated"
	BillingSubscriptionUpdated   BillingEventType = "subscriptionUpdated"
	BillingSubscriptionCanceled  BillingEventType = "subscriptionCanceled"
	BillingInvoicePaymentFailed  BillingEventType = "invoicePaymentFailed"
	BillingUnrecognized          BillingEventType = "unrecognized"
)
