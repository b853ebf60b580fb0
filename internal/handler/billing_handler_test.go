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
	"testing/iotest"
	"time"

	"github.com/hitoshi/sanctum/internal/billing"
	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/model"
)

// --- モック定義 ---

type mockBillingProcessor struct {
	verifyFn  func(payload []byte, header string) (*billing.Event, error)
	processFn func(ctx context.Context, ev *billing.Event) (billing.Outcome, error)
	processed int
}

func (m *mockBillingProcessor) Verify(payload []byte, header string) (*billing.Event, error) {
	if m.verifyFn != nil {
		return m.verifyFn(payload, header)
	}
	return &billing.Event{ID: "evt_1", Type: model.BillingSubscriptionActivated}, nil
}

func (m *mockBillingProcessor) Process(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	m.processed++
	if m.processFn != nil {
		return m.processFn(ctx, ev)
	}
	return billing.OutcomeApplied, nil
}

// latencyRecorder はWebhook処理時間の記録回数を数える。
type latencyRecorder struct {
	metrics.Nop
	observed int
}

func (r *latencyRecorder) RecordWebhookLatency(time.Duration) { r.observed++ }

func postWebhook(h *BillingHandler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(billing.SignatureHeader, signature)
	}
	w := httptest.NewRecorder()
	h.Webhook(w, req)
	return w
}

// --- テスト ---

func TestBillingHandler_Webhook_ProcessesVerifiedEvent(t *testing.T) {
	var gotPayload, gotHeader string
	proc := &mockBillingProcessor{
		verifyFn: func(payload []byte, header string) (*billing.Event, error) {
			gotPayload, gotHeader = string(payload), header
			return &billing.Event{ID: "evt_1", Type: model.BillingSubscriptionActivated}, nil
		},
	}
	mc := &latencyRecorder{}
	h := NewBillingHandler(proc, mc)

	w := postWebhook(h, `{"id":"evt_1"}`, "t=1,v1=abc")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body webhookAck
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Received {
		t.Error("received = false, want true")
	}
	if gotPayload != `{"id":"evt_1"}` || gotHeader != "t=1,v1=abc" {
		t.Errorf("payload=%q header=%q", gotPayload, gotHeader)
	}
	if proc.processed != 1 {
		t.Errorf("processed = %d, want 1", proc.processed)
	}
	if mc.observed != 1 {
		t.Errorf("latency observed = %d, want 1", mc.observed)
	}
}

func TestBillingHandler_Webhook_InvalidSignature_Returns400(t *testing.T) {
	proc := &mockBillingProcessor{
		verifyFn: func([]byte, string) (*billing.Event, error) {
			return nil, fmt.Errorf("%w: no matching signature", billing.ErrInvalidSignature)
		},
	}
	h := NewBillingHandler(proc, nil)

	w := postWebhook(h, `{"id":"evt_1"}`, "t=1,v1=forged")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), model.ErrCodeInvalidSignature) {
		t.Errorf("body = %q, should contain %s", w.Body.String(), model.ErrCodeInvalidSignature)
	}
	if proc.processed != 0 {
		t.Error("署名不正のイベントが処理されています")
	}
}

func TestBillingHandler_Webhook_MalformedEvent_Acknowledged(t *testing.T) {
	proc := &mockBillingProcessor{
		verifyFn: func([]byte, string) (*billing.Event, error) {
			return nil, fmt.Errorf("%w: missing id or type", billing.ErrMalformedEvent)
		},
	}
	h := NewBillingHandler(proc, nil)

	w := postWebhook(h, `{}`, "t=1,v1=abc")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if proc.processed != 0 {
		t.Error("解釈できないイベントが処理されています")
	}
}

func TestBillingHandler_Webhook_OutcomesAlwaysAcknowledged(t *testing.T) {
	tests := []struct {
		name    string
		outcome billing.Outcome
		err     error
	}{
		{"適用", billing.OutcomeApplied, nil},
		{"重複", billing.OutcomeDuplicate, nil},
		{"対象外", billing.OutcomeIgnored, nil},
		{"失敗", billing.OutcomeFailed, errors.New("user row locked")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &mockBillingProcessor{
				processFn: func(context.Context, *billing.Event) (billing.Outcome, error) {
					return tt.outcome, tt.err
				},
			}
			h := NewBillingHandler(proc, nil)

			w := postWebhook(h, `{"id":"evt_1"}`, "t=1,v1=abc")

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if strings.Contains(w.Body.String(), "locked") {
				t.Error("内部エラーの詳細がレスポンスに含まれています")
			}
		})
	}
}

func TestBillingHandler_Webhook_OversizedBody_Rejected(t *testing.T) {
	proc := &mockBillingProcessor{
		verifyFn: func([]byte, string) (*billing.Event, error) {
			t.Error("上限を超える本文で検証が呼ばれています")
			return nil, nil
		},
	}
	h := NewBillingHandler(proc, nil)

	w := postWebhook(h, strings.Repeat("a", maxWebhookBodyBytes+1), "t=1,v1=abc")

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	// 署名エラーとは区別できること
	if !strings.Contains(w.Body.String(), model.ErrCodePayloadTooLarge) {
		t.Errorf("body = %q, should contain %s", w.Body.String(), model.ErrCodePayloadTooLarge)
	}
	if strings.Contains(w.Body.String(), model.ErrCodeInvalidSignature) {
		t.Errorf("body = %q, should not contain %s", w.Body.String(), model.ErrCodeInvalidSignature)
	}
}

func TestBillingHandler_Webhook_UnreadableBody_Rejected(t *testing.T) {
	proc := &mockBillingProcessor{
		verifyFn: func([]byte, string) (*billing.Event, error) {
			t.Error("読み取れない本文で検証が呼ばれています")
			return nil, nil
		},
	}
	h := NewBillingHandler(proc, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", iotest.ErrReader(errors.New("connection reset")))
	req.Header.Set(billing.SignatureHeader, "t=1,v1=abc")
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), model.ErrCodeInvalidPayload) {
		t.Errorf("body = %q, should contain %s", w.Body.String(), model.ErrCodeInvalidPayload)
	}
}
