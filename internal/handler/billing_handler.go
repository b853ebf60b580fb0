package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sanctum/internal/billing"
	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/model"
)

// maxWebhookBodyBytes はWebhook本文の上限サイズ。
const maxWebhookBodyBytes = 1 << 20

// BillingProcessor は課金Webhookハンドラーが必要とする処理インターフェース。
type BillingProcessor interface {
	Verify(payload []byte, header string) (*billing.Event, error)
	Process(ctx context.Context, ev *billing.Event) (billing.Outcome, error)
}

// BillingHandler は課金プロバイダーからのWebhookを受け付ける。
type BillingHandler struct {
	processor BillingProcessor
	metrics   metrics.MetricsCollector
}

// NewBillingHandler はBillingHandlerを生成する。
func NewBillingHandler(processor BillingProcessor, mc metrics.MetricsCollector) *BillingHandler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &BillingHandler{
		processor: processor,
		metrics:   mc,
	}
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Webhook は署名を検証したうえで課金イベントを処理する。
// POST /webhooks/billing
//
// 署名が正しいイベントは処理結果にかかわらず200で受領を返す。
// 失敗は台帳に記録され、プロバイダーの再送で再処理される。
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.RecordWebhookLatency(time.Since(start)) }()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("failed to read billing webhook body", slog.String("error", err.Error()))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewPayloadTooLargeError())
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPayloadError())
		return
	}

	ev, err := h.processor.Verify(payload, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			slog.Warn("rejected billing webhook", slog.String("error", err.Error()))
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidSignatureError())
			return
		}
		// 署名は正しいが解釈できない本文。再送しても結果は変わらないため受領扱いにする
		slog.Error("malformed billing event", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, webhookAck{Received: true})
		return
	}

	outcome, err := h.processor.Process(r.Context(), ev)
	if err != nil {
		slog.Error("billing event processing failed",
			slog.String("event_id", ev.ID),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusOK, webhookAck{Received: true})
}
