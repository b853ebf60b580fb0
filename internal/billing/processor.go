package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/model"
	"github.com/hitoshi/sanctum/internal/repository"
)

// Outcome はイベント処理の結果。
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// ProcessorConfig はProcessorの設定。
type ProcessorConfig struct {
	StoreTimeout time.Duration // ユーザー行・台帳への1回の呼び出しのタイムアウト
}

// Processor は課金イベントを検証し、ユーザーのサブスクリプション状態に反映する。
// 同一イベントIDの効果は何度配信されても高々1回しか適用しない。
type Processor struct {
	verifier *Verifier
	users    repository.UserDirectory
	ledger   repository.BillingEventLedger
	metrics  metrics.MetricsCollector
	config   ProcessorConfig
	now      func() time.Time
}

// NewProcessor はProcessorを生成する。
func NewProcessor(
	verifier *Verifier,
	users repository.UserDirectory,
	ledger repository.BillingEventLedger,
	mc metrics.MetricsCollector,
	config ProcessorConfig,
) *Processor {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	return &Processor{
		verifier: verifier,
		users:    users,
		ledger:   ledger,
		metrics:  mc,
		config:   config,
		now:      time.Now,
	}
}

// WithClock はテスト用に時刻関数を差し替える。
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Verify は署名を検証してからイベントを解釈する。
// 署名が不正な場合はErrInvalidSignatureを返し、本文には一切触れない。
func (p *Processor) Verify(payload []byte, header string) (*Event, error) {
	if err := p.verifier.Verify(payload, header); err != nil {
		return nil, err
	}
	return ParseEvent(payload)
}

// Process は検証済みイベントを適用する。
// 処理済み確認 → 状態遷移の適用 → 処理済み記録 の順で行い、記録を最後の永続化にする。
// 適用に失敗した場合は台帳に失敗理由を残してOutcomeFailedを返す。
func (p *Processor) Process(ctx context.Context, ev *Event) (Outcome, error) {
	outcome, err := p.process(ctx, ev)
	p.metrics.RecordBillingEvent(string(ev.Type), string(outcome))
	return outcome, err
}

func (p *Processor) process(ctx context.Context, ev *Event) (Outcome, error) {
	if ev.Type == model.BillingUnrecognized {
		slog.Debug("ignoring unrecognized billing event",
			slog.String("event_id", ev.ID),
			slog.String("provider_type", ev.ProviderType),
		)
		return OutcomeIgnored, nil
	}

	processed, err := p.isProcessed(ctx, ev.ID)
	if err != nil {
		slog.Error("failed to check billing event ledger",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed, err
	}
	if processed {
		slog.Info("duplicate billing event skipped",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
		)
		return OutcomeDuplicate, nil
	}

	userID, err := p.apply(ctx, ev)
	if err != nil {
		p.recordFailure(ctx, ev, err)
		return OutcomeFailed, err
	}

	// ここで失敗しても再配信時は同じパッチの再適用になるだけ
	if err := p.markProcessed(ctx, ev); err != nil {
		slog.Error("billing event applied but not marked processed",
			slog.String("event_id", ev.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed, err
	}

	slog.Info("billing event applied",
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.String("user_id", userID),
	)
	return OutcomeApplied, nil
}

// apply は対象ユーザーを特定し、部分更新を1回行う。
func (p *Processor) apply(ctx context.Context, ev *Event) (string, error) {
	tr, err := ev.transition()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()

	var user *model.User
	if tr.userID != "" {
		user, err = p.users.GetByID(ctx, tr.userID)
	} else {
		user, err = p.users.GetByBillingRef(ctx, tr.billingRef)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve billing event user: %w", err)
	}
	if user == nil {
		return "", ErrUnknownUser
	}

	if err := p.users.UpdatePartial(ctx, user.ID, tr.patch); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrUnknownUser
		}
		return "", fmt.Errorf("failed to update subscription: %w", err)
	}
	return user.ID, nil
}

func (p *Processor) isProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	return p.ledger.IsProcessed(ctx, eventID)
}

func (p *Processor) markProcessed(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.StoreTimeout)
	defer cancel()
	return p.ledger.MarkProcessed(ctx, ev.ID, ev.Type, p.now())
}

// recordFailure は手動照合用に失敗を記録する。記録自体の失敗はログのみ。
func (p *Processor) recordFailure(ctx context.Context, ev *Event, cause error) {
	slog.Error("failed to apply billing event",
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.String("error", cause.Error()),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.StoreTimeout)
	defer cancel()
	if err := p.ledger.RecordFailure(ctx, ev.ID, ev.Type, cause.Error(), p.now()); err != nil {
		slog.Error("failed to record billing event failure",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}
