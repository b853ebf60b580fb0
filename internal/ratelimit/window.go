// Package ratelimit は認証系操作の試行回数を制限する固定ウィンドウ方式のリミッターを提供する。
// 不正利用の緩和が目的であり、セキュリティ境界ではない。
// 1回余分に許可することは許容するが、正規の利用者を無期限にブロックしてはならない。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// 認証系の操作名。この許可リストに含まれる操作のみが試行回数制限の対象となる。
const (
	OperationLogin                = "login"
	OperationSignup               = "signup"
	OperationPasswordResetRequest = "password_reset_request"
)

var operations = map[string]struct{}{
	OperationLogin:                {},
	OperationSignup:               {},
	OperationPasswordResetRequest: {},
}

// IsLimitedOperation は操作名が制限対象の許可リストに含まれるかを返す。
func IsLimitedOperation(op string) bool {
	_, ok := operations[op]
	return ok
}

// Decision は試行の判定結果。
type Decision struct {
	Allowed bool
	// RetryAfter は拒否時に次の試行が許可されるまでの推定時間。
	RetryAfter time.Duration
}

// Limiter はクライアントキーごとの試行回数を数えるインターフェース。
type Limiter interface {
	Attempt(ctx context.Context, clientKey string) Decision
}

// Config は固定ウィンドウの設定。
type Config struct {
	Limit   int           // ウィンドウ内の最大試行回数
	Window  time.Duration // ウィンドウ長
	MaxKeys int           // この件数を超えたら期限切れエントリを掃除する
}

// DefaultConfig はデフォルト設定（15分あたり10回）を返す。
func DefaultConfig() Config {
	return Config{
		Limit:   10,
		Window:  15 * time.Minute,
		MaxKeys: 10000,
	}
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// Window はプロセス内で完結する固定ウィンドウのリミッター。
// 起動時に1度だけ生成し、全リクエストハンドラーで共有する。
type Window struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*windowEntry
}

// NewWindow はWindowを生成する。
func NewWindow(config Config) *Window {
	if config.Limit <= 0 {
		config.Limit = DefaultConfig().Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = DefaultConfig().MaxKeys
	}
	return &Window{
		config:  config,
		now:     time.Now,
		entries: make(map[string]*windowEntry),
	}
}

// WithClock はテスト用に時刻関数を差し替える。
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Attempt は試行を1回記録し、許可するかどうかを返す。
// エントリがないかウィンドウが経過していればcount=1でリセットする。
func (w *Window) Attempt(_ context.Context, clientKey string) Decision {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[clientKey]
	if !ok || !now.Before(entry.resetAt) {
		if !ok && len(w.entries) >= w.config.MaxKeys {
			w.sweepLocked(now)
		}
		w.entries[clientKey] = &windowEntry{count: 1, resetAt: now.Add(w.config.Window)}
		return Decision{Allowed: true}
	}

	entry.count++
	if entry.count > w.config.Limit {
		return Decision{Allowed: false, RetryAfter: entry.resetAt.Sub(now)}
	}
	return Decision{Allowed: true}
}

// Len は現在追跡しているキー数を返す。テストおよびメトリクス用。
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Sweep はウィンドウが経過したエントリを削除する。
func (w *Window) Sweep() {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sweepLocked(now)
}

func (w *Window) sweepLocked(now time.Time) {
	for key, entry := range w.entries {
		if !now.Before(entry.resetAt) {
			delete(w.entries, key)
		}
	}
}

// compile-time interface check
var _ Limiter = (*Window)(nil)
