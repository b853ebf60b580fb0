package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAttemptScript は試行回数をINCRし、ウィンドウ開始時のみ有効期限を設定する。
// 戻り値は {現在のカウント, 残りミリ秒}。
const redisAttemptScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`

// redisEvaler はリミッターが必要とするRedisクライアントの部分集合。
type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisWindow はRedis上に固定ウィンドウのカウンタを持つリミッター。
// 複数インスタンスで試行回数を共有したい場合に使用する。
// キーの有効期限はRedisが管理するため、掃除処理は不要。
type RedisWindow struct {
	client  redisEvaler
	config  Config
	prefix  string
	timeout time.Duration
}

// NewRedisWindow はRedisWindowを生成する。
func NewRedisWindow(client *redis.Client, config Config) *RedisWindow {
	if config.Limit <= 0 {
		config.Limit = DefaultConfig().Limit
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &RedisWindow{
		client:  client,
		config:  config,
		prefix:  "sanctum:auth_attempt:",
		timeout: 500 * time.Millisecond,
	}
}

// Attempt は試行を1回記録し、許可するかどうかを返す。
// Redisに到達できない場合は許可する（制限は助言的なものであるため）。
func (r *RedisWindow) Attempt(ctx context.Context, clientKey string) Decision {
	key := strings.TrimSpace(clientKey)
	if key == "" {
		key = "unknown"
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.client.Eval(ctx, redisAttemptScript, []string{r.prefix + key}, r.config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		slog.Warn("auth attempt counter unavailable, allowing request",
			slog.Any("error", err),
		)
		return Decision{Allowed: true}
	}

	if int(res[0]) > r.config.Limit {
		return Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}
	}
	return Decision{Allowed: true}
}

// compile-time interface check
var _ Limiter = (*RedisWindow)(nil)
