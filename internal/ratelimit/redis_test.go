package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisEvaler struct {
	lastKeys []string
	lastArgs []interface{}
	result   []interface{}
	err      error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func newTestRedisWindow(client redisEvaler, limit int) *RedisWindow {
	return &RedisWindow{
		client:  client,
		config:  Config{Limit: limit, Window: 15 * time.Minute},
		prefix:  "sanctum:auth_attempt:",
		timeout: time.Second,
	}
}

func TestRedisWindow_AllowsWithinLimit(t *testing.T) {
	mock := &mockRedisEvaler{result: []interface{}{int64(3), int64(60000)}}
	rw := newTestRedisWindow(mock, 10)

	d := rw.Attempt(context.Background(), " 198.51.100.4 ")
	if !d.Allowed {
		t.Fatal("expected allow when count <= limit")
	}
	if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "sanctum:auth_attempt:198.51.100.4" {
		t.Errorf("unexpected key, got %v", mock.lastKeys)
	}
	if len(mock.lastArgs) != 1 || mock.lastArgs[0] != int64(900000) {
		t.Errorf("expected window ms=900000, got %v", mock.lastArgs)
	}
}

func TestRedisWindow_DeniesOverLimitWithRetryAfter(t *testing.T) {
	mock := &mockRedisEvaler{result: []interface{}{int64(11), int64(42000)}}
	rw := newTestRedisWindow(mock, 10)

	d := rw.Attempt(context.Background(), "198.51.100.4")
	if d.Allowed {
		t.Fatal("expected deny when count > limit")
	}
	if d.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v, want 42s", d.RetryAfter)
	}
}

func TestRedisWindow_FailsOpenOnError(t *testing.T) {
	mock := &mockRedisEvaler{err: errors.New("redis down")}
	rw := newTestRedisWindow(mock, 1)

	if !rw.Attempt(context.Background(), "198.51.100.4").Allowed {
		t.Fatal("expected fail-open on redis errors")
	}
}
