// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level はグローバルロガーの出力レベル。設定読み込み後に環境に応じて変更する。
var level = new(slog.LevelVar)

// redactedKeys はログに値を出力しない属性キー（小文字）。
// セッショントークンや署名が誤ってログに混入しても値が残らないようにする。
var redactedKeys = map[string]struct{}{
	"token":         {},
	"session_token": {},
	"secret":        {},
	"authorization": {},
	"signature":     {},
	"code":          {},
}

const redacted = "[REDACTED]"

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(newLogger(w, level))
}

// SetEnvironment はグローバルロガーの出力レベルを環境に合わせて切り替える。
// developmentではDEBUGまで出力する。
func SetEnvironment(environment string) {
	level.Set(LevelFor(environment))
}

// LevelFor は環境名に対応するログレベルを返す。
func LevelFor(environment string) slog.Level {
	if strings.EqualFold(environment, "development") {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func newLogger(w io.Writer, lv slog.Leveler) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lv,
		ReplaceAttr: redact,
	})
	return slog.New(handler)
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}
