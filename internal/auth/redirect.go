package auth

import (
	"net/url"
	"strings"
	"unicode"
)

// DefaultRedirect はリダイレクト先が不正な場合の遷移先。
const DefaultRedirect = "/"

// SafeRedirect はログイン後の遷移先を検証し、安全でなければDefaultRedirectを返す。
// 同一オリジンの絶対パスのみを許可し、ログインフロー自体（/auth/配下）への遷移はループ防止のため拒否する。
func SafeRedirect(target string) string {
	if target == "" || len(target) > 2048 {
		return DefaultRedirect
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return DefaultRedirect
	}
	// ブラウザは "\" を "/" として扱うため "/\evil.com" はプロトコル相対URLになる
	if strings.ContainsRune(target, '\\') {
		return DefaultRedirect
	}
	for _, r := range target {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return DefaultRedirect
		}
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return DefaultRedirect
	}
	if strings.HasPrefix(u.Path, "//") || u.Path == "/auth" || strings.HasPrefix(u.Path, "/auth/") {
		return DefaultRedirect
	}

	return target
}
