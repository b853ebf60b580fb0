package middleware

import (
	"net/http"
	"net/netip"
	"strings"
)

// NewClientIPMiddleware は信頼済みプロキシから届いたリクエストに限り、
// X-Forwarded-Forからクライアントアドレスを解決してRemoteAddrに設定する。
// 信頼済みでない接続元が付けた転送ヘッダーは無視し、接続元アドレスをそのまま使う。
// trustedが空の場合は何もしない。
func NewClientIPMiddleware(trusted []netip.Prefix) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if client, ok := forwardedClient(r, trusted); ok {
				r.RemoteAddr = client
			}
			next.ServeHTTP(w, r)
		})
	}
}

// forwardedClient はX-Forwarded-Forを右端からたどり、信頼済みプロキシ以外の最初のアドレスを返す。
// クライアント自身が付けた左側の値は信頼しない。
func forwardedClient(r *http.Request, trusted []netip.Prefix) (string, bool) {
	peer, err := netip.ParseAddr(clientAddress(r))
	if err != nil || !isTrustedProxy(peer.Unmap(), trusted) {
		return "", false
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return "", false
		}
		addr = addr.Unmap()
		if !isTrustedProxy(addr, trusted) {
			return addr.String(), true
		}
	}
	return "", false
}

func isTrustedProxy(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
