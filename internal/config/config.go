// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string        `env:"DATABASE_URL,notEmpty"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	RedisURL          string        `env:"REDIS_URL"`

	// OAuth
	GoogleClientID     string        `env:"GOOGLE_CLIENT_ID,notEmpty"`
	GoogleClientSecret string        `env:"GOOGLE_CLIENT_SECRET,notEmpty"`
	GoogleRedirectURL  string        `env:"GOOGLE_REDIRECT_URL,notEmpty"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`

	// Session
	SessionSecret string        `env:"SESSION_SECRET,notEmpty"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"720h"`

	// Billing
	BillingWebhookSecret string        `env:"BILLING_WEBHOOK_SECRET,notEmpty"`
	WebhookTolerance     time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`

	// Rate Limit
	AuthRateLimit    int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	AuthRateWindow   time.Duration `env:"AUTH_RATE_WINDOW" envDefault:"15m"`
	AuthRateMaxKeys  int           `env:"AUTH_RATE_MAX_KEYS" envDefault:"10000"`
	RateLimitGeneral int           `env:"RATE_LIMIT_GENERAL" envDefault:"120"`

	// Store
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	// Cleanup
	SessionRetention      time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`
	BillingEventRetention time.Duration `env:"BILLING_EVENT_RETENTION" envDefault:"2160h"`

	// Server
	Environment    string   `env:"ENVIRONMENT" envDefault:"production"`
	ServerPort     string   `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL        string   `env:"BASE_URL,notEmpty"`
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定または空の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if cfg.AuthRateLimit <= 0 {
		return nil, fmt.Errorf("AUTH_RATE_LIMIT must be positive, got %d", cfg.AuthRateLimit)
	}
	if cfg.AuthRateWindow <= 0 {
		return nil, fmt.Errorf("AUTH_RATE_WINDOW must be positive, got %s", cfg.AuthRateWindow)
	}

	if cfg.DBMaxOpenConns < 0 || cfg.DBMaxIdleConns < 0 {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS and DB_MAX_IDLE_CONNS must not be negative")
	}

	if _, err := cfg.TrustedProxyPrefixes(); err != nil {
		return nil, err
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// TrustedProxyPrefixes はTRUSTED_PROXIESをCIDRのリストに変換する。
// CIDRではない単一アドレスはそのアドレスのみを含むプレフィックスとして扱う。
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// IsDevelopment は開発環境で動作しているかを返す。
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// CookieSecure はCookieにSecure属性を付けるかを返す。BASE_URLがhttpsの場合のみ。
func (c *Config) CookieSecure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}
