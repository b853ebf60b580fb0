package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/middleware"
	"github.com/hitoshi/sanctum/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
)

// HealthChecker はヘルスチェックで疎通確認するストレージ。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HealthChecker     HealthChecker
	SessionResolver   middleware.UserResolver
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	AuthLimiter       ratelimit.Limiter
	TrustedProxies    []netip.Prefix // X-Forwarded-Forを信頼する接続元

	// メトリクス
	Metrics         metrics.MetricsCollector
	MetricsGatherer prometheus.Gatherer

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 課金
	BillingProcessor BillingProcessor

	// アクセス判定
	Evaluator AccessEvaluator

	// ユーザー
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → ClientIP → Logging → CORS
//	  /auth/*  : Session (→ AuthAttempt)
//	  /api/*   : Session → RequireUser → RateLimit(General) → CSRF
//
// 課金Webhookは署名で認証するため、セッション・CSRFのチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	// Secure Cookieを使う構成はHTTPS配信なのでHSTSも付ける
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.CSRFConfig.CookieSecure}))
	r.Use(middleware.NewClientIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	billingHandler := NewBillingHandler(deps.BillingProcessor, mc)
	accessHandler := NewAccessHandler(deps.Evaluator, mc)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig)
	sessionMiddleware := middleware.NewSessionMiddleware(deps.SessionResolver)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// 課金Webhook（署名検証）
	r.Post("/webhooks/billing", billingHandler.Webhook)

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Use(sessionMiddleware)

		r.Get("/google/login", authHandler.Login)
		if deps.AuthLimiter != nil {
			r.With(middleware.NewAuthAttemptMiddleware(deps.AuthLimiter, ratelimit.OperationLogin, mc)).
				Get("/google/callback", authHandler.Callback)
		} else {
			r.Get("/google/callback", authHandler.Callback)
		}
		r.Get("/me", authHandler.Me)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
			r.Post("/logout", authHandler.Logout)
			r.With(middleware.RequireUser).Post("/logout-all", authHandler.LogoutAll)
		})
	})

	// --- 認証が必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(sessionMiddleware)
		r.Use(middleware.RequireUser)
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// アクセス判定
		r.Get("/access/{tier}", accessHandler.Check)
		r.Get("/entitlements", accessHandler.Entitlements)

		// ユーザー管理
		r.Delete("/users/me", userHandler.Withdraw)
	})

	return r
}

type healthResponse struct {
	Status string `json:"status"`
}

// healthHandler はストレージへの疎通を確認する。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}
