package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/sanctum/internal/access"
	"github.com/hitoshi/sanctum/internal/auth"
	"github.com/hitoshi/sanctum/internal/billing"
	"github.com/hitoshi/sanctum/internal/config"
	"github.com/hitoshi/sanctum/internal/database"
	"github.com/hitoshi/sanctum/internal/handler"
	"github.com/hitoshi/sanctum/internal/logger"
	"github.com/hitoshi/sanctum/internal/metrics"
	"github.com/hitoshi/sanctum/internal/middleware"
	"github.com/hitoshi/sanctum/internal/ratelimit"
	"github.com/hitoshi/sanctum/internal/repository"
	"github.com/hitoshi/sanctum/internal/session"
	"github.com/hitoshi/sanctum/internal/user"
	"github.com/hitoshi/sanctum/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetEnvironment(cfg.Environment)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newAuthLimiter は認証試行のリミッターを生成する。
// REDIS_URLが設定されていればRedis上で複数インスタンス間の試行回数を共有し、
// 未設定ならプロセス内の固定ウィンドウを使う。
// 返り値のcloseは必ず呼び出すこと。
func newAuthLimiter(cfg *config.Config) (ratelimit.Limiter, func() error, error) {
	limitCfg := ratelimit.Config{
		Limit:   cfg.AuthRateLimit,
		Window:  cfg.AuthRateWindow,
		MaxKeys: cfg.AuthRateMaxKeys,
	}

	if cfg.RedisURL == "" {
		slog.Info("auth rate limiter uses in-process window")
		window := ratelimit.NewWindow(limitCfg)
		ctx, cancel := context.WithCancel(context.Background())
		go runSweepLoop(ctx, window, cfg.AuthRateWindow)
		return window, func() error { cancel(); return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// 制限は助言的なものなので起動は継続する。試行はRedis復旧まで許可される
		slog.Warn("redis is unreachable, auth attempts are allowed until it recovers",
			slog.String("error", err.Error()),
		)
	}

	slog.Info("auth rate limiter uses redis", slog.String("addr", opts.Addr))
	return ratelimit.NewRedisWindow(client, limitCfg), client.Close, nil
}

// runSweepLoop はウィンドウが経過したエントリを定期的に削除する。
// 高水位に達しない限りAttemptは掃除しないため、アクセスが少ない時間帯のメモリを解放する。
func runSweepLoop(ctx context.Context, window *ratelimit.Window, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			window.Sweep()
		}
	}
}

// newMetricsRegistry はランタイム・プロセスメトリクスを含むレジストリを生成する。
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// apiServer はAPIサーバーの構成要素。
type apiServer struct {
	router      http.Handler
	rateLimiter *middleware.RateLimiter
}

// buildServer は全依存関係をワイヤリングし、ルーターを構成する。
// DBへの接続は行わない（*sql.DBは遅延接続）。
func buildServer(cfg *config.Config, db *sql.DB, authLimiter ratelimit.Limiter, reg *prometheus.Registry) *apiServer {
	mc := metrics.NewCollector(reg)
	// Loadで検証済み
	trustedProxies, _ := cfg.TrustedProxyPrefixes()

	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	billingEventRepo := repository.NewPostgresBillingEventRepo(db)

	// 2. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Timeout:      cfg.ProviderTimeout,
	})
	sessionStore := session.NewStore(sessionRepo, cfg.SessionTTL)
	authService := auth.NewService(
		oauthProvider,
		auth.NewStateSigner(cfg.SessionSecret),
		userRepo,
		sessionStore,
		mc,
		auth.ServiceConfig{StoreTimeout: cfg.StoreTimeout},
	)

	processor := billing.NewProcessor(
		billing.NewVerifier(cfg.BillingWebhookSecret, cfg.WebhookTolerance),
		userRepo,
		billingEventRepo,
		mc,
		billing.ProcessorConfig{StoreTimeout: cfg.StoreTimeout},
	)

	userService := user.NewService(userRepo, sessionStore)

	// 3. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg, mc)

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     db,
		SessionResolver:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure(),
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		AuthLimiter:    authLimiter,
		TrustedProxies: trustedProxies,

		Metrics:         mc,
		MetricsGatherer: reg,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure(),
			SessionTTL:   cfg.SessionTTL,
		},

		BillingProcessor: processor,
		Evaluator:        access.Evaluator{Strict: cfg.IsDevelopment()},
		UserService:      userService,
	}

	return &apiServer{
		router:      handler.NewRouter(deps),
		rateLimiter: rateLimiter,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 認証試行リミッター
	authLimiter, closeLimiter, err := newAuthLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	// 3. ワイヤリング
	srv := buildServer(cfg, db, authLimiter, newMetricsRegistry())
	defer srv.rateLimiter.Stop()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブを起動直後と以降24時間ごとに実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, repository.NewPostgresBillingEventRepo(db), slog.Default())
	cleanupJob.SessionRetention = cfg.SessionRetention
	cleanupJob.BillingEventRetention = cfg.BillingEventRetention

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("session_retention", cfg.SessionRetention),
		slog.Duration("billing_event_retention", cfg.BillingEventRetention),
	)

	runCleanupLoop(ctx, cleanupJob, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// cleanupRunner はrunCleanupLoopが実行するジョブ。
type cleanupRunner interface {
	Run(ctx context.Context) error
}

// runCleanupLoop は起動直後に1回、以降interval毎にジョブを実行する。ctxの終了で戻る。
func runCleanupLoop(ctx context.Context, job cleanupRunner, interval time.Duration) {
	run := func() {
		if err := job.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	// 起動直後に1回実行
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
