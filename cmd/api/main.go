// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/bookshelf/internal/audit"
	"github.com/yourusername/bookshelf/internal/auth"
	"github.com/yourusername/bookshelf/internal/config"
	"github.com/yourusername/bookshelf/internal/password"
	"github.com/yourusername/bookshelf/internal/session"
	"github.com/yourusername/bookshelf/internal/token"
)

func main() {
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))

	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.GinMode == gin.DebugMode {
		stdr.SetVerbosity(1)
	}
	logger.Info("config loaded", cfg.LogValues()...)
	if cfg.EphemeralKeys {
		logger.Info("session keys were generated at startup; sessions will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer app.close()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	router, err := newRouter(cfg, app)
	if err != nil {
		log.Fatalf("Failed to configure router: %v", err)
	}

	// サーバーの起動
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "server shutdown failed")
		}
	}()

	logger.Info("starting API server", "addr", addr, "mode", cfg.GinMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// newRouter はミドルウェアとルーティングを設定した gin.Engine を返します。
func newRouter(cfg *config.Config, a *app) (*gin.Engine, error) {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// ログイン試行制限はクライアントIPで数えるため、X-Forwarded-For は
	// TRUSTED_PROXIES に列挙したプロキシ経由のときだけ信用する
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		cfg.CSRFHeader, // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{cfg.CSRFHeader, "Retry-After"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, a)
	return router, nil
}

// app は起動時に組み立てた依存関係をまとめたものです。
type app struct {
	auth    *auth.Handler
	audit   *audit.Manager
	closers []func()
	log     logr.Logger
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger logr.Logger) (*app, error) {
	a := &app{log: logger}

	hasher, err := password.New(password.Config{
		Algorithm:  password.Algorithm(cfg.PasswordAlgorithm),
		BcryptCost: cfg.BcryptCost,
		Argon2: password.Argon2Params{
			MemoryKB:    uint32(cfg.Argon2MemoryKB),
			Time:        uint32(cfg.Argon2Time),
			Parallelism: uint8(cfg.Argon2Parallelism),
		},
	})
	if err != nil {
		return nil, err
	}

	repo, err := setupRepository(ctx, cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}

	service, err := auth.NewService(repo, hasher, cfg.LookupTimeout, logger.WithName("auth"))
	if err != nil {
		a.close()
		return nil, err
	}

	// securecookie 側の期限はセッションより長くし、期限切れを Manager で判定できるようにする
	codec, err := session.NewCodec(cfg.CookieName, session.KeyMaterial{
		EncryptionKey: cfg.SessionEncryptionKey,
		SigningKey:    cfg.SessionSigningKey,
	}, 2*cfg.SessionMaxAge)
	if err != nil {
		a.close()
		return nil, err
	}
	sessions, err := session.NewManager(codec, token.NewGenerator(), cfg.SessionMaxAge)
	if err != nil {
		a.close()
		return nil, err
	}

	limiterCfg := auth.LimiterConfig{
		MaxAttempts: cfg.LoginMaxAttempts,
		Window:      cfg.LoginWindow,
		Lock:        cfg.LoginLock,
	}
	var limiter auth.Limiter = auth.NewMemoryLimiter(limiterCfg)
	var recorder auth.AuditRecorder

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		rdb := redis.NewClient(opt)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		limiter = auth.NewRedisLimiter(rdb, limiterCfg)

		manager, err := setupAudit(cfg, rdb, logger.WithName("audit"))
		if err != nil {
			a.close()
			return nil, err
		}
		manager.StartWorkers()
		a.closers = append(a.closers, func() { _ = manager.Shutdown(context.Background()) })
		a.audit = manager
		recorder = manager
	} else {
		logger.Info("REDIS_URL is not set; using in-memory login limiter and disabling audit trail")
	}

	a.auth, err = auth.NewHandler(service, sessions, auth.Options{
		Cookie: auth.CookieOptions{
			Path:     "/",
			Secure:   cfg.SecureCookies(),
			SameSite: cfg.SameSite(),
		},
		CSRFHeader: cfg.CSRFHeader,
		Limiter:    limiter,
		Audit:      recorder,
		Logger:     logger.WithName("http"),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// setupRepository は DATABASE_URL があれば PostgreSQL、なければ単一アカウントを使います。
func setupRepository(ctx context.Context, cfg *config.Config, a *app) (auth.CredentialRepository, error) {
	if cfg.DatabaseURL != "" {
		pool, err := auth.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		return auth.NewPostgresRepository(pool), nil
	}

	if cfg.AppUsername == "" || cfg.AppPasswordHash == "" {
		a.log.Info("no credentials configured; every login will be rejected")
		return auth.NewMemoryRepository(), nil
	}
	return auth.NewMemoryRepository(auth.Credential{
		UserID:       cfg.AppUserID,
		Email:        cfg.AppUsername,
		PasswordHash: []byte(cfg.AppPasswordHash),
	}), nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "bookshelf-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := a.auth

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", h.Login)
			authRoutes.POST("/logout",
				h.RequireLogin(),
				h.VerifyCSRF(),
				h.Logout,
			)
			authRoutes.GET("/session", h.RequireLogin(), h.Session)
			authRoutes.GET("/activity", h.RequireLogin(), activityHandler(a.audit))
		}
	}
}
