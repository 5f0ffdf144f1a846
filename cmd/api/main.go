// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/turnup/internal/appstate"
	"github.com/yourusername/turnup/internal/attendance"
	"github.com/yourusername/turnup/internal/auth"
	"github.com/yourusername/turnup/internal/config"
	"github.com/yourusername/turnup/internal/guard"
	"github.com/yourusername/turnup/internal/jobs"
	"github.com/yourusername/turnup/internal/roster"
)

type server struct {
	cfg      *config.Config
	logger   *log.Logger
	auth     *auth.Manager
	jobs     *jobs.Manager
	registry *appstate.Registry
	guard    *guard.Guard
}

func main() {
	logger := log.New(os.Stdout, "[turnup] ", log.LstdFlags)

	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	rdb, err := setupRedis(cfg)
	if err != nil {
		logger.Fatalf("Failed to configure redis: %v", err)
	}
	defer rdb.Close()

	jobManager, err := setupJobs(cfg, rdb, logger)
	if err != nil {
		logger.Fatalf("Failed to configure jobs: %v", err)
	}
	jobManager.StartWorkers()

	registry := appstate.NewRegistry(cfg.MaxRosterBytes)
	authManager := auth.NewManager(cfg, auth.NewDirectory(rdb, cfg.ResetTokenTTL), jobManager, logger)
	authManager.OnLogout(registry.Forget)

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		auth:     authManager,
		jobs:     jobManager,
		registry: registry,
		guard:    guard.New(guard.DefaultRoutes(), registry, logger),
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = cfg.MaxRosterBytes
	router.Use(sessions.Sessions(auth.SessionCookieName, newSessionStore(cfg, logger)))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	srv.setupRoutes(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneWorkspaces(ctx, registry, time.Duration(auth.SessionMaxAgeSeconds())*time.Second, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Printf("Starting API server on %s (mode: %s)", httpServer.Addr, cfg.GinMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := jobManager.Shutdown(shutdownCtx); err != nil {
		logger.Printf("jobs shutdown: %v", err)
	}
}

func newSessionStore(cfg *config.Config, logger *log.Logger) cookie.Store {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		// 開発時のみ。再起動でセッションは無効になる
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatalf("Failed to generate session secret: %v", err)
		}
		logger.Printf("SESSION_SECRET is empty; using an ephemeral key")
	}

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	return store
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "turnup-api",
		"version": "0.1.0",
	})
}

// setupRoutes はページ、API グループと認証周りの配線を行います。
func (s *server) setupRoutes(router *gin.Engine) {
	router.GET("/health", handleHealth)

	// ページ遷移はすべてナビゲーションガードを通す
	s.guard.Mount(router, s.auth.ProviderFor, guard.ViewHandler(s.registry, s.logger))

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン前はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/register", s.auth.Register)
			authRoutes.POST("/login", s.auth.Login)
			authRoutes.POST("/forgot-password", s.auth.ForgotPassword)
			authRoutes.POST("/reset-password", s.auth.ResetPassword)
			authRoutes.POST("/logout",
				s.auth.RequireLogin(),
				s.auth.VerifyCSRF(),
				s.auth.Logout,
			)
			authRoutes.GET("/me", s.auth.RequireLogin(), s.auth.Me)
		}

		protected := api.Group("")
		protected.Use(s.auth.RequireLogin(), s.auth.VerifyCSRF(), s.registry.Attach())
		{
			protected.GET("/roster", roster.GetHandler(appstate.RosterFrom))
			protected.POST("/roster", roster.UploadHandler(appstate.RosterFrom))
			protected.DELETE("/roster", roster.ClearHandler(appstate.RosterFrom))

			protected.POST("/attendance/scan", attendance.ScanHandler(appstate.SheetFrom))
			protected.GET("/attendance/summary", attendance.SummaryHandler(appstate.SheetFrom))
			protected.GET("/attendance/codes", attendance.CodesHandler(appstate.SheetFrom))

			protected.GET("/page", appstate.GetPageHandler)
			protected.PUT("/page", appstate.SetPageHandler)

			protected.GET("/jobs/:id", jobs.StatusHandler(s.jobs))
		}
	}
}
