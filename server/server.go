package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AuxParty/cache"
	"AuxParty/config"
	"AuxParty/core/auth"
	"AuxParty/core/party"
	"AuxParty/core/spotify"
	"AuxParty/db"
	"AuxParty/logger"
	"AuxParty/repository"

	"github.com/gorilla/mux"
)

// Start initializes and starts the HTTP server.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.InfoLevel,
		OutputPath: cfg.LogPath,
	})

	auth.SetSecret(cfg.JWTSecret)

	// Connect to the database
	if err := db.ConnectGormDB(cfg); err != nil {
		logger.Fatal("Failed to connect to database", logger.ErrorField(err))
	}
	defer db.CloseGormDB()

	if err := db.AutoMigrateAll(); err != nil {
		logger.Fatal("Failed to migrate database schema", logger.ErrorField(err))
	}

	// Connect to Redis
	if err := cache.ConnectRedis(cfg); err != nil {
		logger.Fatal("Failed to connect to Redis", logger.ErrorField(err))
	}
	defer cache.CloseRedis()
	logger.Info("Successfully connected to Redis")

	userRepo := repository.NewGormUserRepository(db.GormDB)
	sessionRepo := repository.NewGormSessionRepository(db.GormDB)
	spotifyRepo := repository.NewGormSpotifyRepository(db.GormDB)
	sessionCache := cache.NewSessionCache()

	spotifyClient := spotify.NewClient(cfg)
	playback := spotify.NewPlaybackService(spotifyClient, spotifyRepo)

	// 派对引擎与 WebSocket Hub
	hub := party.NewHub()
	engine := party.NewEngine(sessionRepo, sessionCache, playback, hub, cfg)
	hub.SetHandler(engine)
	go hub.Run()

	apiHandler := NewAPIHandler(userRepo, spotifyRepo, engine, hub, spotifyClient, playback, cfg)

	// 使用 gorilla/mux 创建路由器
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 用户认证相关的API端点
	router.HandleFunc("/api/auth/guest", apiHandler.GuestHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/register", apiHandler.RegisterHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", apiHandler.LoginHandler).Methods(http.MethodPost)

	// Spotify 账号关联相关的API端点
	router.HandleFunc("/api/spotify/token", apiHandler.AuthMiddleware(apiHandler.ConnectTokenHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/spotify/playlists", apiHandler.AuthMiddleware(apiHandler.GetPlaylistsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/spotify/playlists/select", apiHandler.AuthMiddleware(apiHandler.SelectPlaylistHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/spotify/devices", apiHandler.AuthMiddleware(apiHandler.GetDevicesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/spotify/devices/select", apiHandler.AuthMiddleware(apiHandler.SelectDeviceHandler)).Methods(http.MethodPost)

	// 派对会话相关的API端点
	router.HandleFunc("/api/sessions", apiHandler.AuthMiddleware(apiHandler.CreateSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{code}", apiHandler.GetSessionHandler).Methods(http.MethodGet)

	// WebSocket 路由
	router.HandleFunc("/ws/party/{code}", apiHandler.WebSocketHandler)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// 在goroutine中启动服务器
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("Shutting down server...")

	// 先解散在线派对，再优雅关停 HTTP
	engine.Shutdown()
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", logger.ErrorField(err))
	}

	logger.Info("Server exited")
}
