// Package http 提供HTTP服务器功能
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cassava/app"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	log    *zap.Logger
}

// NewServer 创建HTTP服务器
func NewServer(a *app.App) *Server {
	cfg := a.Config.Http
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(a),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
			IdleTimeout:       120 * time.Second,
		},
		log: a.Log.Named("http"),
	}
}

// NewHandler 注册所有路由并包装中间件链
func NewHandler(a *app.App) http.Handler {
	cfg := a.Config.Http
	h := &handlers{app: a, log: a.Log.Named("http")}

	protect := func(next http.HandlerFunc) http.Handler { return next }
	if cfg.APIToken != "" {
		auth := AuthMiddleware(StaticToken(cfg.APIToken))
		protect = func(next http.HandlerFunc) http.Handler { return auth(next) }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /predict", h.handlePredict)
	mux.Handle("POST /retrain", protect(h.handleRetrain))
	mux.HandleFunc("GET /retrain_status/{job_id}", h.handleRetrainStatus)
	mux.HandleFunc("GET /retrain_jobs", h.handleRetrainJobs)
	mux.Handle("POST /upload_training_data", protect(h.handleUpload))
	mux.HandleFunc("GET /model_info", h.handleModelInfo)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /dataset_stats", h.handleDatasetStats)
	mux.HandleFunc("GET /model_versions", h.handleModelVersions)
	mux.HandleFunc("GET /training_log", h.handleTrainingLog)
	mux.HandleFunc("GET /ws/jobs", a.Hub.HandleWebSocket)

	chain := Chain(
		RecoveryMiddleware(h.log),                  // 1. 恢复中间件（最先执行，捕获panic）
		LoggerMiddleware(h.log),                    // 2. 日志中间件
		SecurityHeadersMiddleware,                  // 3. 安全头中间件
		CORSMiddleware(cfg.AllowedOrigins),         // 4. CORS中间件
		RequestSizeMiddleware(cfg.MaxUploadMB<<20), // 5. 请求大小限制
	)
	return chain(mux)
}

// Start 启动服务器，阻塞直到Stop
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.log.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Addr 返回服务器地址
func (s *Server) Addr() string {
	return s.server.Addr
}
