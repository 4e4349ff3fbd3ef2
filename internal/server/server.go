package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"book-translator/internal/config"
)

type Server struct {
	config *config.Config
	logger *logrus.Logger
	router *gin.Engine
	wsHub  *Hub
	jobs   *jobStore
	http   *http.Server

	// jobCtx is the parent context of every job goroutine; Shutdown cancels
	// it so in-flight translator requests are not leaked.
	jobCtx   context.Context
	stopJobs context.CancelFunc
}

func New(cfg *config.Config, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	wsHub := NewHub(logger)
	go wsHub.Run()

	jobCtx, stopJobs := context.WithCancel(context.Background())

	s := &Server{
		config:   cfg,
		logger:   logger,
		wsHub:    wsHub,
		jobs:     newJobStore(),
		jobCtx:   jobCtx,
		stopJobs: stopJobs,
	}

	s.setupRoutes()
	return s
}

func (s *Server) Handler() *gin.Engine {
	return s.router
}

// Run serves HTTP on the configured port until the listener fails or
// Shutdown is called.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout.Duration,
		WriteTimeout: s.config.Server.WriteTimeout.Duration,
	}

	s.logger.Infof("Server listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains HTTP connections, then cancels running job contexts.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.stopJobs()

	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router = gin.New()

	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.corsMiddleware())
	s.router.Use(gin.Recovery())

	api := s.router.Group("/api/v1")
	{
		api.POST("/translate", s.handleTranslate)
		api.GET("/jobs", s.handleJobs)
		api.GET("/progress/:id", s.handleProgress)
		api.GET("/download/:id", s.handleDownload)
		api.GET("/languages", s.handleLanguages)
		api.GET("/health", s.handleHealth)
	}

	s.router.GET("/ws", s.HandleWebSocket)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.logger.WithFields(logrus.Fields{
			"status":     param.StatusCode,
			"method":     param.Method,
			"path":       param.Path,
			"ip":         param.ClientIP,
			"user_agent": param.Request.UserAgent(),
			"latency":    param.Latency,
		}).Info("HTTP Request")
		return ""
	})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
