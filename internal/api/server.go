package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fexe-co/softphone/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Server represents the REST API server
type Server struct {
	config     *config.Config
	handler    *Handler
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, handler *Handler, log zerolog.Logger) *Server {
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		handler: handler,
		router:  router,
		log:     log,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check (no auth required)
	s.router.GET("/health", s.handler.HealthCheck)

	if s.config.MetricsEnabled {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	// Swagger documentation
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := s.router.Group("/api/v1")
	if s.config.APIAuthEnabled {
		v1.Use(s.authMiddleware())
	}

	login := v1.Group("/login")
	{
		login.GET("", s.handler.GetLogin)
		login.POST("", s.handler.Login)
		login.DELETE("", s.handler.ResetLogin)
	}

	library := v1.Group("/library")
	{
		library.GET("", s.handler.GetLibrary)
		library.POST("/start", s.handler.StartLibrary)
		library.POST("/stop", s.handler.StopLibrary)
	}

	calls := v1.Group("/calls")
	{
		calls.POST("", s.handler.Dial)
		calls.POST("/answer", s.handler.Answer)
		calls.POST("/decline", s.handler.Decline)
		calls.POST("/hangup", s.handler.Hangup)
		calls.POST("/toggle", s.handler.Toggle)
		calls.POST("/mute", s.handler.ToggleMute)
		calls.GET("/current", s.handler.CurrentCall)
		calls.GET("/history", s.handler.ListCalls)
		calls.GET("/history/:id", s.handler.GetCall)
	}

	v1.GET("/state", s.handler.GetState)
	v1.GET("/logs", s.handler.GetLogs)
	v1.DELETE("/logs", s.handler.ClearLogs)
	v1.GET("/ws", s.handler.StreamState)
}

// authMiddleware guards the API with the configured Basic Auth pair
func (s *Server) authMiddleware() gin.HandlerFunc {
	basic := gin.BasicAuthForRealm(gin.Accounts{s.config.APIUsername: s.config.APIPassword}, "softphone")
	return func(c *gin.Context) {
		if _, _, ok := c.Request.BasicAuth(); !ok {
			c.Header("WWW-Authenticate", `Basic realm="softphone"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "Authentication required",
			})
			return
		}
		basic(c)
	}
}

// requestLogger logs each request through zerolog
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("REST API server starting")
	s.log.Info().Msgf("Swagger UI available at http://%s/swagger/index.html", addr)

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
