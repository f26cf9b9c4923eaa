package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "shophub/middleware"
)

func (s *Server) SetupRoutes() {
	e := s.Echo
	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")

	var authMiddleware, adminMiddleware []echo.MiddlewareFunc
	if s.AuthService != nil && s.Config.Chat.RequireAuth {
		authMiddleware = []echo.MiddlewareFunc{custommiddleware.AuthMiddleware(s.AuthService)}
		adminMiddleware = append(authMiddleware, custommiddleware.AdminAuthMiddleware())
	}

	var loginLimit, connectLimit []echo.MiddlewareFunc
	if s.Limiter != nil {
		loginLimit = append(loginLimit, custommiddleware.NewRateLimitMiddleware(s.Limiter, custommiddleware.RateLimitConfig{
			Name:   "login",
			Limit:  s.Config.RateLimit.ConnectLimit,
			Window: time.Duration(s.Config.RateLimit.ConnectWindow) * time.Second,
			Log:    s.log,
		}))
		connectLimit = append(connectLimit, custommiddleware.NewRateLimitMiddleware(s.Limiter, custommiddleware.RateLimitConfig{
			Name:   "ws",
			Limit:  s.Config.RateLimit.ConnectLimit,
			Window: time.Duration(s.Config.RateLimit.ConnectWindow) * time.Second,
			Log:    s.log,
		}))
	}

	// Auth routes (unprotected)
	if s.AuthHandler != nil {
		auth := api.Group("/auth")
		auth.POST("/login", s.AuthHandler.Login, loginLimit...)
		auth.POST("/refresh", s.AuthHandler.RefreshToken, loginLimit...)
		if authMiddleware != nil {
			api.GET("/user", s.AuthHandler.GetCurrentUser, authMiddleware...)
		}
	}

	support := api.Group("/support")
	{
		support.GET("/ws", s.ChatWebSocketHandler.HandleWebSocket, append(connectLimit, authMiddleware...)...)

		admin := support.Group("", adminMiddleware...)
		admin.GET("/presence", s.CustomerServiceHandler.GetPresence)                 // 当前在线客户
		admin.GET("/presence/mirror", s.CustomerServiceHandler.GetPresenceMirror)    // Redis 镜像
		admin.GET("/conversations/:customerId", s.CustomerServiceHandler.GetConversation)
		if adminMiddleware != nil {
			// 回复需要以登录的客服身份发送
			admin.POST("/conversations/:customerId/messages", s.CustomerServiceHandler.Reply)
		}
		admin.GET("/sessions", s.CustomerServiceHandler.GetAllSessions)                  // 会话台账
		admin.PUT("/sessions/:customerId", s.CustomerServiceHandler.UpdateSessionStatus) // 更新状态
	}
}

func (s *Server) healthz(c echo.Context) error {
	customers, admins := s.Hub.Counts()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"customers": customers,
		"admins":    admins,
		"database":  s.DB != nil,
		"redis":     s.Redis != nil,
		"kafka":     s.Producer != nil,
	})
}
