package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"shophub/chat"
	"shophub/models"
	"shophub/redis"
	"shophub/services"
)

// PresenceReader 读取 Redis 中镜像的在线列表
type PresenceReader interface {
	GetOnlineUsers(ctx context.Context) ([]redis.UserInfo, error)
}

// CustomerServiceHandler 客服后台的 HTTP 接口
type CustomerServiceHandler struct {
	hub      *chat.Hub
	sessions *services.SupportSessionService
	mirror   PresenceReader
	log      *zap.Logger
}

// NewCustomerServiceHandler sessions 和 mirror 可以为 nil，对应接口返回 503
func NewCustomerServiceHandler(hub *chat.Hub, sessions *services.SupportSessionService, mirror PresenceReader, log *zap.Logger) *CustomerServiceHandler {
	return &CustomerServiceHandler{hub: hub, sessions: sessions, mirror: mirror, log: log}
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// GetPresence 当前在线客户
func (h *CustomerServiceHandler) GetPresence(c echo.Context) error {
	users := h.hub.Presence()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(users),
		"users": users,
	})
}

// GetPresenceMirror Redis 中的在线列表
func (h *CustomerServiceHandler) GetPresenceMirror(c echo.Context) error {
	if h.mirror == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "presence mirror disabled")
	}
	users, err := h.mirror.GetOnlineUsers(c.Request().Context())
	if err != nil {
		h.log.Error("failed to read presence mirror", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "failed to fetch online users")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(users),
		"users": users,
	})
}

// GetConversation 客户的内存会话记录
func (h *CustomerServiceHandler) GetConversation(c echo.Context) error {
	customerID := c.Param("customerId")
	messages := h.hub.History(customerID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"customerId": customerID,
		"online":     h.hub.Online(customerID),
		"messages":   messages,
	})
}

// Reply 客服通过 HTTP 回复客户
func (h *CustomerServiceHandler) Reply(c echo.Context) error {
	user, ok := c.Get("user").(*models.User)
	if !ok || !user.IsAdmin() {
		return errorJSON(c, http.StatusForbidden, "admin required")
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request")
	}

	res, err := h.hub.Route(c.Request().Context(), services.UserIdentity(user), c.Param("customerId"), req.Body)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrRateLimited):
		return errorJSON(c, http.StatusTooManyRequests, chat.ErrorCode(err))
	case errors.Is(err, chat.ErrEmptyBody), errors.Is(err, chat.ErrBodyTooLarge), errors.Is(err, chat.ErrInvalidPayload):
		return errorJSON(c, http.StatusBadRequest, chat.ErrorCode(err))
	default:
		h.log.Error("reply failed", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "failed to route message")
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"message":   res.Message,
		"delivered": res.Delivered,
	})
}

// GetAllSessions 获取客服会话列表
func (h *CustomerServiceHandler) GetAllSessions(c echo.Context) error {
	if h.sessions == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "session ledger disabled")
	}
	sessions, err := h.sessions.List(c.QueryParam("status")) // pending, active, closed
	if err != nil {
		if errors.Is(err, services.ErrInvalidStatus) {
			return errorJSON(c, http.StatusBadRequest, err.Error())
		}
		h.log.Error("failed to list sessions", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "failed to fetch sessions")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// UpdateSessionStatus 更新会话状态
func (h *CustomerServiceHandler) UpdateSessionStatus(c echo.Context) error {
	if h.sessions == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "session ledger disabled")
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request")
	}

	session, err := h.sessions.UpdateStatus(c.Param("customerId"), req.Status)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, session)
	case errors.Is(err, services.ErrInvalidStatus):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrSessionNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	default:
		h.log.Error("failed to update session", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "failed to update session")
	}
}
