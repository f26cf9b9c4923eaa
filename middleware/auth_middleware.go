package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"shophub/models"
	"shophub/services"
)

var errMissingToken = errors.New("missing authorization token")

// bearerToken 优先取 Authorization 头；浏览器的 WebSocket 带不了头，退而取 ?token=
func bearerToken(c echo.Context) (string, error) {
	if header := c.Request().Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || token == "" {
			return "", errors.New("invalid authorization header")
		}
		return token, nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(c.QueryParam("token"), "Bearer "))
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// AuthMiddleware 校验访问令牌，把用户放进 c.Set("user")
func AuthMiddleware(authService *services.AuthService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := bearerToken(c)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
			}
			claims, err := authService.ValidateToken(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}

			var user models.User
			switch err := authService.Db.First(&user, claims.UserID).Error; {
			case errors.Is(err, gorm.ErrRecordNotFound):
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "user not found"})
			case err != nil:
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "database error"})
			}

			c.Set("user", &user)
			return next(c)
		}
	}
}

// AdminAuthMiddleware 必须放在 AuthMiddleware 之后
func AdminAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, ok := c.Get("user").(*models.User)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{"code": 401, "message": "未授权访问"})
			}
			if !user.IsAdmin() {
				return c.JSON(http.StatusForbidden, map[string]interface{}{"code": 403, "message": "需要客服权限"})
			}
			return next(c)
		}
	}
}
