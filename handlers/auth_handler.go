package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"shophub/models"
	"shophub/services"
)

type AuthHandler struct {
	authService *services.AuthService
}

func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

func (h *AuthHandler) Login(c echo.Context) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil || req.Email == "" || req.Password == "" {
		return errorJSON(c, http.StatusBadRequest, "email and password are required")
	}

	user, err := h.authService.LoginLocal(req.Email, req.Password)
	if err != nil {
		return errorJSON(c, http.StatusUnauthorized, "invalid credentials")
	}
	resp, err := h.authService.GenerateTokens(user)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, "failed to generate tokens")
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) RefreshToken(c echo.Context) error {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return errorJSON(c, http.StatusBadRequest, "refresh_token is required")
	}
	resp, err := h.authService.Refresh(req.RefreshToken)
	if err != nil {
		return errorJSON(c, http.StatusUnauthorized, "invalid refresh token")
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) GetCurrentUser(c echo.Context) error {
	user, ok := c.Get("user").(*models.User)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user":     user,
		"identity": services.UserIdentity(user),
	})
}
