package handlers

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shophub/config"
	"shophub/models"
	"shophub/services"
)

func TestLoginAndRefresh(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:handlers_auth?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.AutoMigrateAll(db))

	authService := services.NewAuthService(db, config.AuthConfig{JWTSecret: "secret", TokenExpiry: 1, RefreshExpiry: 1})
	_, err = authService.RegisterLocal("ann@shop.test", "Ann", "hunter22", models.UserTypeAdmin)
	require.NoError(t, err)

	h := NewAuthHandler(authService)
	e := echo.New()
	e.POST("/login", h.Login)
	e.POST("/refresh", h.RefreshToken)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/login", `{"email":""}`).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/login", `{"email":"ann@shop.test","password":"nope"}`).Code)

	rec := do(e, http.MethodPost, "/login", `{"email":"ann@shop.test","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens models.AuthResponse
	decodeBody(t, rec, &tokens)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Equal(t, "Ann", tokens.User.Username)

	rec = do(e, http.MethodPost, "/refresh", `{"refresh_token":"`+tokens.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/refresh", `{"refresh_token":"`+tokens.AccessToken+`"}`).Code)
}
